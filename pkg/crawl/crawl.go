// Package crawl walks paginated catalog feeds through the fetch,
// validate, classify and aggregate pipeline. It follows exactly one
// link relation, rel="next", with cycle and page-limit guards, and
// reports progress through an injected event sink.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"

	"github.com/JamesEnglish1028/opds-tools/pkg/classify"
	"github.com/JamesEnglish1028/opds-tools/pkg/fetch"
	"github.com/JamesEnglish1028/opds-tools/pkg/opds"
	"github.com/JamesEnglish1028/opds-tools/pkg/validate"
)

const defaultWorkers = 5

// pageFetcher retrieves one catalog page.
type pageFetcher interface {
	Fetch(ctx context.Context, pageURL string, creds *fetch.Credentials) (*fetch.Page, error)
}

// Params configure one crawl invocation.
type Params struct {
	Kind        classify.Kind      // defaults to KindOPDS
	MaxPages    int                // 0 means no limit
	Parallel    bool               // batch-fetch discovered pages concurrently
	Workers     int                // parallel fetch pool size, defaults to 5
	Credentials *fetch.Credentials // optional basic auth, never logged
	Sink        Sink               // progress events, defaults to NopSink
}

// Walker drives crawls. It holds only immutable collaborators; all
// per-crawl state lives in a crawlRun scoped to one Crawl call.
type Walker struct {
	fetcher   pageFetcher
	validator *validate.Validator
}

// New creates a walker around the given fetcher.
func New(f pageFetcher) (*Walker, error) {
	v, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	return &Walker{fetcher: f, validator: v}, nil
}

// crawlRun is the mutable state of one crawl: visited set, running
// counters and the credentials in effect. It never outlives Crawl.
type crawlRun struct {
	visited    map[string]bool
	creds      *fetch.Credentials
	engine     *classify.Engine
	agg        *aggregator
	sink       Sink
	pageStats  []PageStat
	pageErrors []PageError
	pubs       int
}

// attempted counts pages fetched or failed, the number the page limit
// is enforced against.
func (r *crawlRun) attempted() int { return len(r.pageStats) + len(r.pageErrors) }

// Crawl walks the feed at startURL and returns the aggregate result.
// Fetch failures become page-error entries in the result; only a
// syntactically invalid URL or malformed JSON on the first page abort
// the crawl with an error.
func (w *Walker) Crawl(ctx context.Context, startURL string, p Params) (*Result, error) {
	if p.Kind == "" {
		p.Kind = classify.KindOPDS
	}
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	sink := p.Sink
	if sink == nil {
		sink = NopSink
	}

	u, err := url.Parse(startURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		ferr := fmt.Errorf("invalid feed url %q", startURL)
		sink.OnEvent(Event{Type: EventError, URL: startURL, Error: ferr.Error()})
		return nil, ferr
	}

	run := &crawlRun{
		visited: map[string]bool{},
		creds:   p.Credentials,
		engine:  classify.NewEngine(p.Kind),
		agg:     newAggregator(),
		sink:    sink,
	}

	lgr.Printf("[INFO] crawl started, url=%s kind=%s maxPages=%d parallel=%v", startURL, p.Kind, p.MaxPages, p.Parallel)
	sink.OnEvent(Event{Type: EventStarted, URL: startURL})

	if p.Parallel {
		err = w.crawlParallel(ctx, run, startURL, p)
	} else {
		err = w.crawlSequential(ctx, run, startURL, p)
	}
	if err != nil {
		sink.OnEvent(Event{Type: EventError, URL: startURL, Error: err.Error()})
		return nil, err
	}

	res := run.agg.snapshot(startURL, p.Kind, run.pageStats, run.pageErrors)
	lgr.Printf("[INFO] crawl complete, url=%s pages=%d publications=%d errors=%d",
		startURL, res.Summary.PagesAnalyzed, res.Summary.TotalPublications, len(res.PageErrors))
	sink.OnEvent(Event{Type: EventComplete, URL: startURL, Pages: run.attempted(), Publications: run.pubs})
	return res, nil
}

func (w *Walker) crawlSequential(ctx context.Context, run *crawlRun, startURL string, p Params) error {
	cur := startURL
	for cur != "" {
		if p.MaxPages > 0 && run.attempted() >= p.MaxPages {
			break
		}
		if run.visited[cur] {
			lgr.Printf("[WARN] next link loops back to %s, stopping", cur)
			break
		}
		run.visited[cur] = true
		pageNum := run.attempted() + 1

		page, err := w.fetcher.Fetch(ctx, cur, run.creds)
		if err != nil {
			if pageNum == 1 && errors.Is(err, fetch.ErrDecode) {
				return fmt.Errorf("feed %s could not be analyzed: %w", startURL, err)
			}
			run.recordFetchError(cur, pageNum, err)
			break
		}

		run.sink.OnEvent(Event{Type: EventPageFetched, URL: cur, Page: pageNum, Pages: pageNum, Publications: run.pubs})
		next := w.process(run, page, pageNum)
		cur = run.nextURL(page.URL, next)
	}
	return nil
}

// crawlParallel fetches batches of already-discovered pages through a
// bounded pool. Only the network fetches overlap: validation,
// classification and aggregation run on this goroutine, keeping the
// counters and the event sink single-producer.
func (w *Walker) crawlParallel(ctx context.Context, run *crawlRun, startURL string, p Params) error {
	pending := []string{startURL}
	first := true

	for len(pending) > 0 {
		var batch []string
		for _, u := range pending {
			if run.visited[u] {
				continue
			}
			if p.MaxPages > 0 && run.attempted()+len(batch) >= p.MaxPages {
				break
			}
			run.visited[u] = true
			batch = append(batch, u)
		}
		if len(batch) == 0 {
			break
		}

		type fetched struct {
			page *fetch.Page
			err  error
		}
		results := make([]fetched, len(batch))
		creds := run.creds

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.Workers)
		for i, u := range batch {
			g.Go(func() error {
				page, err := w.fetcher.Fetch(gctx, u, creds)
				results[i] = fetched{page: page, err: err}
				return nil
			})
		}
		g.Wait() //nolint:errcheck // workers report failures through results

		var nexts []string
		for i, res := range results {
			pageNum := run.attempted() + 1
			if res.err != nil {
				if first && i == 0 && errors.Is(res.err, fetch.ErrDecode) {
					return fmt.Errorf("feed %s could not be analyzed: %w", startURL, res.err)
				}
				run.recordFetchError(batch[i], pageNum, res.err)
				continue // branch ends, its next link is never discovered
			}
			run.sink.OnEvent(Event{Type: EventPageFetched, URL: batch[i], Page: pageNum, Pages: pageNum, Publications: run.pubs})
			next := w.process(run, res.page, pageNum)
			if resolved := run.nextURL(res.page.URL, next); resolved != "" {
				nexts = append(nexts, resolved)
			}
		}
		first = false
		pending = nexts
	}
	return nil
}

// process validates and classifies one fetched page and returns the
// raw next href, if any. Structural errors on the feed skip extraction
// for this page only; the next link is still honored so one malformed
// page does not hide the rest of the catalog.
func (w *Walker) process(run *crawlRun, page *fetch.Page, pageNum int) string {
	stat := PageStat{URL: page.URL, Page: pageNum}
	rep := w.validator.CheckFeed(page.Doc)
	stat.Errors = rep.Errors
	stat.Warnings = rep.Warnings

	var feed opds.Feed
	var next string
	decodeErr := json.Unmarshal(page.Body, &feed)
	if decodeErr != nil {
		stat.Errors = append(stat.Errors, fmt.Sprintf("decode feed: %v", decodeErr))
	} else {
		next = feed.NextHref()
	}

	if rep.OK() && decodeErr == nil {
		for _, pub := range feed.AllPublications() {
			rec := opds.NewRecord(pub)
			prep := w.validator.CheckPublication(rec)
			stat.Errors = append(stat.Errors, prep.Errors...)
			stat.Warnings = append(stat.Warnings, prep.Warnings...)

			run.agg.add(rec, run.engine.Classify(rec))
			run.pubs++
			stat.Publications++
		}
	} else {
		lgr.Printf("[WARN] page %d (%s) failed structural checks, extraction skipped", pageNum, page.URL)
	}

	run.pageStats = append(run.pageStats, stat)
	run.sink.OnEvent(Event{
		Type: EventPageProcessing, URL: page.URL, Page: pageNum,
		Pages: run.attempted(), Publications: run.pubs,
	})
	return next
}

func (r *crawlRun) recordFetchError(pageURL string, pageNum int, err error) {
	lgr.Printf("[WARN] page %d fetch failed, url=%s: %v", pageNum, pageURL, err)
	r.pageErrors = append(r.pageErrors, PageError{URL: pageURL, Page: pageNum, Error: err.Error()})
	r.sink.OnEvent(Event{
		Type: EventPageError, URL: pageURL, Page: pageNum,
		Pages: r.attempted(), Publications: r.pubs, Error: err.Error(),
	})
}

// nextURL resolves href against the current page URL. Once a
// pagination URL carries its own token query parameter the server is
// handing out pre-authorized links, and basic credentials are dropped
// for that and every following request.
func (r *crawlRun) nextURL(baseURL, href string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		lgr.Printf("[WARN] unparseable next link %q: %v", href, err)
		return ""
	}
	resolved := base.ResolveReference(ref).String()
	if strings.Contains(resolved, "token=") && r.creds != nil {
		lgr.Printf("[DEBUG] pagination url carries a token, dropping basic credentials")
		r.creds = nil
	}
	return resolved
}
