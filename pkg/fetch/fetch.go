// Package fetch retrieves catalog pages over HTTP with Accept-header
// negotiation and bounded retry. Real feed servers reject strict Accept
// headers with 406 and fail intermittently with 5xx, so a fetch walks
// an ordered header list, retries transient failures with backoff, and
// falls back to a bare request only after every header was rejected.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
)

// Accept header values tried in order. The feed-specific type goes
// first; plain JSON is the concession to servers that never learned
// the OPDS media type.
const (
	AcceptOPDS = "application/opds+json, application/json"
	AcceptJSON = "application/json"
)

const maxBodySize = 50 * 1024 * 1024

// ErrDecode marks a response body that is not valid JSON. The walker
// treats it as fatal on the first page and as a page error afterwards.
var ErrDecode = errors.New("response is not valid JSON")

// sentinels matched by the retrier to stop early
var (
	errPermanent     = errors.New("permanent failure")
	errNotAcceptable = errors.New("not acceptable")
)

// transientStatus lists the HTTP codes worth retrying with the same
// Accept header. 404 is included because several large catalog servers
// return it transiently while their cache warms.
var transientStatus = map[int]bool{
	http.StatusNotFound:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Credentials are HTTP Basic credentials attached to every request of
// one crawl. They are never logged.
type Credentials struct {
	User     string
	Password string
}

// Page is one fetched and JSON-decoded catalog page.
type Page struct {
	URL  string
	Body []byte
	Doc  any
}

// Fetcher issues negotiated GET requests. It holds no per-call state
// and is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	accepts   []string
	attempts  int
	baseDelay time.Duration
	userAgent string
}

// Option adjusts a Fetcher.
type Option func(*Fetcher)

// WithAttempts sets the per-header retry budget.
func WithAttempts(n int) Option {
	return func(f *Fetcher) { f.attempts = n }
}

// WithBaseDelay sets the initial backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.baseDelay = d }
}

// WithAccepts replaces the negotiated Accept header list.
func WithAccepts(accepts ...string) Option {
	return func(f *Fetcher) { f.accepts = accepts }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// New creates a fetcher with the given per-request timeout.
func New(timeout time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: timeout},
		accepts:   []string{AcceptOPDS, AcceptJSON},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		userAgent: "opds-tools/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves one page. A 406 advances to the next Accept header
// without consuming retries; transient statuses and network errors are
// retried with exponential backoff under the same header; any other
// HTTP error fails immediately. Only after every header was rejected
// with 406 does a final attempt go out with no Accept header at all.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, creds *Credentials) (*Page, error) {
	var lastErr error
	for _, accept := range f.accepts {
		page, err := f.fetchWithRetry(ctx, pageURL, accept, creds)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, errNotAcceptable) {
			lgr.Printf("[DEBUG] accept %q rejected by %s, trying next", accept, pageURL)
			lastErr = err
			continue
		}
		return nil, err
	}

	// every negotiated header got a 406, last resort without Accept
	page, err := f.fetchWithRetry(ctx, pageURL, "", creds)
	if err == nil {
		return page, nil
	}
	if errors.Is(err, errNotAcceptable) && lastErr != nil {
		return nil, fmt.Errorf("no acceptable representation for %s: %w", pageURL, lastErr)
	}
	return nil, err
}

// fetchWithRetry retries transient failures of one header strategy.
func (f *Fetcher) fetchWithRetry(ctx context.Context, pageURL, accept string, creds *Credentials) (*Page, error) {
	retrier := repeater.NewBackoff(f.attempts, f.baseDelay, repeater.WithMaxDelay(10*time.Second))

	var page *Page
	err := retrier.Do(ctx, func() error {
		p, err := f.get(ctx, pageURL, accept, creds)
		if err != nil {
			var serr *StatusError
			if errors.As(err, &serr) {
				switch {
				case serr.Code == http.StatusNotAcceptable:
					return fmt.Errorf("%w: %w", errNotAcceptable, err)
				case transientStatus[serr.Code]:
					return err // repeater will retry this
				default:
					return fmt.Errorf("%w: %w", errPermanent, err)
				}
			}
			if errors.Is(err, ErrDecode) {
				return fmt.Errorf("%w: %w", errPermanent, err)
			}
			return err // network errors are transient
		}
		page = p
		return nil
	}, errPermanent, errNotAcceptable)

	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *Fetcher) get(ctx context.Context, pageURL, accept string, creds *Credentials) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if creds != nil {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{URL: pageURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", pageURL, err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, pageURL, err)
	}
	return &Page{URL: pageURL, Body: body, Doc: doc}, nil
}
