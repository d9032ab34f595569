package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/JamesEnglish1028/opds-tools/pkg/classify"
	"github.com/JamesEnglish1028/opds-tools/pkg/crawl"
	"github.com/JamesEnglish1028/opds-tools/pkg/fetch"
	"github.com/JamesEnglish1028/opds-tools/pkg/repository"
)

// analyzeRequest is the body of POST /api/v1/analyze.
type analyzeRequest struct {
	URL      string `json:"url"`
	Kind     string `json:"kind"`
	MaxPages int    `json:"maxPages"`
	Parallel bool   `json:"parallel"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// jobResponse is what the API returns for a job, the stored result is
// attached as raw JSON once the crawl completes.
type jobResponse struct {
	*repository.Job
	Result json.RawMessage `json:"result,omitempty"`
}

func toJobResponse(job *repository.Job) jobResponse {
	return jobResponse{Job: job, Result: job.ResultJSON()}
}

// analyzeHandler accepts a feed URL and starts a background analysis job
func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		renderError(w, r, fmt.Errorf("url is required"), http.StatusBadRequest)
		return
	}

	kind := classify.KindOPDS
	switch strings.ToLower(req.Kind) {
	case "", "opds":
	case "odl":
		kind = classify.KindODL
	default:
		renderError(w, r, fmt.Errorf("unknown feed kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if req.MaxPages < 0 {
		renderError(w, r, fmt.Errorf("maxPages can't be negative"), http.StatusBadRequest)
		return
	}

	crawlCfg := s.config.GetCrawlConfig()
	maxPages := req.MaxPages
	if maxPages == 0 {
		maxPages = crawlCfg.MaxPages
	}

	job := &repository.Job{
		ID:       uuid.New().String(),
		FeedURL:  req.URL,
		Kind:     string(kind),
		MaxPages: maxPages,
		Parallel: req.Parallel || crawlCfg.Parallel,
	}
	if err := s.jobs.Create(r.Context(), job); err != nil {
		renderError(w, r, fmt.Errorf("failed to create job: %w", err), http.StatusInternalServerError)
		return
	}

	params := crawl.Params{
		Kind:     kind,
		MaxPages: maxPages,
		Parallel: job.Parallel,
		Workers:  crawlCfg.Workers,
	}
	if req.Username != "" {
		params.Credentials = &fetch.Credentials{User: req.Username, Password: req.Password}
	}

	go s.runJob(job.ID, req.URL, params)

	lgr.Printf("[INFO] queued analysis job %s for %s", job.ID, req.URL)
	renderJSON(w, r, http.StatusAccepted, toJobResponse(job))
}

// runJob executes the crawl in the background, detached from the request
// context, and records the outcome in the job store.
func (s *Server) runJob(jobID, startURL string, params crawl.Params) {
	ctx := context.Background()

	if err := s.jobs.SetRunning(ctx, jobID); err != nil {
		lgr.Printf("[WARN] failed to mark job %s running: %v", jobID, err)
	}
	params.Sink = crawl.SinkFunc(func(e crawl.Event) { s.hub.publish(jobID, e) })
	defer s.hub.finish(jobID)

	res, err := s.crawler.Crawl(ctx, startURL, params)
	if err != nil {
		lgr.Printf("[WARN] job %s failed: %v", jobID, err)
		if serr := s.jobs.SetError(ctx, jobID, err.Error()); serr != nil {
			lgr.Printf("[WARN] failed to record job %s error: %v", jobID, serr)
		}
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		lgr.Printf("[WARN] job %s result can't be marshaled: %v", jobID, err)
		if serr := s.jobs.SetError(ctx, jobID, "result serialization failed"); serr != nil {
			lgr.Printf("[WARN] failed to record job %s error: %v", jobID, serr)
		}
		return
	}
	if err := s.jobs.SetResult(ctx, jobID, data); err != nil {
		lgr.Printf("[WARN] failed to record job %s result: %v", jobID, err)
		return
	}
	lgr.Printf("[INFO] job %s completed, %d publications", jobID, res.Summary.TotalPublications)
}

// listJobsHandler returns recent jobs, newest first
func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
			renderError(w, r, fmt.Errorf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		renderError(w, r, fmt.Errorf("failed to list jobs: %w", err), http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, jobs)
}

// getJobHandler returns a single job with its result when finished
func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		renderError(w, r, err, http.StatusNotFound)
		return
	}
	renderJSON(w, r, http.StatusOK, toJobResponse(job))
}

// eventHub fans crawl events out to SSE subscribers per job.
type eventHub struct {
	mu   sync.Mutex
	subs map[string][]chan crawl.Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[string][]chan crawl.Event{}}
}

// subscribe registers a listener for a job's events. The returned channel
// is closed when the job finishes.
func (h *eventHub) subscribe(jobID string) chan crawl.Event {
	ch := make(chan crawl.Event, 256)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// unsubscribe removes a listener, e.g. when the client disconnects early.
func (h *eventHub) unsubscribe(jobID string, ch chan crawl.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[jobID]
	for i, s := range subs {
		if s == ch {
			h.subs[jobID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// publish delivers an event to all listeners, dropping it for slow ones
func (h *eventHub) publish(jobID string, e crawl.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- e:
		default:
			lgr.Printf("[DEBUG] dropping event for slow subscriber on job %s", jobID)
		}
	}
}

// finish closes all listener channels for a job and forgets it
func (h *eventHub) finish(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[jobID] {
		close(ch)
	}
	delete(h.subs, jobID)
}
