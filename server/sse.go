package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/JamesEnglish1028/opds-tools/pkg/crawl"
	"github.com/JamesEnglish1028/opds-tools/pkg/repository"
)

const sseKeepaliveInterval = 60 * time.Second

// jobEventsHandler streams crawl progress for a job as server-sent events.
// For an already finished job it emits a single terminal event and returns.
func (s *Server) jobEventsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		renderError(w, r, err, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, fmt.Errorf("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if job.Status == repository.StatusCompleted || job.Status == repository.StatusFailed {
		writeSSE(w, terminalEvent(job))
		flusher.Flush()
		return
	}

	// push headers out before the first event so clients see the stream open
	flusher.Flush()

	ch := s.hub.subscribe(jobID)
	defer s.hub.unsubscribe(jobID, ch)

	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				// crawl finished, report the stored outcome
				if job, err = s.jobs.Get(r.Context(), jobID); err == nil {
					writeSSE(w, terminalEvent(job))
					flusher.Flush()
				}
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

// terminalEvent converts a finished job into its closing event.
func terminalEvent(job *repository.Job) crawl.Event {
	if job.Status == repository.StatusFailed {
		return crawl.Event{Type: crawl.EventError, URL: job.FeedURL, Error: job.Error}
	}
	return crawl.Event{Type: crawl.EventComplete, URL: job.FeedURL}
}

func writeSSE(w http.ResponseWriter, e crawl.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		lgr.Printf("[WARN] can't marshal event: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
