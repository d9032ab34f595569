package crawl

// Progress event types. Consumers should ignore unknown types and treat
// extra fields as forward-compatible additions.
const (
	EventStarted        = "started"
	EventPageFetched    = "page_fetched"
	EventPageError      = "page_error"
	EventPageProcessing = "page_processing"
	EventComplete       = "complete"
	EventError          = "error"
)

// Event is one progress notification. Every event carries enough
// running state for a caller to render a live indicator without
// polling the walker.
type Event struct {
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	Page         int    `json:"page,omitempty"`         // 1-based index of the page this event is about
	Pages        int    `json:"pages,omitempty"`        // pages fetched so far
	Publications int    `json:"publications,omitempty"` // publications seen so far
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Sink consumes progress events. The walker is the sole producer and
// calls OnEvent from a single goroutine, so implementations need no
// locking of their own.
type Sink interface {
	OnEvent(e Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(e Event)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(e Event) { f(e) }

// NopSink discards all events.
var NopSink = SinkFunc(func(Event) {})
