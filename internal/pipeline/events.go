package pipeline

import (
	"fmt"

	"github.com/any-hub/zimview/internal/archive"
)

// EventKind 标识渲染管线对宿主 UI 发出的事件类型。
type EventKind string

const (
	EventSearching     EventKind = "searching"
	EventResultsReady  EventKind = "resultsReady"
	EventRendering     EventKind = "rendering"
	EventRendered      EventKind = "rendered"
	EventError         EventKind = "error"
	EventActiveContent EventKind = "activeContent"
	EventDownload      EventKind = "download"
)

// Event is delivered to the host UI listener.
type Event struct {
	Kind       EventKind
	Identifier string
	// Count and Results are set on resultsReady.
	Count   int
	Results []archive.Entry
	// Message is the human readable header or error reason.
	Message string
	Err     error
}

// Listener receives pipeline events synchronously.
type Listener func(Event)

func (p *Pipeline) emit(ev Event) {
	if p.opts.Listener != nil {
		p.opts.Listener(ev)
	}
}

// SearchMessage builds the result list header.
func SearchMessage(count, limit int) string {
	switch {
	case count == 0:
		return "No articles found."
	case count >= limit:
		return fmt.Sprintf("First %d articles below (refine your search).", limit)
	default:
		return fmt.Sprintf("%d articles found.", count)
	}
}
