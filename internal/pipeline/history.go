package pipeline

import (
	"sync"

	"github.com/any-hub/zimview/internal/guard"
)

// HistoryState is one navigable state: a read article or a search.
type HistoryState struct {
	Kind       guard.Kind
	Identifier string
}

// History is a linear back/forward list. Pushing a state identical to the
// current one is a no-op; pushing after going back drops the forward states.
type History struct {
	mu      sync.Mutex
	entries []HistoryState
	pos     int
}

func NewHistory() *History {
	return &History{pos: -1}
}

// Push records s and reports whether it was added.
func (h *History) Push(s HistoryState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= 0 && h.entries[h.pos] == s {
		return false
	}
	h.entries = append(h.entries[:h.pos+1], s)
	h.pos = len(h.entries) - 1
	return true
}

func (h *History) Back() (HistoryState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos <= 0 {
		return HistoryState{}, false
	}
	h.pos--
	return h.entries[h.pos], true
}

func (h *History) Forward() (HistoryState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= len(h.entries)-1 {
		return HistoryState{}, false
	}
	h.pos++
	return h.entries[h.pos], true
}

// Current returns the state at the cursor.
func (h *History) Current() (HistoryState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos < 0 {
		return HistoryState{}, false
	}
	return h.entries[h.pos], true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
