// Package archive defines the read-only content archive the reader renders
// from. The pipeline only depends on the Archive interface; Memory backs tests
// and demos, Dir serves an unpacked archive directory whose index is scanned
// in the background. Titles are always "<namespace>/<path>" strings.
package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotFound 表示归档中不存在对应条目，属于非致命结果。
	ErrNotFound = errors.New("archive entry not found")
	// ErrNotReady 表示尚未加载归档或索引仍在扫描。
	ErrNotReady = errors.New("archive not ready")
	// ErrRedirectLoop 表示重定向链超过上限，通常是归档数据损坏。
	ErrRedirectLoop = errors.New("archive redirect loop")
)

// NamespaceArticle is the namespace holding displayable articles.
const NamespaceArticle = "A"

const maxRedirectHops = 32

// Entry describes one archive-resident item.
type Entry struct {
	Namespace string
	Path      string
	Title     string
	MimeType  string
	// RedirectTo holds the full "<namespace>/<path>" target of a redirect entry.
	RedirectTo string
}

// IsRedirect reports whether the entry points at another entry.
func (e Entry) IsRedirect() bool {
	return e.RedirectTo != ""
}

// Mimetype returns the declared mimetype, defaulting to a binary stream.
func (e Entry) Mimetype() string {
	if e.MimeType == "" {
		return "application/octet-stream"
	}
	return e.MimeType
}

// FullPath returns the "<namespace>/<path>" identifier of the entry.
func (e Entry) FullPath() string {
	return e.Namespace + "/" + e.Path
}

// TitleOrPath returns the human title, falling back to the path.
func (e Entry) TitleOrPath() string {
	if e.Title != "" {
		return e.Title
	}
	return e.Path
}

// SplitTitle splits "A/some/path" into its namespace and path. Namespaces are
// a single character.
func SplitTitle(title string) (namespace, path string, ok bool) {
	if len(title) < 3 || title[1] != '/' {
		return "", "", false
	}
	return title[:1], title[2:], true
}

// Archive is the collaborator contract consumed by the rendering pipeline.
type Archive interface {
	Name() string
	IsReady() bool
	FindEntriesWithPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error)
	// GetEntryByTitle returns ErrNotFound when the title is absent.
	GetEntryByTitle(ctx context.Context, title string) (Entry, error)
	// ResolveRedirect follows the whole redirect chain and returns the terminal entry.
	ResolveRedirect(ctx context.Context, entry Entry) (Entry, error)
	ReadTextFile(ctx context.Context, entry Entry) (string, error)
	ReadBinaryFile(ctx context.Context, entry Entry) ([]byte, error)
	RandomEntry(ctx context.Context) (Entry, error)
	MainPageEntry(ctx context.Context) (Entry, error)
}

// Holder keeps the currently selected archive. It is shared by the pipeline
// and the intercepted-mode responder so both observe archive switches.
type Holder struct {
	mu      sync.RWMutex
	current Archive
}

// NewHolder returns a holder preloaded with a (possibly nil) archive.
func NewHolder(a Archive) *Holder {
	return &Holder{current: a}
}

// Get returns the current archive or nil.
func (h *Holder) Get() Archive {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Set replaces the current archive and returns the previous one.
func (h *Holder) Set(a Archive) Archive {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = a
	return prev
}

// Ready returns the current archive when it is loaded and indexed.
func (h *Holder) Ready() (Archive, error) {
	a := h.Get()
	if a == nil || !a.IsReady() {
		return nil, ErrNotReady
	}
	return a, nil
}

func normalizePrefix(prefix string) string {
	return strings.ToLower(strings.TrimSpace(prefix))
}
