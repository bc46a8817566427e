package archive

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process archive. Entries are added before use; it is always
// ready unless SetReady(false) was called.
type Memory struct {
	*index
	name string

	mu       sync.RWMutex
	contents map[string][]byte
	ready    bool
}

// NewMemory creates an empty, ready archive with the given file name.
func NewMemory(name string) *Memory {
	return &Memory{
		index:    newIndex(),
		name:     name,
		contents: make(map[string][]byte),
		ready:    true,
	}
}

// Add stores a concrete entry with its content.
func (m *Memory) Add(entry Entry, content []byte) {
	m.mu.Lock()
	m.contents[entry.FullPath()] = append([]byte(nil), content...)
	m.mu.Unlock()
	m.index.add(entry)
}

// AddArticle is a shorthand for an HTML entry in namespace A.
func (m *Memory) AddArticle(path, title, html string) Entry {
	entry := Entry{Namespace: NamespaceArticle, Path: path, Title: title, MimeType: "text/html"}
	m.Add(entry, []byte(html))
	return entry
}

// AddRedirect stores a redirect entry from -> to (both full titles).
func (m *Memory) AddRedirect(from, to string) error {
	ns, path, ok := SplitTitle(from)
	if !ok {
		return fmt.Errorf("invalid redirect source %q", from)
	}
	m.index.add(Entry{Namespace: ns, Path: path, Title: path, RedirectTo: to})
	return nil
}

// SetMainPage records the title returned by MainPageEntry.
func (m *Memory) SetMainPage(title string) {
	m.index.setMainPage(title)
}

// SetReady toggles readiness, used to simulate an archive still loading.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.mu.Unlock()
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Len returns the number of indexed entries.
func (m *Memory) Len() int { return m.index.len() }

func (m *Memory) FindEntriesWithPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	return m.index.find(ctx, prefix, limit)
}

func (m *Memory) GetEntryByTitle(ctx context.Context, title string) (Entry, error) {
	return m.index.lookup(ctx, title)
}

func (m *Memory) ResolveRedirect(ctx context.Context, entry Entry) (Entry, error) {
	return m.index.resolve(ctx, entry)
}

func (m *Memory) ReadTextFile(ctx context.Context, entry Entry) (string, error) {
	data, err := m.ReadBinaryFile(ctx, entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Memory) ReadBinaryFile(ctx context.Context, entry Entry) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.contents[entry.FullPath()]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", entry.FullPath(), ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) RandomEntry(ctx context.Context) (Entry, error) {
	return m.index.random(ctx)
}

func (m *Memory) MainPageEntry(ctx context.Context) (Entry, error) {
	return m.index.main(ctx)
}
