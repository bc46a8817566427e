package archive

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// index is the title lookup shared by Memory and Dir.
type index struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	titles   []string // sorted full paths of namespace A entries
	dirty    bool
	mainPage string
}

func newIndex() *index {
	return &index{entries: make(map[string]Entry)}
}

func (ix *index) add(entry Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[entry.FullPath()] = entry
	ix.dirty = true
}

func (ix *index) setMainPage(title string) {
	ix.mu.Lock()
	ix.mainPage = title
	ix.mu.Unlock()
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *index) lookup(ctx context.Context, title string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	ix.mu.RLock()
	entry, ok := ix.entries[title]
	ix.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", title, ErrNotFound)
	}
	return entry, nil
}

func (ix *index) resolve(ctx context.Context, entry Entry) (Entry, error) {
	current := entry
	for hop := 0; current.IsRedirect(); hop++ {
		if hop >= maxRedirectHops {
			return Entry{}, fmt.Errorf("%s: %w", entry.FullPath(), ErrRedirectLoop)
		}
		next, err := ix.lookup(ctx, current.RedirectTo)
		if err != nil {
			return Entry{}, err
		}
		current = next
	}
	return current, nil
}

func (ix *index) sortedTitles() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dirty || ix.titles == nil {
		titles := make([]string, 0, len(ix.entries))
		for key, entry := range ix.entries {
			if entry.Namespace == NamespaceArticle {
				titles = append(titles, key)
			}
		}
		sort.Strings(titles)
		ix.titles = titles
		ix.dirty = false
	}
	return ix.titles
}

func (ix *index) find(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := normalizePrefix(prefix)
	if needle == "" || limit <= 0 {
		return nil, nil
	}
	titles := ix.sortedTitles()

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var result []Entry
	for _, key := range titles {
		entry := ix.entries[key]
		if strings.HasPrefix(strings.ToLower(entry.TitleOrPath()), needle) {
			result = append(result, entry)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (ix *index) random(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return Entry{}, ErrNotFound
	}
	pick := rand.IntN(len(ix.entries))
	for _, entry := range ix.entries {
		if pick == 0 {
			return entry, nil
		}
		pick--
	}
	return Entry{}, ErrNotFound
}

func (ix *index) main(ctx context.Context) (Entry, error) {
	ix.mu.RLock()
	title := ix.mainPage
	ix.mu.RUnlock()
	if title == "" {
		return Entry{}, fmt.Errorf("main page: %w", ErrNotFound)
	}
	return ix.lookup(ctx, title)
}
