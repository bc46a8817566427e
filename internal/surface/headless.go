// Package surface provides the display surface the pipeline renders into.
// Headless keeps the displayed document in memory, loads intercepted-mode
// locators over HTTP from the worker and hands out blob handles for binary
// assets. It backs the CLI and the tests; an interactive front end would
// implement the same methods.
package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/rewrite"
)

const handlePrefix = "blob:"

// ErrSuperseded 表示提交前已有更新的加载或调用方的提交条件不再成立，本次结果未显示。
var ErrSuperseded = errors.New("navigation superseded")

// Blob is the payload behind a transient handle.
type Blob struct {
	Data     []byte
	MimeType string
}

// Page is a document ready to be shown. Handles lists the transient handles
// its markup references.
type Page struct {
	HTML    string
	Handles []string
}

// Commit reports whether the caller may still change the display. A nil
// Commit always allows.
type Commit func() bool

func (c Commit) allowed() bool {
	return c == nil || c()
}

// Download is a file offered to the user.
type Download struct {
	Name     string
	MimeType string
	Data     []byte
}

// State 是显示面的快照，供 CLI 输出与测试断言。
type State struct {
	HTML      string
	Location  string
	Theme     string
	Links     []rewrite.Link
	Downloads []Download
	// Renders counts Display and Navigate calls that changed the content.
	Renders int
}

// Headless is an in-memory display surface.
type Headless struct {
	client *http.Client
	logger *logrus.Logger

	mu      sync.RWMutex
	state   State
	handles map[string]Blob
	// gen orders loads: a navigation only commits when no later load started,
	// like a frame whose src was reassigned.
	gen uint64
}

// NewHeadless returns a surface that fetches locators with client.
func NewHeadless(client *http.Client, logger *logrus.Logger) *Headless {
	if client == nil {
		client = http.DefaultClient
	}
	return &Headless{
		client:  client,
		logger:  logging.OrDiscard(logger),
		handles: make(map[string]Blob),
	}
}

// Display replaces the shown document with page. commit is evaluated under
// the surface lock right before the change; when it reports false nothing is
// shown and ErrSuperseded is returned. Handles not listed by the committed
// page are revoked, and the handles of a page that was not shown are released.
func (h *Headless) Display(ctx context.Context, page Page, commit Commit) error {
	if err := ctx.Err(); err != nil {
		h.Revoke(page.Handles)
		return err
	}
	h.mu.Lock()
	if !commit.allowed() {
		h.releaseLocked(page.Handles)
		h.mu.Unlock()
		return ErrSuperseded
	}
	h.gen++
	h.state.HTML = page.HTML
	h.state.Location = ""
	h.state.Renders++
	h.keepOnlyLocked(page.Handles)
	h.mu.Unlock()
	return nil
}

// Navigate loads locator and shows the response body. Redirects answered by
// the worker are followed; the final URL becomes the location. The body is
// only shown when no later load started and commit still holds, both checked
// under the surface lock.
func (h *Headless) Navigate(ctx context.Context, locator string, commit Commit) (string, error) {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("navigate %s: %w", locator, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", locator, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Locator: locator, StatusCode: resp.StatusCode}
	}

	final := locator
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	h.mu.Lock()
	superseded := h.gen != gen || !commit.allowed()
	if !superseded {
		h.state.HTML = string(body)
		h.state.Location = final
		h.state.Renders++
		// a worker-served document references no transient handles
		h.keepOnlyLocked(nil)
	}
	h.mu.Unlock()
	if superseded {
		return string(body), ErrSuperseded
	}

	h.logger.WithFields(logrus.Fields{
		"action":   "surface_navigate",
		"locator":  locator,
		"location": final,
		"bytes":    len(body),
	}).Debug("locator loaded")
	return string(body), nil
}

// ApplyTheme records the active theme.
func (h *Headless) ApplyTheme(theme string) {
	h.mu.Lock()
	h.state.Theme = theme
	h.mu.Unlock()
}

// BindLinks installs link interception for the shown document.
func (h *Headless) BindLinks(links []rewrite.Link) {
	copied := append([]rewrite.Link(nil), links...)
	h.mu.Lock()
	h.state.Links = copied
	h.mu.Unlock()
}

// CreateHandle stores data and returns a transient handle for it.
func (h *Headless) CreateHandle(data []byte, mimetype string) string {
	handle := handlePrefix + uuid.NewString()
	h.mu.Lock()
	h.handles[handle] = Blob{Data: data, MimeType: mimetype}
	h.mu.Unlock()
	return handle
}

// Resolve returns the blob behind handle.
func (h *Headless) Resolve(handle string) (Blob, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	blob, ok := h.handles[handle]
	return blob, ok
}

// Revoke releases handles, typically those of a page that was never shown.
func (h *Headless) Revoke(handles []string) {
	h.mu.Lock()
	h.releaseLocked(handles)
	h.mu.Unlock()
}

// Handles returns the number of live handles.
func (h *Headless) Handles() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handles)
}

func (h *Headless) releaseLocked(handles []string) {
	for _, handle := range handles {
		delete(h.handles, handle)
	}
}

// keepOnlyLocked revokes every handle the committed document does not use.
func (h *Headless) keepOnlyLocked(keep []string) {
	kept := make(map[string]Blob, len(keep))
	for _, handle := range keep {
		if blob, ok := h.handles[handle]; ok {
			kept[handle] = blob
		}
	}
	h.handles = kept
}

// OfferDownload hands a file to the user.
func (h *Headless) OfferDownload(_ context.Context, d Download) error {
	h.mu.Lock()
	h.state.Downloads = append(h.state.Downloads, d)
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"action":   "surface_download",
		"name":     d.Name,
		"mimetype": d.MimeType,
		"bytes":    len(d.Data),
	}).Info("download offered")
	return nil
}

// Snapshot returns a copy of the current state.
func (h *Headless) Snapshot() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.state
	st.Links = append([]rewrite.Link(nil), h.state.Links...)
	st.Downloads = append([]Download(nil), h.state.Downloads...)
	return st
}

// StatusError reports a locator answered with a non-200 status.
type StatusError struct {
	Locator    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("navigate %s: status %d", e.Locator, e.StatusCode)
}
