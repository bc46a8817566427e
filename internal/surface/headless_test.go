package surface

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/rewrite"
)

func TestDisplayAndSnapshot(t *testing.T) {
	h := NewHeadless(nil, logging.Discard())
	if err := h.Display(context.Background(), Page{HTML: "<p>cat</p>"}, nil); err != nil {
		t.Fatalf("display failed: %v", err)
	}
	h.ApplyTheme("dark")
	h.BindLinks([]rewrite.Link{{Path: "A/Dog"}})

	st := h.Snapshot()
	if st.HTML != "<p>cat</p>" || st.Theme != "dark" || st.Renders != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(st.Links) != 1 || st.Links[0].Path != "A/Dog" {
		t.Fatalf("links not bound: %+v", st.Links)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Display(ctx, Page{HTML: "<p>late</p>"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled display must fail, got %v", err)
	}
	if h.Snapshot().HTML != "<p>cat</p>" {
		t.Fatalf("cancelled display must not change content")
	}
}

func TestHandles(t *testing.T) {
	h := NewHeadless(nil, nil)
	handle := h.CreateHandle([]byte{1, 2}, "image/png")
	if !strings.HasPrefix(handle, "blob:") {
		t.Fatalf("unexpected handle %s", handle)
	}
	blob, ok := h.Resolve(handle)
	if !ok || blob.MimeType != "image/png" || len(blob.Data) != 2 {
		t.Fatalf("unexpected blob %+v %v", blob, ok)
	}
	if other := h.CreateHandle(nil, "image/png"); other == handle {
		t.Fatalf("handles must be unique")
	}
	h.Revoke([]string{handle})
	if _, ok := h.Resolve(handle); ok {
		t.Fatalf("revoked handle still resolves")
	}
}

func TestNavigateFollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wiki/A/Kitty":
			http.Redirect(w, r, "/wiki/A/Cat", http.StatusFound)
		case "/wiki/A/Cat":
			_, _ = w.Write([]byte("<p>cat</p>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHeadless(srv.Client(), logging.Discard())
	body, err := h.Navigate(context.Background(), srv.URL+"/wiki/A/Kitty", nil)
	if err != nil {
		t.Fatalf("navigate failed: %v", err)
	}
	if body != "<p>cat</p>" {
		t.Fatalf("unexpected body %q", body)
	}
	if loc := h.Snapshot().Location; loc != srv.URL+"/wiki/A/Cat" {
		t.Fatalf("unexpected location %s", loc)
	}

	_, err = h.Navigate(context.Background(), srv.URL+"/wiki/A/Missing", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if h.Snapshot().Renders != 1 {
		t.Fatalf("failed navigation must not count as render")
	}
}

func TestOfferDownload(t *testing.T) {
	h := NewHeadless(nil, logging.Discard())
	if err := h.OfferDownload(context.Background(), Download{Name: "book.epub", MimeType: "application/epub+zip", Data: []byte("x")}); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	st := h.Snapshot()
	if len(st.Downloads) != 1 || st.Downloads[0].Name != "book.epub" {
		t.Fatalf("unexpected downloads %+v", st.Downloads)
	}
}

func TestNavigateSupersededByLaterLoad(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wiki/A/Slow" {
			<-release
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	h := NewHeadless(srv.Client(), logging.Discard())
	done := make(chan error, 1)
	go func() {
		_, err := h.Navigate(context.Background(), srv.URL+"/wiki/A/Slow", nil)
		done <- err
	}()
	// wait until the slow load has started
	for {
		h.mu.RLock()
		started := h.gen > 0
		h.mu.RUnlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.Navigate(context.Background(), srv.URL+"/wiki/A/Fast", nil); err != nil {
		t.Fatalf("navigate failed: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if st := h.Snapshot(); st.HTML != "/wiki/A/Fast" || st.Renders != 1 {
		t.Fatalf("later load must win, got %+v", st)
	}
}

func TestDisplayHonoursCommit(t *testing.T) {
	h := NewHeadless(nil, logging.Discard())
	if err := h.Display(context.Background(), Page{HTML: "<p>dog</p>"}, func() bool { return true }); err != nil {
		t.Fatalf("display failed: %v", err)
	}

	handle := h.CreateHandle([]byte{1}, "image/png")
	err := h.Display(context.Background(), Page{HTML: "<p>cat</p>", Handles: []string{handle}}, func() bool { return false })
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if st := h.Snapshot(); st.HTML != "<p>dog</p>" || st.Renders != 1 {
		t.Fatalf("refused commit must leave the display unchanged: %+v", st)
	}
	if _, ok := h.Resolve(handle); ok {
		t.Fatalf("handles of a page that was not shown must be released")
	}
}

func TestDisplayRevokesPreviousHandles(t *testing.T) {
	h := NewHeadless(nil, logging.Discard())
	first := h.CreateHandle([]byte{1}, "image/png")
	if err := h.Display(context.Background(), Page{HTML: "<p>cat</p>", Handles: []string{first}}, nil); err != nil {
		t.Fatalf("display failed: %v", err)
	}
	if _, ok := h.Resolve(first); !ok {
		t.Fatalf("handle of the shown page must stay valid")
	}

	second := h.CreateHandle([]byte{2}, "image/png")
	if err := h.Display(context.Background(), Page{HTML: "<p>dog</p>", Handles: []string{second}}, nil); err != nil {
		t.Fatalf("display failed: %v", err)
	}
	if _, ok := h.Resolve(first); ok {
		t.Fatalf("handle of the previous page must be revoked")
	}
	if _, ok := h.Resolve(second); !ok || h.Handles() != 1 {
		t.Fatalf("only the shown page's handles should remain, got %d", h.Handles())
	}
}

func TestNavigateRefusedCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<p>cat</p>"))
	}))
	defer srv.Close()

	h := NewHeadless(srv.Client(), logging.Discard())
	_, err := h.Navigate(context.Background(), srv.URL+"/wiki/A/Cat", func() bool { return false })
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if st := h.Snapshot(); st.HTML != "" || st.Renders != 0 {
		t.Fatalf("refused navigation must not be shown: %+v", st)
	}
}
