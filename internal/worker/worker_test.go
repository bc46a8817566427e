package worker

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/zimview/internal/cache"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/protocol"
	"github.com/any-hub/zimview/internal/server"
)

// fakePage answers askForContent from a fixed table, like the page responder.
type fakePage struct {
	contents  map[string]string
	redirects map[string]string
	silent    bool
	asked     atomic.Int64
}

func (p *fakePage) serve(ctx context.Context, port *protocol.Port) {
	for {
		msg, err := port.Receive(ctx)
		if err != nil {
			return
		}
		p.handle(ctx, msg)
	}
}

// handle has the protocol.Handler signature, so it can also back a session.
func (p *fakePage) handle(ctx context.Context, msg protocol.Message) {
	if msg.Action != protocol.ActionAskForContent {
		return
	}
	p.asked.Add(1)
	if p.silent {
		return
	}
	switch {
	case p.redirects[msg.Title] != "":
		_ = protocol.Respond(ctx, msg, protocol.SendRedirect(msg.Title, p.redirects[msg.Title]))
	case p.contents[msg.Title] != "":
		mimetype := "text/html"
		if strings.HasSuffix(msg.Title, ".css") {
			mimetype = "text/css"
		}
		_ = protocol.Respond(ctx, msg, protocol.GiveContent(msg.Title, []byte(p.contents[msg.Title]), mimetype))
	default:
		_ = protocol.Respond(ctx, msg, protocol.NotFound(msg.Title))
	}
}

func newConnectedWorker(t *testing.T, page *fakePage, timeout time.Duration) (*Worker, *fiber.App) {
	t.Helper()
	return connectWorker(t, page, timeout, t.TempDir())
}

func connectWorker(t *testing.T, page *fakePage, timeout time.Duration, storeDir string) (*Worker, *fiber.App) {
	t.Helper()
	store, err := cache.NewStore(storeDir)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	w := New(Options{Store: store, Logger: logging.Discard(), ContentTimeout: timeout})

	pageEnd, workerEnd := protocol.NewChannel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		pageEnd.Close()
	})
	if err := w.PostMessage(ctx, protocol.Init(true, workerEnd)); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	ack, err := pageEnd.Receive(ctx)
	if err != nil || ack.Action != protocol.ActionReady {
		t.Fatalf("expected ready ack, got %+v %v", ack, err)
	}
	go page.serve(ctx, pageEnd)

	app, err := server.NewApp(server.AppOptions{Logger: logging.Discard(), Interceptor: w.Handle})
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	return w, app
}

func TestWorkerServesContentFromPage(t *testing.T) {
	page := &fakePage{contents: map[string]string{"A/Cat": "<p>cat</p>"}}
	_, app := newConnectedWorker(t, page, time.Second)

	resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Cat", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "<p>cat</p>" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(headerArchive) != "wiki.zim" {
		t.Fatalf("archive header missing")
	}
	if !strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), "text/html") {
		t.Fatalf("unexpected content type %s", resp.Header.Get(fiber.HeaderContentType))
	}
}

func TestWorkerCachesStylesheets(t *testing.T) {
	page := &fakePage{contents: map[string]string{"-/s/style.css": "body{}"}}
	w, app := newConnectedWorker(t, page, time.Second)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/-/s/style.css", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "body{}" {
			t.Fatalf("unexpected body %q", body)
		}
		wantHit := "false"
		if i == 1 {
			wantHit = "true"
		}
		if resp.Header.Get(headerCacheHit) != wantHit {
			t.Fatalf("request %d: expected cache hit %s, got %s", i, wantHit, resp.Header.Get(headerCacheHit))
		}
	}
	if page.asked.Load() != 1 {
		t.Fatalf("second request should be served from the store, page asked %d times", page.asked.Load())
	}
	if status := w.CacheStatus(context.Background()); status.Count != 1 || status.Type != "worker" {
		t.Fatalf("unexpected cache status %+v", status)
	}
}

func TestWorkerReplacesBrokenCacheEntry(t *testing.T) {
	dir := t.TempDir()
	// a directory squatting on the entry path makes the cached read fail
	if err := os.MkdirAll(filepath.Join(dir, "wiki.zim", "-", "s", "style.css"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	page := &fakePage{contents: map[string]string{"-/s/style.css": "body{}"}}
	_, app := connectWorker(t, page, time.Second, dir)

	for i, wantHit := range []string{"false", "true"} {
		resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/-/s/style.css", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != fiber.StatusOK || string(body) != "body{}" {
			t.Fatalf("request %d: unexpected response %d %s", i, resp.StatusCode, body)
		}
		if resp.Header.Get(headerCacheHit) != wantHit {
			t.Fatalf("request %d: expected cache hit %s, got %s", i, wantHit, resp.Header.Get(headerCacheHit))
		}
	}
	if page.asked.Load() != 1 {
		t.Fatalf("broken entry should be replaced once, page asked %d times", page.asked.Load())
	}
}

func TestWorkerReconnectsAfterEviction(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	w := New(Options{Store: store, Logger: logging.Discard(), ContentTimeout: time.Second})
	page := &fakePage{contents: map[string]string{"A/Cat": "<p>cat</p>"}}
	session := protocol.NewSession(protocol.SessionOptions{
		Controller:       w,
		Handler:          page.handle,
		Logger:           logging.Discard(),
		HandshakeTimeout: time.Second,
	})
	t.Cleanup(session.Close)
	if err := session.Establish(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logging.Discard(), Interceptor: w.Handle})
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	get := func() int {
		resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Cat", nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		return resp.StatusCode
	}

	w.Evict()
	if st := w.Status(context.Background()); !st.Enabled || st.Connected {
		t.Fatalf("evicted worker should have lost its port: %+v", st)
	}
	if code := get(); code != fiber.StatusNotFound || page.asked.Load() != 0 {
		t.Fatalf("evicted worker must pass through, got %d", code)
	}

	session.KeepAlive()
	if st := w.Status(context.Background()); !st.Connected {
		t.Fatalf("keepalive should reconnect the worker: %+v", st)
	}
	if code := get(); code != fiber.StatusOK || page.asked.Load() != 1 {
		t.Fatalf("reconnected worker should serve content, got %d", code)
	}
}

func TestWorkerRedirectAndNotFound(t *testing.T) {
	page := &fakePage{redirects: map[string]string{"A/Kitty": "A/C++ (lang)"}}
	_, app := newConnectedWorker(t, page, time.Second)

	resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Kitty", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get(fiber.HeaderLocation); loc != "/wiki.zim/A/C++%20%28lang%29" {
		t.Fatalf("unexpected redirect location %s", loc)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Missing", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"not_found"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestWorkerTimesOutSilentPage(t *testing.T) {
	page := &fakePage{silent: true}
	_, app := newConnectedWorker(t, page, 30*time.Millisecond)

	resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Cat", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

func TestWorkerPassesThroughWhenDisabled(t *testing.T) {
	page := &fakePage{contents: map[string]string{"A/Cat": "<p>cat</p>"}}
	w, app := newConnectedWorker(t, page, time.Second)

	if err := w.PostMessage(context.Background(), protocol.Disable()); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	resp, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/A/Cat", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("disabled worker must not intercept, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "not_intercepted") {
		t.Fatalf("unexpected body %s", body)
	}
	if page.asked.Load() != 0 {
		t.Fatalf("page must not be asked after disable")
	}
	if st := w.Status(context.Background()); st.Enabled || st.Connected {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestWorkerIgnoresForeignPaths(t *testing.T) {
	page := &fakePage{}
	_, app := newConnectedWorker(t, page, time.Second)

	for _, target := range []string{"http://reader.local/favicon.ico", "http://reader.local/wiki.zim/Cat"} {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected passthrough 404, got %d", target, resp.StatusCode)
		}
	}
	resp, err := app.Test(httptest.NewRequest("POST", "http://reader.local/wiki.zim/A/Cat", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound || page.asked.Load() != 0 {
		t.Fatalf("POST must not be intercepted")
	}
}

func TestWorkerCheckAndClearCache(t *testing.T) {
	page := &fakePage{contents: map[string]string{"-/s/app.js": "var x;"}}
	w, app := newConnectedWorker(t, page, time.Second)

	if _, err := app.Test(httptest.NewRequest("GET", "http://reader.local/wiki.zim/-/s/app.js", nil)); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	replyEnd, transfer := protocol.NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.PostMessage(ctx, protocol.CheckCache(transfer)); err != nil {
		t.Fatalf("checkCache failed: %v", err)
	}
	reply, err := replyEnd.Receive(ctx)
	if err != nil || reply.Action != protocol.ActionCacheStatus || reply.Cache == nil {
		t.Fatalf("unexpected cacheStatus reply %+v %v", reply, err)
	}
	if reply.Cache.Count != 1 {
		t.Fatalf("expected 1 cached asset, got %d", reply.Cache.Count)
	}

	if err := w.PostMessage(ctx, protocol.ClearCache()); err != nil {
		t.Fatalf("clearCache failed: %v", err)
	}
	if status := w.CacheStatus(ctx); status.Count != 0 {
		t.Fatalf("store should be empty after clearCache, got %d", status.Count)
	}
}

func TestWorkerRejectsInitWithoutPort(t *testing.T) {
	w := New(Options{Logger: logging.Discard()})
	if err := w.PostMessage(context.Background(), protocol.Message{Action: protocol.ActionInit}); err == nil {
		t.Fatalf("init without port must fail")
	}
	if caps := w.Capabilities(); !caps.Interception || !caps.Messaging {
		t.Fatalf("worker should report full capabilities")
	}
}

func TestParseContentPath(t *testing.T) {
	cases := []struct {
		raw     string
		archive string
		title   string
		ok      bool
	}{
		{"/wiki.zim/A/Cat", "wiki.zim", "A/Cat", true},
		{"/my%20wiki/A/C%2B%2B%20%28lang%29", "my wiki", "A/C++ (lang)", true},
		{"/-/status", "", "", false},
		{"/wiki.zim", "", "", false},
		{"/wiki.zim/Cat", "", "", false},
	}
	for _, tc := range cases {
		archiveName, title, ok := parseContentPath(tc.raw)
		if ok != tc.ok || archiveName != tc.archive || title != tc.title {
			t.Fatalf("%s: got (%q,%q,%v)", tc.raw, archiveName, title, ok)
		}
	}
}
