// Package worker is the interception runtime of intercepted mode. It receives
// control messages from the page (init, disable, checkCache, clearCache) and
// intercepts HTTP requests for "/<archive>/<namespace>/<path>", asking the
// page for the content over the transferred message port. css/js responses
// are kept in the disk asset store while caching is enabled.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/archive"
	"github.com/any-hub/zimview/internal/cache"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/protocol"
	"github.com/any-hub/zimview/internal/rewrite"
	"github.com/any-hub/zimview/internal/server"
)

// ErrNotConnected 表示 worker 尚未收到 init，无法向页面请求内容。
var ErrNotConnected = errors.New("worker has no page port")

const (
	headerCacheHit = "X-Zimview-Cache-Hit"
	headerArchive  = "X-Zimview-Archive"
)

// Capabilities 描述运行时是否具备拦截与跨上下文消息能力。
type Capabilities struct {
	Interception bool `json:"interception"`
	Messaging    bool `json:"messaging"`
}

// Options configures a Worker.
type Options struct {
	// Store holds cached css/js; nil disables the worker cache entirely.
	Store          cache.Store
	Logger         *logrus.Logger
	ContentTimeout time.Duration
}

// Worker 负责拦截内容请求，内部复用页面端口与磁盘缓存。
type Worker struct {
	logger  *logrus.Logger
	store   cache.Store
	writer  cache.AssetWriter
	timeout time.Duration

	mu       sync.RWMutex
	port     *protocol.Port
	enabled  bool
	useCache bool

	intercepted atomic.Int64
}

// New constructs a worker that is idle until it receives init.
func New(opts Options) *Worker {
	timeout := opts.ContentTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Worker{
		logger:  logging.OrDiscard(opts.Logger),
		store:   opts.Store,
		writer:  cache.NewAssetWriter(opts.Store),
		timeout: timeout,
	}
}

// Capabilities reports what this runtime supports.
func (w *Worker) Capabilities() Capabilities {
	return Capabilities{Interception: true, Messaging: true}
}

// PostMessage handles a control message sent by the page.
func (w *Worker) PostMessage(ctx context.Context, msg protocol.Message) error {
	fields := logrus.Fields{"action": "worker_message", "kind": msg.Action}
	switch msg.Action {
	case protocol.ActionInit:
		port, ok := msg.ReplyPort()
		if !ok {
			return protocol.ErrNoReplyPort
		}
		w.mu.Lock()
		w.port = port
		w.enabled = true
		w.useCache = msg.CacheEnabled()
		w.mu.Unlock()
		w.logger.WithFields(fields).WithField("use_cache", msg.UseCache).Debug("init received")
		return port.Post(ctx, protocol.Ready())
	case protocol.ActionDisable:
		w.mu.Lock()
		w.enabled = false
		w.port = nil
		w.mu.Unlock()
		w.logger.WithFields(fields).Info("interception disabled")
		return nil
	case protocol.ActionCheckCache:
		status := w.CacheStatus(ctx)
		return protocol.Respond(ctx, msg, protocol.CacheStatusReply(status))
	case protocol.ActionClearCache:
		if w.store == nil {
			return nil
		}
		if err := w.store.Purge(ctx); err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("cache purge failed")
			return err
		}
		w.logger.WithFields(fields).Info("worker cache purged")
		return nil
	default:
		return fmt.Errorf("unsupported control message %q", msg.Action)
	}
}

// CacheStatus reports the worker store, counting its entries.
func (w *Worker) CacheStatus(ctx context.Context) protocol.CacheStatus {
	status := protocol.CacheStatus{Type: "worker", Description: "Worker disk store"}
	if w.store == nil {
		status.Description = "Worker store disabled"
		return status
	}
	count, err := w.store.Count(ctx)
	if err != nil {
		w.logger.WithFields(logrus.Fields{"action": "worker_message"}).WithError(err).Warn("cache count failed")
	}
	status.Count = count
	return status
}

// Evict drops the page port as if the runtime had been restarted by the host.
// The next keepalive init reconnects it.
func (w *Worker) Evict() {
	w.mu.Lock()
	w.port = nil
	w.mu.Unlock()
}

// Status is the diagnostic snapshot served by /-/status.
type Status struct {
	Enabled     bool  `json:"enabled"`
	Connected   bool  `json:"connected"`
	UseCache    bool  `json:"use_cache"`
	Intercepted int64 `json:"intercepted"`
	CacheCount  int   `json:"cache_count"`
}

func (w *Worker) Status(ctx context.Context) Status {
	w.mu.RLock()
	st := Status{Enabled: w.enabled, Connected: w.port != nil, UseCache: w.useCache}
	w.mu.RUnlock()
	st.Intercepted = w.intercepted.Load()
	st.CacheCount = w.CacheStatus(ctx).Count
	return st
}

// Handle intercepts GET/HEAD requests for archive content. Requests it does
// not own are passed down the fiber chain.
func (w *Worker) Handle(c fiber.Ctx) error {
	if c.Method() != http.MethodGet && c.Method() != http.MethodHead {
		return c.Next()
	}
	archiveName, title, ok := parseContentPath(string(c.Request().URI().PathOriginal()))
	if !ok {
		return c.Next()
	}

	w.mu.RLock()
	enabled, useCache, connected := w.enabled, w.useCache, w.port != nil
	w.mu.RUnlock()
	if !enabled || !connected {
		return c.Next()
	}

	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	w.intercepted.Add(1)
	c.Set(headerArchive, archiveName)

	locator := cache.Locator{Archive: archiveName, Path: title}
	cacheable := useCache && w.writer.Enabled() && w.writer.Cacheable(title)
	if cacheable {
		result, err := w.store.Get(ctx, locator)
		switch {
		case err == nil:
			defer result.Reader.Close()
			if err := w.serveCache(c, title, result, requestID, started); err != nil {
				w.drop(ctx, locator, requestID)
				return err
			}
			return nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, ask the page
		default:
			// the broken entry is dropped so the page answer can replace it
			w.logger.WithFields(logging.InterceptFields(archiveName, title, requestID, false)).
				WithError(err).Warn("cache_get_failed")
			w.drop(ctx, locator, requestID)
		}
	}

	reply, err := w.ask(ctx, archiveName, title)
	if err != nil {
		status := fiber.StatusBadGateway
		code := "page_unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			status = fiber.StatusGatewayTimeout
			code = "content_timeout"
		}
		w.logResult(archiveName, title, requestID, status, false, started, err)
		return c.Status(status).JSON(fiber.Map{"error": code})
	}

	switch {
	case reply.Action == protocol.ActionSendRedirect:
		target := "/" + url.PathEscape(archiveName) + "/" + rewrite.EscapeSegments(reply.RedirectURL)
		w.logResult(archiveName, title, requestID, fiber.StatusFound, false, started, nil)
		return c.Redirect().Status(fiber.StatusFound).To(target)
	case reply.IsNotFound():
		w.logResult(archiveName, title, requestID, fiber.StatusNotFound, false, started, nil)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "title": title})
	case reply.Action == protocol.ActionGiveContent:
		// content, served below
	default:
		err := fmt.Errorf("unexpected reply %q", reply.Action)
		w.logResult(archiveName, title, requestID, fiber.StatusBadGateway, false, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "unexpected_reply"})
	}

	if cacheable {
		if _, err := w.writer.Put(ctx, locator, bytes.NewReader(reply.Content)); err != nil {
			w.logger.WithFields(logging.InterceptFields(archiveName, title, requestID, false)).
				WithError(err).Warn("cache_write_failed")
		}
	}

	contentType := reply.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(headerCacheHit, "false")
	c.Status(fiber.StatusOK)
	w.logResult(archiveName, title, requestID, fiber.StatusOK, false, started, nil)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(reply.Content)
}

func (w *Worker) serveCache(c fiber.Ctx, title string, result *cache.ReadResult, requestID string, started time.Time) error {
	contentType := mime.TypeByExtension(path.Ext(title))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(headerCacheHit, "true")
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Status(fiber.StatusOK)
	if c.Method() == http.MethodHead {
		w.logResult(result.Entry.Locator.Archive, title, requestID, fiber.StatusOK, true, started, nil)
		return nil
	}
	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	w.logResult(result.Entry.Locator.Archive, title, requestID, fiber.StatusOK, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// drop removes a cache entry that could not be served.
func (w *Worker) drop(ctx context.Context, locator cache.Locator, requestID string) {
	if err := w.store.Remove(ctx, locator); err != nil {
		w.logger.WithFields(logging.InterceptFields(locator.Archive, locator.Path, requestID, false)).
			WithError(err).Warn("cache_remove_failed")
	}
}

// ask posts askForContent with a fresh single-use reply port and waits for
// exactly one answer.
func (w *Worker) ask(ctx context.Context, archiveName, title string) (protocol.Message, error) {
	w.mu.RLock()
	out := w.port
	w.mu.RUnlock()
	if out == nil {
		return protocol.Message{}, ErrNotConnected
	}

	replyEnd, transfer := protocol.NewChannel()
	defer replyEnd.Close()

	askCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := out.Post(askCtx, protocol.AskForContent(archiveName, title, transfer)); err != nil {
		return protocol.Message{}, err
	}
	return replyEnd.Receive(askCtx)
}

func (w *Worker) logResult(archiveName, title, requestID string, status int, cacheHit bool, started time.Time, err error) {
	fields := logging.InterceptFields(archiveName, title, requestID, cacheHit)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	entry := w.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("intercept_failed")
		return
	}
	entry.Info("intercept_completed")
}

// parseContentPath splits "/<archive>/<ns>/<path>" into the archive name and
// the decoded title.
func parseContentPath(raw string) (string, string, bool) {
	trimmed := strings.TrimPrefix(raw, "/")
	rawArchive, rawTitle, ok := strings.Cut(trimmed, "/")
	if !ok || rawArchive == "" || rawArchive == "-" {
		return "", "", false
	}
	archiveName, err := url.PathUnescape(rawArchive)
	if err != nil {
		return "", "", false
	}
	title, err := url.PathUnescape(rawTitle)
	if err != nil {
		return "", "", false
	}
	if _, _, ok := archive.SplitTitle(title); !ok {
		return "", "", false
	}
	return archiveName, title, true
}
