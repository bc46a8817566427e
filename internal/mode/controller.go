// Package mode holds the delivery-mode state machine. Exactly one mode is
// active at a time: Direct injects rewritten markup into the surface,
// Intercepted lets the worker runtime answer resource requests by asking the
// page over the message protocol. Every transition flushes the asset cache
// and the worker-held store and persists the new mode.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/assetcache"
	"github.com/any-hub/zimview/internal/config"
	"github.com/any-hub/zimview/internal/logging"
	"github.com/any-hub/zimview/internal/prefs"
	"github.com/any-hub/zimview/internal/protocol"
	"github.com/any-hub/zimview/internal/worker"
)

// Mode 表示当前的内容投递方式。
type Mode string

const (
	Direct      Mode = config.ContentModeDirect
	Intercepted Mode = config.ContentModeIntercepted
)

var (
	// ErrEnvironmentUnsupported 表示运行环境缺少拦截或跨上下文消息能力，拒绝进入 Intercepted。
	ErrEnvironmentUnsupported = errors.New("environment does not support intercepted mode")
	// ErrTransport 表示与 worker 的握手或消息通道失败，已自动回退到 Direct。
	ErrTransport = errors.New("worker transport failure")
)

// Parse 解析配置或偏好中的模式名称，兼容旧写法。
func Parse(raw string) (Mode, bool) {
	normalized, ok := config.NormalizeContentMode(raw)
	if !ok {
		return "", false
	}
	return Mode(normalized), true
}

// Runtime is the interception runtime as seen from the page.
type Runtime interface {
	protocol.Controller
	Capabilities() worker.Capabilities
}

// Options configures a Controller.
type Options struct {
	// Runtime is nil when the environment has no interception runtime.
	Runtime Runtime
	Cache   *assetcache.Cache
	Prefs   prefs.Store
	Logger  *logrus.Logger
	// Handler answers askForContent on the page side of the session.
	Handler          protocol.Handler
	Keepalive        time.Duration
	HandshakeTimeout time.Duration
}

// Pinned is the mode a request observed when it started.
type Pinned struct {
	Mode Mode
	// Fallback is set when Intercepted was active but the handshake did not
	// complete in time, so the request runs in Direct.
	Fallback bool
}

// Controller 负责模式切换，并持有 Intercepted 模式下的消息会话。
type Controller struct {
	opts   Options
	logger *logrus.Logger

	switchMu sync.Mutex

	mu      sync.RWMutex
	mode    Mode
	session *protocol.Session
}

// New returns a controller in Direct mode.
func New(opts Options) *Controller {
	if opts.Cache == nil {
		opts.Cache = assetcache.New(true)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	return &Controller{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		mode:   Direct,
	}
}

// Current returns the active mode.
func (c *Controller) Current() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Cache exposes the process-wide asset cache.
func (c *Controller) Cache() *assetcache.Cache {
	return c.opts.Cache
}

// Probe reports whether the environment can run Intercepted mode.
func (c *Controller) Probe() error {
	if c.opts.Runtime == nil {
		return fmt.Errorf("%w: no interception runtime", ErrEnvironmentUnsupported)
	}
	caps := c.opts.Runtime.Capabilities()
	if !caps.Interception {
		return fmt.Errorf("%w: request interception unavailable", ErrEnvironmentUnsupported)
	}
	if !caps.Messaging {
		return fmt.Errorf("%w: cross-context messaging unavailable", ErrEnvironmentUnsupported)
	}
	return nil
}

// SetMode switches the delivery mode. Entering Intercepted probes the
// environment first and then performs the handshake; a failed probe leaves
// the controller in Direct, a failed handshake falls back to Direct.
func (c *Controller) SetMode(ctx context.Context, target Mode) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	current := c.Current()
	fields := logrus.Fields{"action": "mode_switch", "from": current, "to": target}
	if target == current {
		return nil
	}

	switch target {
	case Direct:
		c.leaveIntercepted(ctx)
		c.transition(ctx, Direct)
		c.logger.WithFields(fields).Info("delivery mode switched")
		return nil
	case Intercepted:
		if err := c.Probe(); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("intercepted mode refused")
			return err
		}
	default:
		return fmt.Errorf("unknown delivery mode %q", target)
	}

	session := protocol.NewSession(protocol.SessionOptions{
		Controller:       c.opts.Runtime,
		Handler:          c.opts.Handler,
		Logger:           c.logger,
		Keepalive:        c.opts.Keepalive,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		UseCache:         c.opts.Cache.Enabled,
	})
	// Requests issued while the handshake runs see Intercepted and wait on
	// the session in Pin.
	c.mu.Lock()
	c.mode = Intercepted
	c.session = session
	c.mu.Unlock()

	if err := session.Establish(ctx); err != nil {
		c.leaveIntercepted(ctx)
		c.transition(ctx, Direct)
		err = fmt.Errorf("%w: %v", ErrTransport, err)
		c.logger.WithFields(fields).WithError(err).Warn("handshake failed, fell back to direct mode")
		return err
	}

	c.transition(ctx, Intercepted)
	c.logger.WithFields(fields).WithField("session", session.ID()).Info("delivery mode switched")
	return nil
}

// Restore re-enters the persisted mode, using fallback when nothing was
// stored. Failures leave the controller in Direct and are returned for
// reporting.
func (c *Controller) Restore(ctx context.Context, fallback Mode) (Mode, error) {
	target := fallback
	if c.opts.Prefs != nil {
		if raw, ok := c.opts.Prefs.Get(prefs.KeyContentMode); ok {
			if parsed, ok := Parse(raw); ok {
				target = parsed
			}
		}
	}
	if err := c.SetMode(ctx, target); err != nil {
		return c.Current(), err
	}
	return c.Current(), nil
}

// Pin reads the mode for one request. In Intercepted mode it waits for the
// handshake up to HandshakeTimeout and falls back to Direct for this request
// when it does not complete.
func (c *Controller) Pin(ctx context.Context) Pinned {
	c.mu.RLock()
	m, session := c.mode, c.session
	c.mu.RUnlock()
	if m != Intercepted || session == nil || session.Ready() {
		return Pinned{Mode: m}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := session.AwaitReady(waitCtx); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action":  "mode_pin",
			"session": session.ID(),
		}).WithError(err).Warn("handshake pending, request falls back to direct mode")
		return Pinned{Mode: Direct, Fallback: true}
	}
	return Pinned{Mode: Intercepted}
}

// CacheEnabled reports the cache toggle.
func (c *Controller) CacheEnabled() bool {
	return c.opts.Cache.Enabled()
}

// SetCacheEnabled toggles caching. The memory cache is always replaced, the
// flag is persisted and the worker store is purged when caching is turned
// off. An active session resends init so the worker sees the new flag.
func (c *Controller) SetCacheEnabled(ctx context.Context, enabled bool) error {
	c.opts.Cache.SetEnabled(enabled)
	if err := prefs.SetBool(c.opts.Prefs, prefs.KeyUseCache, enabled); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "cache_toggle"}).WithError(err).Warn("persist cache flag failed")
	}
	if !enabled {
		c.flushWorkerStore(ctx)
	}

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session != nil && session.Ready() {
		session.KeepAlive()
	}
	c.logger.WithFields(logrus.Fields{"action": "cache_toggle", "enabled": enabled}).Info("asset cache toggled")
	return nil
}

// CacheStatus describes the cache behind the active mode: the worker store
// in Intercepted mode, the memory cache otherwise.
func (c *Controller) CacheStatus(ctx context.Context) (protocol.CacheStatus, error) {
	memory := protocol.CacheStatus{Type: "memory", Description: "Memory", Count: c.opts.Cache.Len()}
	if !c.opts.Cache.Enabled() {
		memory.Description = "None"
		return memory, nil
	}
	if c.Current() != Intercepted || c.opts.Runtime == nil {
		return memory, nil
	}

	replyEnd, transfer := protocol.NewChannel()
	defer replyEnd.Close()
	askCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.opts.Runtime.PostMessage(askCtx, protocol.CheckCache(transfer)); err != nil {
		return memory, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	reply, err := replyEnd.Receive(askCtx)
	if err != nil {
		return memory, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if reply.Action != protocol.ActionCacheStatus || reply.Cache == nil {
		return memory, fmt.Errorf("%w: unexpected reply %q", ErrTransport, reply.Action)
	}
	return *reply.Cache, nil
}

// Close tears down the session without switching modes.
func (c *Controller) Close() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

// leaveIntercepted sends a best-effort disable and discards the session.
func (c *Controller) leaveIntercepted(ctx context.Context) {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return
	}
	session.Close()
	if c.opts.Runtime != nil {
		if err := c.opts.Runtime.PostMessage(ctx, protocol.Disable()); err != nil {
			c.logger.WithFields(logrus.Fields{"action": "mode_switch"}).WithError(err).Debug("disable not delivered")
		}
	}
}

// transition commits target and runs the per-transition housekeeping.
func (c *Controller) transition(ctx context.Context, target Mode) {
	c.mu.Lock()
	c.mode = target
	c.mu.Unlock()

	c.opts.Cache.Clear()
	c.flushWorkerStore(ctx)
	if c.opts.Prefs != nil {
		if err := c.opts.Prefs.Set(prefs.KeyContentMode, string(target), 0); err != nil {
			c.logger.WithFields(logrus.Fields{"action": "mode_switch"}).WithError(err).Warn("persist mode failed")
		}
	}
}

func (c *Controller) flushWorkerStore(ctx context.Context) {
	if c.opts.Runtime == nil {
		return
	}
	if err := c.opts.Runtime.PostMessage(ctx, protocol.ClearCache()); err != nil {
		c.logger.WithFields(logrus.Fields{"action": "cache_flush"}).WithError(err).Debug("worker store not flushed")
	}
}
