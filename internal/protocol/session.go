package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/zimview/internal/logging"
)

// SessionOptions 描述页面侧会话所需的依赖。
type SessionOptions struct {
	Controller Controller
	// Handler answers askForContent messages; it must reply on the
	// transferred port.
	Handler Handler
	Logger  *logrus.Logger
	// Keepalive is the interval between init resends; 0 disables the timer.
	Keepalive        time.Duration
	HandshakeTimeout time.Duration
	// UseCache is read on every init so keepalives carry the current flag.
	UseCache func() bool
}

// Session is the page side of intercepted mode. It owns the page end of the
// current channel, performs the init/ready handshake and resends init on a
// keepalive timer.
type Session struct {
	id   string
	opts SessionOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	port   *Port
	prev   *Port
	timer  *time.Timer
	closed bool

	ready      chan struct{}
	readyOnce  sync.Once
	keepalives atomic.Int64
}

// NewSession prepares a session; Establish performs the handshake.
func NewSession(opts SessionOptions) *Session {
	opts.Logger = logging.OrDiscard(opts.Logger)
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.UseCache == nil {
		opts.UseCache = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     uuid.NewString(),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Establish sends the first init and waits for the worker to acknowledge it.
// The keepalive timer is started once the handshake succeeded.
func (s *Session) Establish(ctx context.Context) error {
	if s.opts.Controller == nil {
		return fmt.Errorf("%w: no controller", ErrHandshake)
	}
	if err := s.sendInit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	if err := s.AwaitReady(waitCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"action":  "session_ready",
		"session": s.id,
	}).Info("worker handshake completed")
	s.schedule()
	return nil
}

// AwaitReady blocks until the handshake completed or ctx ends.
func (s *Session) AwaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.ctx.Done():
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the handshake completed.
func (s *Session) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Keepalives returns how many keepalive inits were sent.
func (s *Session) Keepalives() int64 {
	return s.keepalives.Load()
}

// KeepAlive resends init on a fresh channel and reschedules the timer,
// superseding any pending firing.
func (s *Session) KeepAlive() {
	if err := s.sendInit(s.ctx); err != nil {
		s.opts.Logger.WithFields(logrus.Fields{
			"action":  "session_keepalive",
			"session": s.id,
		}).WithError(err).Warn("keepalive init failed")
	} else {
		s.keepalives.Add(1)
	}
	s.schedule()
}

// Close stops the keepalive and closes the channels. Pending handlers see
// their context cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	port, prev := s.port, s.prev
	s.port, s.prev = nil, nil
	s.mu.Unlock()

	s.cancel()
	if port != nil {
		port.Close()
	}
	if prev != nil {
		prev.Close()
	}
}

func (s *Session) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.opts.Keepalive <= 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.Keepalive, s.KeepAlive)
}

// sendInit swaps in a new channel and transfers its worker end. The channel
// before the previous one is closed; the previous one stays open so answers
// to requests already in flight still arrive.
func (s *Session) sendInit(ctx context.Context) error {
	page, worker := NewChannel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrPortClosed
	}
	retired := s.prev
	s.prev = s.port
	s.port = page
	s.mu.Unlock()

	if retired != nil {
		retired.Close()
	}
	go s.listen(page)
	return s.opts.Controller.PostMessage(ctx, Init(s.opts.UseCache(), worker))
}

func (s *Session) listen(port *Port) {
	for {
		msg, err := port.Receive(s.ctx)
		if err != nil {
			return
		}
		switch msg.Action {
		case ActionReady:
			s.readyOnce.Do(func() { close(s.ready) })
		case ActionAskForContent:
			if s.opts.Handler != nil {
				go s.opts.Handler(s.ctx, msg)
			}
		default:
			s.opts.Logger.WithFields(logrus.Fields{
				"action":  "session_message",
				"session": s.id,
				"kind":    msg.Action,
			}).Warn("invalid message received")
		}
	}
}
