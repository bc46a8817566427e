package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeWorker acknowledges init on the transferred port and remembers it.
type fakeWorker struct {
	mu      sync.Mutex
	port    *Port
	inits   int
	silent  bool
	flags   []string
	control []Action
}

func (w *fakeWorker) PostMessage(ctx context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.control = append(w.control, msg.Action)
	if msg.Action != ActionInit {
		return nil
	}
	port, ok := msg.ReplyPort()
	if !ok {
		return ErrNoReplyPort
	}
	w.inits++
	w.port = port
	w.flags = append(w.flags, msg.UseCache)
	if w.silent {
		return nil
	}
	return port.Post(ctx, Ready())
}

func (w *fakeWorker) outgoing() *Port {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.port
}

func (w *fakeWorker) initCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inits
}

func TestPortDeliversToPeer(t *testing.T) {
	a, b := NewChannel()
	ctx := context.Background()
	if err := a.Post(ctx, Ready()); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	msg, err := b.Receive(ctx)
	if err != nil || msg.Action != ActionReady {
		t.Fatalf("unexpected receive: %+v %v", msg, err)
	}

	if err := b.Post(ctx, Disable()); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	a.Close()
	msg, err = a.Receive(ctx)
	if err != nil || msg.Action != ActionDisable {
		t.Fatalf("buffered message must survive close: %+v %v", msg, err)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
	if err := b.Post(ctx, Ready()); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("post on closed channel must fail, got %v", err)
	}
}

func TestRespondUsesSingleUsePort(t *testing.T) {
	workerEnd, pageEnd := NewChannel()
	ask := AskForContent("wiki.zim", "A/Cat", pageEnd)
	if err := Respond(context.Background(), ask, GiveContent("A/Cat", []byte("<p>cat</p>"), "text/html")); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	reply, err := workerEnd.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if reply.Action != ActionGiveContent || string(reply.Content) != "<p>cat</p>" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if !workerEnd.Closed() {
		t.Fatalf("reply port must be closed after one answer")
	}
	if err := Respond(context.Background(), Message{Action: ActionAskForContent}, NotFound("x")); !errors.Is(err, ErrNoReplyPort) {
		t.Fatalf("expected ErrNoReplyPort, got %v", err)
	}
}

func TestMessageHelpers(t *testing.T) {
	if !NotFound("A/Missing").IsNotFound() {
		t.Fatalf("empty giveContent is a not-found answer")
	}
	if GiveContent("A/Cat", []byte("x"), "text/html").IsNotFound() {
		t.Fatalf("giveContent with content is not a not-found answer")
	}
	if Init(false, nil).CacheEnabled() {
		t.Fatalf("init with useCache off must report disabled")
	}

	_, port := NewChannel()
	raw, err := json.Marshal(AskForContent("wiki.zim", "A/Cat", port))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(raw), `"action":"askForContent"`) || !strings.Contains(string(raw), `"archive":"wiki.zim"`) || strings.Contains(string(raw), "Ports") {
		t.Fatalf("unexpected wire form %s", raw)
	}
}

func TestSessionHandshake(t *testing.T) {
	worker := &fakeWorker{}
	s := NewSession(SessionOptions{Controller: worker, HandshakeTimeout: time.Second, UseCache: func() bool { return false }})
	defer s.Close()

	if err := s.Establish(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("session should be ready")
	}
	if worker.flags[0] != "off" {
		t.Fatalf("init should carry useCache=off, got %q", worker.flags[0])
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	worker := &fakeWorker{silent: true}
	s := NewSession(SessionOptions{Controller: worker, HandshakeTimeout: 30 * time.Millisecond})
	defer s.Close()

	if err := s.Establish(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if s.Ready() {
		t.Fatalf("session must not be ready without acknowledgement")
	}
}

func TestSessionRoutesAskForContent(t *testing.T) {
	worker := &fakeWorker{}
	s := NewSession(SessionOptions{
		Controller:       worker,
		HandshakeTimeout: time.Second,
		Handler: func(ctx context.Context, msg Message) {
			_ = Respond(ctx, msg, SendRedirect(msg.Title, "A/Feline"))
		},
	})
	defer s.Close()
	if err := s.Establish(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	replyEnd, transfer := NewChannel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := worker.outgoing().Post(ctx, AskForContent("wiki.zim", "A/Cat", transfer)); err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	reply, err := replyEnd.Receive(ctx)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	if reply.Action != ActionSendRedirect || reply.RedirectURL != "A/Feline" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestSessionKeepaliveResendsInit(t *testing.T) {
	worker := &fakeWorker{}
	s := NewSession(SessionOptions{Controller: worker, HandshakeTimeout: time.Second, Keepalive: 10 * time.Millisecond})
	if err := s.Establish(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for worker.initCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if worker.initCount() < 3 {
		t.Fatalf("expected keepalive inits, got %d", worker.initCount())
	}

	s.Close()
	after := worker.initCount()
	time.Sleep(40 * time.Millisecond)
	if worker.initCount() > after+1 {
		t.Fatalf("keepalive must stop after close, got %d inits", worker.initCount())
	}
}

func TestSessionKeepaliveDisabled(t *testing.T) {
	worker := &fakeWorker{}
	s := NewSession(SessionOptions{Controller: worker, HandshakeTimeout: time.Second})
	defer s.Close()
	if err := s.Establish(context.Background()); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if worker.initCount() != 1 || s.Keepalives() != 0 {
		t.Fatalf("keepalive interval 0 must not resend init")
	}
}
