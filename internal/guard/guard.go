// Package guard tracks the most recent user-initiated asynchronous action.
// Every continuation of a search or article load checks its token before it
// mutates shared or displayed state, so only the latest action has effects.
package guard

import (
	"context"
	"sync"
)

// Kind 区分用户动作类型。
type Kind string

const (
	KindSearch Kind = "Search"
	KindRead   Kind = "Read"
)

// Token identifies one issued action. Two tokens are equivalent when kind and
// identifier match; seq only distinguishes re-issues for cancellation.
type Token struct {
	Kind       Kind
	Identifier string
	seq        uint64
}

// Same reports whether both tokens name the same action.
func (t Token) Same(other Token) bool {
	return t.Kind == other.Kind && t.Identifier == other.Identifier
}

// Guard 持有唯一的当前 token。AbortSuperseded 为 true 时，新 token 会取消
// 上一个动作的 context，使其读取尽早返回；无论是否取消，过期结果都会被丢弃。
type Guard struct {
	mu      sync.Mutex
	current Token
	issued  bool
	seq     uint64
	cancels []context.CancelFunc
	abort   bool
}

// New creates a guard. abortSuperseded enables context cancellation of
// superseded actions in addition to effect suppression.
func New(abortSuperseded bool) *Guard {
	return &Guard{abort: abortSuperseded}
}

// Issue makes (kind, identifier) the current action and returns the token
// together with a context scoped to it.
func (g *Guard) Issue(parent context.Context, kind Kind, identifier string) (Token, context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent

	g.mu.Lock()
	g.seq++
	tok := Token{Kind: kind, Identifier: identifier, seq: g.seq}
	var stale []context.CancelFunc
	// 重复请求同一动作时保留前一次的读取，由结果比较决定是否生效。
	if g.abort && g.issued && !g.current.Same(tok) {
		stale = g.cancels
		g.cancels = nil
	}
	g.current = tok
	g.issued = true
	if g.abort {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(parent)
		g.cancels = append(g.cancels, cancel)
	}
	g.mu.Unlock()

	for _, fn := range stale {
		fn()
	}
	return tok, ctx
}

// IsCurrent reports whether tok still names the current action.
func (g *Guard) IsCurrent(tok Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued && g.current.Same(tok)
}

// Current returns the current token, if any.
func (g *Guard) Current() (Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.issued
}
