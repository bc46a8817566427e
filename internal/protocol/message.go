// Package protocol defines the messages exchanged between the page and the
// interception worker in intercepted mode, the in-process message ports that
// carry them and the page-side session that performs the handshake and the
// keepalive.
package protocol

import (
	"context"
	"errors"
)

// Action 标识消息类型，取值与 worker 侧约定一致。
type Action string

const (
	ActionInit          Action = "init"
	ActionReady         Action = "ready"
	ActionDisable       Action = "disable"
	ActionAskForContent Action = "askForContent"
	ActionSendRedirect  Action = "sendRedirect"
	ActionGiveContent   Action = "giveContent"
	ActionCheckCache    Action = "checkCache"
	ActionCacheStatus   Action = "cacheStatus"
	ActionClearCache    Action = "clearCache"
)

const (
	useCacheOn  = "on"
	useCacheOff = "off"
)

var (
	// ErrPortClosed 表示通道任一端已关闭。
	ErrPortClosed = errors.New("message port closed")
	// ErrHandshake 表示 worker 未在超时内确认 init。
	ErrHandshake = errors.New("worker handshake failed")
	// ErrNoReplyPort 表示请求消息没有携带应答端口。
	ErrNoReplyPort = errors.New("message carries no reply port")
)

// CacheStatus describes the store behind a cache, as reported to the UI.
type CacheStatus struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// Message is one protocol message. Ports are transferred alongside the
// payload and never serialized.
type Message struct {
	Action      Action       `json:"action"`
	Archive     string       `json:"archive,omitempty"`
	Title       string       `json:"title,omitempty"`
	RedirectURL string       `json:"redirectUrl,omitempty"`
	Content     []byte       `json:"content,omitempty"`
	MimeType    string       `json:"mimetype,omitempty"`
	UseCache    string       `json:"useCache,omitempty"`
	Cache       *CacheStatus `json:"cache,omitempty"`
	Ports       []*Port      `json:"-"`
}

// CacheEnabled reports the useCache flag carried by an init message.
func (m Message) CacheEnabled() bool {
	return m.UseCache != useCacheOff
}

// ReplyPort returns the first transferred port, if any.
func (m Message) ReplyPort() (*Port, bool) {
	if len(m.Ports) == 0 || m.Ports[0] == nil {
		return nil, false
	}
	return m.Ports[0], true
}

// IsNotFound reports a giveContent answer without content.
func (m Message) IsNotFound() bool {
	return m.Action == ActionGiveContent && len(m.Content) == 0
}

// Init transfers the worker end of a fresh channel.
func Init(useCache bool, workerEnd *Port) Message {
	flag := useCacheOff
	if useCache {
		flag = useCacheOn
	}
	return Message{Action: ActionInit, UseCache: flag, Ports: []*Port{workerEnd}}
}

func Ready() Message { return Message{Action: ActionReady} }

func Disable() Message { return Message{Action: ActionDisable} }

func ClearCache() Message { return Message{Action: ActionClearCache} }

// AskForContent asks the page for title of the named archive; the answer is
// posted on reply.
func AskForContent(archiveName, title string, reply *Port) Message {
	return Message{Action: ActionAskForContent, Archive: archiveName, Title: title, Ports: []*Port{reply}}
}

func SendRedirect(title, redirectURL string) Message {
	return Message{Action: ActionSendRedirect, Title: title, RedirectURL: redirectURL}
}

func GiveContent(title string, content []byte, mimetype string) Message {
	return Message{Action: ActionGiveContent, Title: title, Content: content, MimeType: mimetype}
}

// NotFound is the empty giveContent answer.
func NotFound(title string) Message {
	return Message{Action: ActionGiveContent, Title: title}
}

// CheckCache asks the worker for its store status, answered on reply.
func CheckCache(reply *Port) Message {
	return Message{Action: ActionCheckCache, Ports: []*Port{reply}}
}

func CacheStatusReply(status CacheStatus) Message {
	return Message{Action: ActionCacheStatus, Cache: &status}
}

// Respond posts reply on the port transferred with request and closes it;
// reply ports are single-use.
func Respond(ctx context.Context, request, reply Message) error {
	port, ok := request.ReplyPort()
	if !ok {
		return ErrNoReplyPort
	}
	defer port.Close()
	return port.Post(ctx, reply)
}

// Controller is the receiving side of control messages, i.e. the worker
// runtime as seen from the page.
type Controller interface {
	PostMessage(ctx context.Context, msg Message) error
}

// Handler processes worker-initiated messages on the page side.
type Handler func(ctx context.Context, msg Message)
