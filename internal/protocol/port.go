package protocol

import (
	"context"
	"sync"
)

const portBuffer = 16

// Port is one end of an in-process message channel. Messages posted on a
// port are received on its peer. Closing either end closes the channel.
type Port struct {
	inbox chan Message
	peer  *Port
	shut  *channelState
}

type channelState struct {
	once sync.Once
	done chan struct{}
}

// NewChannel returns both ends of a new channel.
func NewChannel() (*Port, *Port) {
	state := &channelState{done: make(chan struct{})}
	a := &Port{inbox: make(chan Message, portBuffer), shut: state}
	b := &Port{inbox: make(chan Message, portBuffer), shut: state}
	a.peer, b.peer = b, a
	return a, b
}

// Post delivers msg to the peer end.
func (p *Port) Post(ctx context.Context, msg Message) error {
	select {
	case <-p.shut.done:
		return ErrPortClosed
	default:
	}
	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.shut.done:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next message. Messages already buffered are still
// delivered after the channel was closed.
func (p *Port) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.shut.done:
		select {
		case msg := <-p.inbox:
			return msg, nil
		default:
			return Message{}, ErrPortClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes the channel for both ends. It is safe to call repeatedly.
func (p *Port) Close() {
	p.shut.once.Do(func() { close(p.shut.done) })
}

// Closed reports whether the channel was closed.
func (p *Port) Closed() bool {
	select {
	case <-p.shut.done:
		return true
	default:
		return false
	}
}
