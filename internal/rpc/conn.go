package rpc

import (
	"context"
	"sync"
)

// Conn is a duplex message channel between foreground and worker
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

const pipeBuffer = 64

type pipeConn struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	peer   *pipeConn
	once   sync.Once
}

// Pipe returns two connected in-process endpoints. Closing either end makes
// both ends report ErrClosed.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)

	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	}
}

func (p *pipeConn) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.closed:
		return Message{}, ErrClosed
	case <-p.peer.closed:
		// deliver whatever the peer sent before closing
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return Message{}, ErrClosed
		}
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
