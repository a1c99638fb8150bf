package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is used when NewCaller is given a non-positive timeout
const DefaultTimeout = 10 * time.Second

type listener struct {
	variant string
	ch      chan Message
	gone    chan struct{}
}

// Caller is the foreground side of the protocol. It correlates replies with
// requests by id and variant.
type Caller struct {
	conn    Conn
	timeout time.Duration

	mu        sync.Mutex
	listeners map[string]*listener

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewCaller starts reading replies from conn. timeout bounds a call, and
// the gap between two items of a stream.
func NewCaller(conn Conn, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Caller{
		conn:      conn,
		timeout:   timeout,
		listeners: make(map[string]*listener),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Caller) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		msg, err := c.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ErrClosed
			}
			c.err = err
			return
		}

		c.mu.Lock()
		l, ok := c.listeners[msg.ID]
		c.mu.Unlock()
		if !ok || l.variant != msg.Variant {
			log.Debug().Str("rpcId", msg.ID).Str("variant", msg.Variant).Msg("dropping uncorrelated rpc reply")
			continue
		}

		select {
		case l.ch <- msg:
		case <-l.gone:
		}
	}
}

func (c *Caller) register(variant string) (string, *listener) {
	id := uuid.New().String()
	l := &listener{
		variant: variant,
		ch:      make(chan Message, 16),
		gone:    make(chan struct{}),
	}
	c.mu.Lock()
	c.listeners[id] = l
	c.mu.Unlock()
	return id, l
}

func (c *Caller) deregister(id string) {
	c.mu.Lock()
	if l, ok := c.listeners[id]; ok {
		delete(c.listeners, id)
		close(l.gone)
	}
	c.mu.Unlock()
}

// Pending returns the number of registered listeners
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Caller) send(ctx context.Context, id, variant string, payload any) error {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.conn.Send(ctx, Message{ID: id, Variant: variant, Payload: raw})
}

func (c *Caller) closedErr() error {
	if c.err != nil && !errors.Is(c.err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Call sends payload to variant and decodes the reply payload into out
// (which may be nil). A handler failure is returned as *RemoteError; no
// reply in time yields ErrTimeout.
func (c *Caller) Call(ctx context.Context, variant string, payload, out any) error {
	id, l := c.register(variant)
	defer c.deregister(id)

	if err := c.send(ctx, id, variant, payload); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg := <-l.ch:
		if msg.Error != "" {
			return &RemoteError{Variant: variant, Message: msg.Error}
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(msg.Payload, out)
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// Stream sends payload to a stream variant, passing every item to onItem
// until the terminal payload arrives. The timeout restarts with each item.
func (c *Caller) Stream(ctx context.Context, variant string, payload any, onItem func(json.RawMessage) error) (bool, error) {
	id, l := c.register(variant)
	defer c.deregister(id)

	if err := c.send(ctx, id, variant, payload); err != nil {
		return false, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-l.ch:
			if msg.Error != "" {
				return false, &RemoteError{Variant: variant, Message: msg.Error}
			}
			if len(msg.Item) > 0 {
				timer.Reset(c.timeout)
				if onItem != nil {
					if err := onItem(msg.Item); err != nil {
						return false, err
					}
				}
				continue
			}
			var done Done
			if err := json.Unmarshal(msg.Payload, &done); err != nil {
				return false, fmt.Errorf("decode stream result: %w", err)
			}
			return done.Done, nil
		case <-timer.C:
			return false, ErrTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.done:
			return false, c.closedErr()
		}
	}
}

// Close stops the reader and closes the connection
func (c *Caller) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}
