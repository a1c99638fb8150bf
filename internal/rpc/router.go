package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/erauner12/ridesync/internal/metrics"
	"github.com/rs/zerolog/log"
)

// CallFunc answers a call with a JSON-serializable result
type CallFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Emit sends one stream item to the caller
type Emit func(item any) error

// StreamFunc emits items and returns the overall success of the stream
type StreamFunc func(ctx context.Context, payload json.RawMessage, emit Emit) (bool, error)

type handler struct {
	variant string
	call    CallFunc
	stream  StreamFunc
}

// Router dispatches inbound messages to handlers in registration order
type Router struct {
	mu       sync.RWMutex
	handlers []handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{}
}

// Call registers a call handler for variant
func (r *Router) Call(variant string, fn CallFunc) error {
	if variant == "" {
		return fmt.Errorf("variant cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.add(handler{variant: variant, call: fn})
	return nil
}

// Stream registers a stream handler for variant
func (r *Router) Stream(variant string, fn StreamFunc) error {
	if variant == "" {
		return fmt.Errorf("variant cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.add(handler{variant: variant, stream: fn})
	return nil
}

// MustCall registers a call handler or panics (for init-time registration)
func (r *Router) MustCall(variant string, fn CallFunc) {
	if err := r.Call(variant, fn); err != nil {
		panic(err)
	}
}

// MustStream registers a stream handler or panics (for init-time registration)
func (r *Router) MustStream(variant string, fn StreamFunc) {
	if err := r.Stream(variant, fn); err != nil {
		panic(err)
	}
}

func (r *Router) add(h handler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// Variants lists registered variants in registration order
func (r *Router) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		if !seen[h.variant] {
			seen[h.variant] = true
			out = append(out, h.variant)
		}
	}
	return out
}

// Dispatch runs msg through the handlers and sends the reply (or replies,
// for streams) through send. Handler failures become error replies; the
// returned error only reports a failure of send itself.
func (r *Router) Dispatch(ctx context.Context, msg Message, send func(Message) error) error {
	logger := log.Ctx(ctx).With().Str("rpcId", msg.ID).Str("variant", msg.Variant).Logger()

	r.mu.RLock()
	handlers := make([]handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	reply := Message{ID: msg.ID, Variant: msg.Variant}

	for _, h := range handlers {
		if h.variant != msg.Variant {
			continue
		}

		var (
			payload any
			err     error
		)
		if h.call != nil {
			payload, err = runCall(ctx, h.call, msg.Payload)
		} else {
			emit := func(item any) error {
				raw, err := json.Marshal(item)
				if err != nil {
					return err
				}
				return send(Message{ID: msg.ID, Variant: msg.Variant, Item: raw})
			}
			var ok bool
			ok, err = runStream(ctx, h.stream, msg.Payload, emit)
			payload = Done{Done: ok}
		}

		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Msg("rpc handler failed")
			metrics.RecordRPC(msg.Variant, "error")
			reply.Error = err.Error()
			return send(reply)
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode rpc result")
			metrics.RecordRPC(msg.Variant, "error")
			reply.Error = "failed to encode result: " + err.Error()
			return send(reply)
		}

		metrics.RecordRPC(msg.Variant, "ok")
		reply.Payload = raw
		return send(reply)
	}

	logger.Warn().Msg("unhandled rpc variant")
	metrics.RecordRPC(msg.Variant, "unhandled")
	reply.Error = UnhandledMessage
	return send(reply)
}

func runCall(ctx context.Context, fn CallFunc, payload json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return fn(ctx, payload)
}

func runStream(ctx context.Context, fn StreamFunc, payload json.RawMessage, emit Emit) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return fn(ctx, payload, emit)
}

// Serve reads messages from conn and dispatches each one in its own
// goroutine until conn is closed or ctx is done.
func (r *Router) Serve(ctx context.Context, conn Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !msg.IsCall() {
			log.Debug().Str("rpcId", msg.ID).Str("variant", msg.Variant).Msg("ignoring malformed rpc message")
			continue
		}

		wg.Add(1)
		go func(msg Message) {
			defer wg.Done()
			err := r.Dispatch(ctx, msg, func(m Message) error {
				return conn.Send(ctx, m)
			})
			if err != nil && !errors.Is(err, ErrClosed) {
				log.Warn().Err(err).Str("rpcId", msg.ID).Msg("failed to send rpc reply")
			}
		}(msg)
	}
}
