// Package profile defines the channel transport a bot instance talks through
// and the built-in stdin/stdout implementation.
package profile

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/chatster/internal/model"
)

// Profile is one channel connection. Listen blocks and delivers inbound
// messages to handle until the connection ends or ctx is done. A nil error
// from Listen is a normal shutdown.
type Profile interface {
	ID() string
	Setup(ctx context.Context, dir string) error
	Listen(ctx context.Context, handle func(model.Message)) error
	Send(ctx context.Context, in model.Message, text string) error
	SendFile(ctx context.Context, in model.Message, path string) error
	Typing(ctx context.Context, in model.Message, started bool) error
	Acknowledge(ctx context.Context, in model.Message) error
	HasPermission(perm string) bool
}

// Handler is one element of the inbound message chain. Returning false stops
// the chain.
type Handler interface {
	OnInbound(ctx context.Context, msg model.Message, p Profile) (model.Message, bool, error)
}

type HandlerFunc func(ctx context.Context, msg model.Message, p Profile) (model.Message, bool, error)

func (f HandlerFunc) OnInbound(ctx context.Context, msg model.Message, p Profile) (model.Message, bool, error) {
	return f(ctx, msg, p)
}

// Chain runs handlers in order. Each handler sees the message as returned by
// the previous one.
type Chain []Handler

// Apply stops at the first handler that declines the message or fails.
func (c Chain) Apply(ctx context.Context, msg model.Message, p Profile) error {
	for i, h := range c {
		var (
			next bool
			err  error
		)
		msg, next, err = h.OnInbound(ctx, msg, p)
		if err != nil {
			return fmt.Errorf("handler %d (%T): %w", i, h, err)
		}
		if !next {
			return nil
		}
	}
	return nil
}
