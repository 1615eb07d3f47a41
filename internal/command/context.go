package command

import (
	"context"

	"github.com/CZERTAINLY/chatster/internal/model"
)

// Sink is the part of a profile commands talk back through.
type Sink interface {
	Send(ctx context.Context, in model.Message, text string) error
	SendFile(ctx context.Context, in model.Message, path string) error
	Typing(ctx context.Context, in model.Message, started bool) error
	HasPermission(perm string) bool
}

// Context binds an inbound message to the profile it arrived on. Replies
// always target that message.
type Context struct {
	msg  model.Message
	sink Sink
}

func NewContext(msg model.Message, sink Sink) *Context {
	return &Context{msg: msg, sink: sink}
}

func (c *Context) Message() model.Message {
	return c.msg
}

func (c *Context) Reply(ctx context.Context, text string) error {
	return c.sink.Send(ctx, c.msg, text)
}

func (c *Context) SendFile(ctx context.Context, path string) error {
	return c.sink.SendFile(ctx, c.msg, path)
}

// ReplyWithFile sends text followed by the file at path.
func (c *Context) ReplyWithFile(ctx context.Context, text, path string) error {
	if err := c.Reply(ctx, text); err != nil {
		return err
	}
	return c.SendFile(ctx, path)
}

func (c *Context) Typing(ctx context.Context, started bool) error {
	return c.sink.Typing(ctx, c.msg, started)
}

func (c *Context) HasPermission(perm string) bool {
	return c.sink.HasPermission(perm)
}

type ctxKey struct{}

func WithContext(ctx context.Context, cc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, cc)
}

func FromContext(ctx context.Context) (*Context, bool) {
	cc, ok := ctx.Value(ctxKey{}).(*Context)
	return cc, ok
}
