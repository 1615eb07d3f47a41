package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

// RunFunc executes a command on behalf of the sender in cc.
type RunFunc func(ctx context.Context, cc *Context, args []string) error

type Option func(*cobra.Command)

// WithArgs sets the positional argument validator.
func WithArgs(args cobra.PositionalArgs) Option {
	return func(c *cobra.Command) {
		c.Args = args
	}
}

// WithPermission requires the sender to hold perm.
func WithPermission(perm string) Option {
	return func(c *cobra.Command) {
		if c.Annotations == nil {
			c.Annotations = map[string]string{}
		}
		c.Annotations[permAnnotation] = perm
	}
}

func WithLong(long string) Option {
	return func(c *cobra.Command) {
		c.Long = long
	}
}

const permAnnotation = "chatster.permission"

// Builder creates command nodes which are executed by a Dispatcher.
type Builder struct {
	log *slog.Logger
}

func NewBuilder(log *slog.Logger) Builder {
	if log == nil {
		log = slog.Default()
	}
	return Builder{log: log}
}

// Literal returns a command node named by the first word of use. A nil run
// makes a pure grouping node.
func (b Builder) Literal(use, short string, run RunFunc, opts ...Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,

		DisableFlagsInUseLine: true,
	}
	for _, opt := range opts {
		opt(cmd)
	}
	if run == nil {
		return cmd
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		ctx := c.Context()
		cc, ok := FromContext(ctx)
		if !ok {
			return ErrNoContext
		}
		if perm := c.Annotations[permAnnotation]; perm != "" && !cc.HasPermission(perm) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
		b.log.DebugContext(ctx, "executing command", "command", c.CommandPath(), "args", args)
		return run(ctx, cc, args)
	}
	return cmd
}

// Word accepts exactly one argument.
func Word() cobra.PositionalArgs {
	return cobra.ExactArgs(1)
}

// Greedy accepts one or more arguments, the rest of the line.
func Greedy() cobra.PositionalArgs {
	return cobra.MinimumNArgs(1)
}

// Integer accepts exactly one argument which must parse as an integer.
func Integer() cobra.PositionalArgs {
	return cobra.MatchAll(cobra.ExactArgs(1), func(_ *cobra.Command, args []string) error {
		if _, err := strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrInvalidArgument, args[0])
		}
		return nil
	})
}
