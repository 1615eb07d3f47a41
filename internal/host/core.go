package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CZERTAINLY/chatster/internal/command"
	"github.com/CZERTAINLY/chatster/internal/container"
	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/plugin"
	"github.com/CZERTAINLY/chatster/internal/profile"
)

const (
	CoreID   = "chatster"
	CoreName = "Chatster core plugin"
)

// CoreSettings is stored in <dirs.config>/chatster.json.
type CoreSettings struct {
	Prefix string `json:"prefix"`
}

// Core is the plugin which is always loaded first. It provides help and man
// and the handler routing prefixed text to the command dispatcher.
type Core struct {
	dispatcher *command.Dispatcher
	settings   CoreSettings
}

func NewCore() *Core {
	return &Core{settings: CoreSettings{Prefix: "!"}}
}

func (c *Core) Record() plugin.Record {
	return plugin.Record{ID: CoreID, Name: CoreName, Plugin: c}
}

func (c *Core) DeclareProviders(r *container.Registry) error {
	return container.Provide(r,
		func() (*CommandHandler, error) {
			return &CommandHandler{core: c}, nil
		},
		container.WithPriority(container.Lowest),
		container.As[profile.Handler](),
	)
}

func (c *Core) Wire(in container.Injector) error {
	return in.Inject("core", container.Bind("dispatcher", &c.dispatcher))
}

// Initialize loads the stored settings and writes the defaults on the first
// start.
func (c *Core) Initialize(ctx context.Context, pc plugin.Context) error {
	found, err := pc.Config.Load(&c.settings)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if !found {
		if err := pc.Config.Save(c.settings); err != nil {
			return fmt.Errorf("saving default settings: %w", err)
		}
		pc.Logger.InfoContext(ctx, "default settings written", "path", pc.Config.Path())
	}
	if c.settings.Prefix == "" {
		return fmt.Errorf("%w: empty command prefix", model.ErrPluginConfig)
	}
	return nil
}

func (c *Core) RegisterCommands(b command.Builder, r command.Registrar) error {
	help := b.Literal("help", "List available commands", c.help)
	man := b.Literal("man <command>", "Show usage of a command", c.man,
		command.WithArgs(command.Greedy()),
	)
	return errors.Join(r.Register(help), r.Register(man))
}

func (c *Core) help(ctx context.Context, cc *command.Context, _ []string) error {
	usage, err := c.dispatcher.Usage()
	if err != nil {
		return err
	}
	return cc.Reply(ctx, "Available commands:\n\n"+c.withPrefix(usage))
}

func (c *Core) man(ctx context.Context, cc *command.Context, args []string) error {
	usage, err := c.dispatcher.Usage(args...)
	if errors.Is(err, command.ErrUnknownCommand) {
		return cc.Reply(ctx, fmt.Sprintf("No manual entry for %s", strings.Join(args, " ")))
	}
	if err != nil {
		return err
	}
	return cc.Reply(ctx, c.withPrefix(usage))
}

// withPrefix replaces the default "!" of usage lines by the configured prefix.
func (c *Core) withPrefix(usage string) string {
	if c.settings.Prefix == "!" {
		return usage
	}
	lines := strings.Split(usage, "\n")
	for i, line := range lines {
		lines[i] = c.settings.Prefix + strings.TrimPrefix(line, "!")
	}
	return strings.Join(lines, "\n")
}

// CommandHandler executes messages starting with the command prefix and
// consumes them. Anything else is passed on.
type CommandHandler struct {
	core *Core
}

func (h *CommandHandler) OnInbound(ctx context.Context, msg model.Message, p profile.Profile) (model.Message, bool, error) {
	prefix := h.core.settings.Prefix
	line, ok := strings.CutPrefix(strings.TrimSpace(msg.Text), prefix)
	if !ok {
		return msg, true, nil
	}
	if err := p.Acknowledge(ctx, msg); err != nil {
		slog.DebugContext(ctx, "acknowledge failed", "message", msg.ID, "error", err)
	}

	cc := command.NewContext(msg, p)
	err := h.core.dispatcher.Execute(ctx, line, cc)
	if err == nil {
		return msg, false, nil
	}
	slog.DebugContext(ctx, "command failed", "line", line, "error", err)

	var reply string
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		reply = fmt.Sprintf("Unknown command. Type %shelp to list the commands.", prefix)
	case errors.Is(err, command.ErrPermissionDenied):
		reply = "You don't have permission to run this command."
	default:
		reply = "Error: " + err.Error()
	}
	if rerr := cc.Reply(ctx, reply); rerr != nil {
		return msg, false, fmt.Errorf("replying to %s: %w", msg.ID, rerr)
	}
	return msg, false, nil
}
