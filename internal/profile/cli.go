package profile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/google/uuid"
)

const cliPrefix = "CLI > "

// CLI reads messages line by line from in and prints replies to out. It is
// meant for local testing.
type CLI struct {
	cfg model.Profile
	in  io.Reader

	mx  sync.Mutex
	out io.Writer
}

func NewCLI(cfg model.Profile, in io.Reader, out io.Writer) *CLI {
	return &CLI{cfg: cfg, in: in, out: out}
}

func (c *CLI) ID() string { return c.cfg.ID }

func (c *CLI) Setup(ctx context.Context, _ string) error {
	slog.InfoContext(ctx, "Using the CLI profile, this should only be used for testing purposes", "id", c.cfg.ID)
	return nil
}

// Listen returns nil on end of input or when ctx is done. A read blocked at
// that moment keeps its goroutine until in is closed.
func (c *CLI) Listen(ctx context.Context, handle func(model.Message)) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case text := <-lines:
			if ctx.Err() != nil {
				return nil
			}
			handle(model.Message{
				ID:       uuid.NewString(),
				Channel:  "cli",
				Sender:   model.Sender{ID: "cli", Name: "console"},
				Text:     text,
				Received: time.Now(),
			})
		}
	}
}

func (c *CLI) println(text string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, err := fmt.Fprintln(c.out, cliPrefix+text)
	return err
}

func (c *CLI) Send(_ context.Context, _ model.Message, text string) error {
	return c.println(text)
}

func (c *CLI) SendFile(_ context.Context, _ model.Message, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return c.println(fmt.Sprintf("[File] %s (%d bytes)", path, info.Size()))
}

func (c *CLI) Typing(_ context.Context, _ model.Message, started bool) error {
	if started {
		return c.println("Bot is writing")
	}
	return c.println("Bot stopped writing")
}

func (c *CLI) Acknowledge(context.Context, model.Message) error {
	return c.println("Bot has read the message")
}

func (c *CLI) HasPermission(perm string) bool {
	return c.cfg.HasPermission(perm)
}
