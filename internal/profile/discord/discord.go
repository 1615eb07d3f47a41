// Package discord implements a profile for a Discord bot account.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
	"github.com/bwmarrin/discordgo"
)

const ackEmoji = "✅"

// Session is the subset of *discordgo.Session the profile uses.
type Session interface {
	AddHandler(handler any) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSend(channelID, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

type Profile struct {
	cfg     model.Profile
	session Session

	closeOnce sync.Once
	done      chan struct{}
}

// New reads the bot token from the environment variable named in the
// profile configuration.
func New(_ context.Context, cfg model.Profile) (profile.Profile, error) {
	env := "DISCORD_TOKEN"
	if cfg.Discord != nil && cfg.Discord.TokenEnv != "" {
		env = cfg.Discord.TokenEnv
	}
	token := os.Getenv(env)
	if token == "" {
		return nil, fmt.Errorf("%w: environment variable %s is empty", model.ErrProfileConfig, env)
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return NewWithSession(cfg, dg), nil
}

func NewWithSession(cfg model.Profile, s Session) *Profile {
	return &Profile{cfg: cfg, session: s, done: make(chan struct{})}
}

func (p *Profile) ID() string { return p.cfg.ID }

func (p *Profile) Setup(ctx context.Context, dir string) error {
	slog.DebugContext(ctx, "discord profile ready", "id", p.cfg.ID, "dir", dir)
	return nil
}

// Listen opens the gateway connection and delivers messages until ctx is done
// or the profile is closed.
func (p *Profile) Listen(ctx context.Context, handle func(model.Message)) error {
	remove := p.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		handle(toMessage(m.Message))
	})
	defer remove()

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-p.done:
	}
	return p.session.Close()
}

func toMessage(m *discordgo.Message) model.Message {
	out := model.Message{
		ID:       m.ID,
		Channel:  m.ChannelID,
		Text:     m.Content,
		Received: m.Timestamp,
	}
	if m.Author != nil {
		out.Sender = model.Sender{ID: m.Author.ID, Name: m.Author.Username}
	}
	return out
}

func (p *Profile) Send(_ context.Context, in model.Message, text string) error {
	_, err := p.session.ChannelMessageSend(in.Channel, text)
	return err
}

func (p *Profile) SendFile(_ context.Context, in model.Message, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = p.session.ChannelFileSend(in.Channel, filepath.Base(path), f)
	return err
}

// Typing only signals the start, Discord clears the indicator on its own.
func (p *Profile) Typing(_ context.Context, in model.Message, started bool) error {
	if !started {
		return nil
	}
	return p.session.ChannelTyping(in.Channel)
}

func (p *Profile) Acknowledge(_ context.Context, in model.Message) error {
	return p.session.MessageReactionAdd(in.Channel, in.ID, ackEmoji)
}

func (p *Profile) HasPermission(perm string) bool {
	return p.cfg.HasPermission(perm)
}

// Close ends a running Listen.
func (p *Profile) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
