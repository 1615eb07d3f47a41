// Package redisstream implements a profile on top of two Redis streams: one
// carrying inbound chat messages and one receiving the bot's output.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/profile"
	"github.com/redis/go-redis/v9"
)

const (
	blockFor  = 5 * time.Second
	batchSize = 10
	// newest only, used until the first message was read
	tail       = "$"
	cursorFile = "last-id"
)

// Client is the subset of *redis.Client the profile needs.
type Client interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type Profile struct {
	cfg    model.Profile
	stream model.RedisProfile
	rdb    Client

	mx     sync.Mutex
	dir    string
	lastID string
}

// New connects to the server in cfg.Redis.URL.
func New(_ context.Context, cfg model.Profile) (profile.Profile, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("%w: redis section missing", model.ErrProfileConfig)
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, redis.NewClient(opt)), nil
}

func NewWithClient(cfg model.Profile, rdb Client) *Profile {
	var stream model.RedisProfile
	if cfg.Redis != nil {
		stream = *cfg.Redis
	}
	return &Profile{cfg: cfg, stream: stream, rdb: rdb, lastID: tail}
}

func (p *Profile) ID() string { return p.cfg.ID }

// Setup checks the connection and restores the read cursor saved in dir.
func (p *Profile) Setup(ctx context.Context, dir string) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	p.dir = dir
	b, err := os.ReadFile(filepath.Join(dir, cursorFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		if id := strings.TrimSpace(string(b)); id != "" {
			p.lastID = id
		}
	}
	slog.DebugContext(ctx, "reading redis stream", "stream", p.stream.Inbound, "from", p.lastID)
	return nil
}

// Listen returns nil once ctx is done and the first Redis error otherwise.
func (p *Profile) Listen(ctx context.Context, handle func(model.Message)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := p.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{p.stream.Inbound, p.cursor()},
			Count:   batchSize,
			Block:   blockFor,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading %s: %w", p.stream.Inbound, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				handle(parseMessage(msg))
				p.advance(ctx, msg.ID)
			}
		}
	}
}

func (p *Profile) cursor() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.lastID
}

func (p *Profile) advance(ctx context.Context, id string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.lastID = id
	if p.dir == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(p.dir, cursorFile), []byte(id), 0o644); err != nil {
		slog.WarnContext(ctx, "can't persist stream cursor", "id", id, "error", err)
	}
}

func parseMessage(msg redis.XMessage) model.Message {
	m := model.Message{ID: msg.ID}
	if v, ok := msg.Values["text"].(string); ok {
		m.Text = v
	}
	if v, ok := msg.Values["channel"].(string); ok {
		m.Channel = v
	}
	if v, ok := msg.Values["sender"].(string); ok {
		m.Sender.ID = v
	}
	if v, ok := msg.Values["sender_name"].(string); ok {
		m.Sender.Name = v
	}
	// stream ids are <unix millis>-<seq>
	if ms, _, ok := strings.Cut(msg.ID, "-"); ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			m.Received = time.UnixMilli(n)
		}
	}
	return m
}

func (p *Profile) publish(ctx context.Context, in model.Message, kind string, values map[string]any) error {
	values["kind"] = kind
	values["profile"] = p.cfg.ID
	values["reply_to"] = in.ID
	if in.Channel != "" {
		values["channel"] = in.Channel
	}
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream.Outbound,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("writing %s: %w", p.stream.Outbound, err)
	}
	return nil
}

func (p *Profile) Send(ctx context.Context, in model.Message, text string) error {
	return p.publish(ctx, in, "text", map[string]any{"text": text})
}

func (p *Profile) SendFile(ctx context.Context, in model.Message, path string) error {
	return p.publish(ctx, in, "file", map[string]any{"path": path})
}

func (p *Profile) Typing(ctx context.Context, in model.Message, started bool) error {
	return p.publish(ctx, in, "typing", map[string]any{"started": strconv.FormatBool(started)})
}

func (p *Profile) Acknowledge(ctx context.Context, in model.Message) error {
	return p.publish(ctx, in, "ack", map[string]any{})
}

func (p *Profile) HasPermission(perm string) bool {
	return p.cfg.HasPermission(perm)
}

func (p *Profile) Close() error {
	return p.rdb.Close()
}
