package host_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/chatster/internal/command"
	"github.com/CZERTAINLY/chatster/internal/container"
	"github.com/CZERTAINLY/chatster/internal/host"
	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/plugin"
	"github.com/CZERTAINLY/chatster/internal/profile"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// syncBuffer is written by the pool workers and read by the test.
type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) model.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := model.DefaultConfig(t.Context())
	cfg.Dirs = model.Dirs{
		Config:   filepath.Join(dir, "config"),
		Profiles: filepath.Join(dir, "profiles"),
	}
	cfg.Profiles = []model.Profile{{ID: "console", Type: model.ProfileTypeCLI}}
	return cfg
}

// echo answers every message which is not a command.
type echo struct {
	id       string
	dispatch *command.Dispatcher
}

func (e *echo) DeclareProviders(r *container.Registry) error {
	return container.Provide(r, func() (profile.Handler, error) {
		return profile.HandlerFunc(e.onInbound), nil
	})
}

func (e *echo) Wire(in container.Injector) error {
	return in.Inject("echo", container.Bind("dispatch", &e.dispatch))
}

func (e *echo) Initialize(_ context.Context, pc plugin.Context) error {
	e.id = pc.ID
	return nil
}

func (e *echo) RegisterCommands(b command.Builder, r command.Registrar) error {
	return r.Register(b.Literal("ping", "Answer with pong", func(ctx context.Context, cc *command.Context, _ []string) error {
		return cc.Reply(ctx, "pong")
	}))
}

func (e *echo) onInbound(ctx context.Context, msg model.Message, p profile.Profile) (model.Message, bool, error) {
	if strings.HasPrefix(msg.Text, "!") {
		return msg, true, nil
	}
	return msg, false, p.Send(ctx, msg, "echo: "+msg.Text)
}

func TestRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	in := strings.NewReader(strings.Join([]string{
		"!help",
		"!man man",
		"!nope",
		"!man nope",
		"hello",
	}, "\n"))
	var out syncBuffer

	l := host.New(cfg, host.WithConsole(in, &out))
	require.NoError(t, l.Run(t.Context()))

	got := out.String()
	require.Contains(t, got, "CLI > Available commands:\n\n!help - List available commands\n!man <command> - Show usage of a command\n")
	require.Contains(t, got, "CLI > !man <command> - Show usage of a command\n")
	require.Contains(t, got, "CLI > Unknown command. Type !help to list the commands.\n")
	require.Contains(t, got, "CLI > No manual entry for nope\n")
	require.Equal(t, 4, strings.Count(got, "Bot has read the message"))
	require.NotContains(t, got, "hello")

	stored, err := os.ReadFile(filepath.Join(cfg.Dirs.Config, "chatster.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"prefix": "!"}`, string(stored))
	require.DirExists(t, filepath.Join(cfg.Dirs.Profiles, "console"))
}

func TestRun_Prefix(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Dirs.Config, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dirs.Config, "chatster.json"), []byte(`{"prefix": "?"}`), 0o644))

	var out syncBuffer
	l := host.New(cfg, host.WithConsole(strings.NewReader("?help\n!help\n"), &out))
	require.NoError(t, l.Run(t.Context()))

	got := out.String()
	require.Equal(t, 1, strings.Count(got, "Available commands"))
	require.Contains(t, got, "?man <command> - Show usage of a command")
}

func TestRun_Plugins(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	var out syncBuffer
	e := &echo{}
	l := host.New(cfg,
		host.WithConsole(strings.NewReader("hello\n!ping\n"), &out),
		host.WithPlugins(plugin.Record{ID: "echo", Name: "Echo plugin", Plugin: e}),
	)
	require.NoError(t, l.Run(t.Context()))

	got := out.String()
	require.Contains(t, got, "CLI > echo: hello\n")
	require.Contains(t, got, "CLI > pong\n")
	require.NotContains(t, got, "echo: !ping")

	require.Equal(t, "echo", e.id)
	require.NotNil(t, e.dispatch)
	same, err := container.Resolve[*echo](l.Services())
	require.NoError(t, err)
	require.Same(t, e, same)

	records := l.Plugins()
	require.Len(t, records, 2)
	require.Equal(t, host.CoreID, records[0].ID)
	require.Equal(t, "echo", records[1].ID)
}

func TestRun_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    func(cfg *model.Config) []host.Option
		then     string
	}{
		{
			scenario: "duplicate plugin",
			given: func(*model.Config) []host.Option {
				return []host.Option{host.WithPlugins(plugin.Record{ID: host.CoreID, Name: "impostor", Plugin: &echo{}})}
			},
			then: "already registered",
		},
		{
			scenario: "no profile",
			given: func(cfg *model.Config) []host.Option {
				cfg.Profiles = []model.Profile{{ID: "smoke", Type: "smoke-signals"}}
				return nil
			},
			then: "no profile could be loaded",
		},
		{
			scenario: "bad relaunch",
			given: func(cfg *model.Config) []host.Option {
				cfg.Service.Relaunch.Initial = "soon"
				return nil
			},
			then: "service.relaunch",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			opts := tc.given(&cfg)
			opts = append(opts, host.WithConsole(strings.NewReader(""), io.Discard))
			err := host.New(cfg, opts...).Run(t.Context())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.then)
		})
	}
}

func TestAdmin(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(t.Context())
	l := host.New(cfg, host.WithConsole(pr, io.Discard))
	require.NoError(t, l.Launch(ctx))
	api := l.AdminHandler()

	do := func(method, path string) (int, string) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		api.ServeHTTP(rec, req)
		return rec.Code, rec.Body.String()
	}

	code, body := do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "ok", "running": 1, "pending": 0}`, body)

	code, body = do(http.MethodGet, "/plugins")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[{"id": "chatster", "name": "Chatster core plugin"}]`, body)

	code, body = do(http.MethodGet, "/profiles")
	require.Equal(t, http.StatusOK, code)
	var profiles []struct {
		ID      string `json:"id"`
		Running bool   `json:"running"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &profiles))
	require.Len(t, profiles, 1)
	require.Equal(t, "console", profiles[0].ID)
	require.True(t, profiles[0].Running)

	code, _ = do(http.MethodPost, "/profiles/console/launch")
	require.Equal(t, http.StatusConflict, code)
	code, _ = do(http.MethodPost, "/profiles/nope/launch")
	require.Equal(t, http.StatusNotFound, code)

	cancel()
	require.NoError(t, pw.Close())
	require.NoError(t, l.Shutdown(t.Context()))

	code, _ = do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(http.MethodPost, "/profiles/console/launch")
	require.Equal(t, http.StatusConflict, code)
}

// flaky fails its first Listen and serves until canceled afterwards.
type flaky struct {
	launches atomic.Int32
	crashed  chan struct{}
}

func (f *flaky) ID() string                                            { return "events" }
func (f *flaky) Setup(context.Context, string) error                   { return nil }
func (f *flaky) Send(context.Context, model.Message, string) error     { return nil }
func (f *flaky) SendFile(context.Context, model.Message, string) error { return nil }
func (f *flaky) Typing(context.Context, model.Message, bool) error     { return nil }
func (f *flaky) Acknowledge(context.Context, model.Message) error      { return nil }
func (f *flaky) HasPermission(string) bool                             { return false }

func (f *flaky) Listen(ctx context.Context, _ func(model.Message)) error {
	if f.launches.Add(1) == 1 {
		close(f.crashed)
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return nil
}

func TestRun_IdleWaitsForRelaunch(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Service.Relaunch = model.Relaunch{Backoff: true, Initial: "PT0.2S", Max: "PT1S"}
	cfg.Profiles = append(cfg.Profiles, model.Profile{ID: "events", Type: "flaky"})

	f := &flaky{crashed: make(chan struct{})}
	factory := host.DefaultFactory()
	factory["flaky"] = func(context.Context, model.Profile) (profile.Profile, error) {
		return f, nil
	}

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	l := host.New(cfg, host.WithFactory(factory), host.WithConsole(pr, io.Discard))
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	<-f.crashed
	// the console ends normally while the crashed profile waits for its relaunch
	require.NoError(t, pw.Close())
	require.Eventually(t, func() bool {
		return f.launches.Load() == 2
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Run returned while a profile was relaunched: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestAdmin_Listen(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Service.Admin = &model.Admin{Addr: "127.0.0.1:0"}
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(t.Context())
	l := host.New(cfg, host.WithConsole(pr, io.Discard))
	require.NoError(t, l.Launch(ctx))
	require.NotEmpty(t, l.AdminAddr())

	resp, err := http.Get("http://" + l.AdminAddr() + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	taken := testConfig(t)
	taken.Service.Admin = &model.Admin{Addr: l.AdminAddr()}
	err = host.New(taken, host.WithConsole(strings.NewReader(""), io.Discard)).Run(t.Context())
	require.ErrorContains(t, err, "admin API")

	cancel()
	require.NoError(t, pw.Close())
	require.NoError(t, l.Shutdown(t.Context()))
}
