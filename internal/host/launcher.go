package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"time"

	"github.com/CZERTAINLY/chatster/internal/command"
	"github.com/CZERTAINLY/chatster/internal/container"
	"github.com/CZERTAINLY/chatster/internal/model"
	"github.com/CZERTAINLY/chatster/internal/plugin"
	"github.com/CZERTAINLY/chatster/internal/profile"
	"github.com/CZERTAINLY/chatster/internal/profile/discord"
	"github.com/CZERTAINLY/chatster/internal/profile/redisstream"
	"github.com/CZERTAINLY/chatster/internal/service"
)

// Option customizes a Launcher.
type Option func(*Launcher)

// WithPlugins adds built-in plugins loaded after the core one.
func WithPlugins(records ...plugin.Record) Option {
	return func(l *Launcher) {
		l.sources = append(l.sources, plugin.Builtin(records))
	}
}

// WithSources adds plugin sources.
func WithSources(sources ...plugin.Source) Option {
	return func(l *Launcher) {
		l.sources = append(l.sources, sources...)
	}
}

// WithFactory replaces the profile constructors.
func WithFactory(f profile.Factory) Option {
	return func(l *Launcher) {
		l.factory = f
	}
}

// WithConsole sets the streams of the cli profile, stdin and stdout by default.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(l *Launcher) {
		l.factory = maps.Clone(l.factory)
		l.factory[model.ProfileTypeCLI] = func(_ context.Context, cfg model.Profile) (profile.Profile, error) {
			return profile.NewCLI(cfg, in, out), nil
		}
	}
}

// DefaultFactory knows every profile type of the configuration.
func DefaultFactory() profile.Factory {
	return profile.Factory{
		model.ProfileTypeCLI: func(_ context.Context, cfg model.Profile) (profile.Profile, error) {
			return profile.NewCLI(cfg, os.Stdin, os.Stdout), nil
		},
		model.ProfileTypeRedis:   redisstream.New,
		model.ProfileTypeDiscord: discord.New,
	}
}

// Launcher brings the bot up: plugins, services, commands and profiles, in
// this order.
type Launcher struct {
	cfg     model.Config
	sources []plugin.Source
	factory profile.Factory

	core       *Core
	plugins    *plugin.Registry
	services   *container.Registry
	dispatcher *command.Dispatcher
	handlers   []profile.Handler

	pool       *service.Pool
	supervisor *service.Supervisor
	profiles   map[string]profile.Profile
	order      []string
	admin      *http.Server
	adminAddr  string
	idle       chan struct{}
}

func New(cfg model.Config, opts ...Option) *Launcher {
	core := NewCore()
	l := &Launcher{
		cfg:        cfg,
		factory:    DefaultFactory(),
		core:       core,
		plugins:    plugin.NewRegistry(),
		services:   container.New(),
		dispatcher: command.NewDispatcher(),
		profiles:   make(map[string]profile.Profile),
		idle:       make(chan struct{}, 1),
	}
	l.sources = []plugin.Source{plugin.Builtin{core.Record()}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wire receives the handler chain, ordered by priority.
func (l *Launcher) Wire(in container.Injector) error {
	return in.Inject("launcher", container.BindAll("handlers", &l.handlers))
}

// Run launches everything and blocks until ctx is canceled or no profile is
// running nor waiting to be relaunched.
func (l *Launcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := l.Launch(runCtx); err != nil {
		cancel()
		return errors.Join(err, l.Shutdown(context.WithoutCancel(ctx)))
	}
	select {
	case <-runCtx.Done():
	case <-l.idle:
		slog.InfoContext(ctx, "No profile is running: exiting")
	}
	// workers live as long as runCtx
	cancel()
	return l.Shutdown(context.WithoutCancel(ctx))
}

// Launch runs the start-up phases. Profile workers live as long as ctx.
func (l *Launcher) Launch(ctx context.Context) error {
	start := time.Now()
	if err := plugin.Discover(ctx, l.plugins, l.sources...); err != nil {
		return fmt.Errorf("discovering plugins: %w", err)
	}
	if err := l.plugins.PreInitialize(ctx); err != nil {
		return fmt.Errorf("pre-initializing plugins: %w", err)
	}
	slog.InfoContext(ctx, "Loaded plugins", "count", l.plugins.Len(), "took_ms", since(start))

	start = time.Now()
	if err := l.declare(); err != nil {
		return fmt.Errorf("declaring providers: %w", err)
	}
	if err := l.plugins.DeclareProviders(l.services); err != nil {
		return fmt.Errorf("declaring providers: %w", err)
	}
	if err := l.services.ResolveEager(); err != nil {
		return fmt.Errorf("resolving services: %w", err)
	}
	if err := l.plugins.Wire(l.services); err != nil {
		return fmt.Errorf("wiring plugins: %w", err)
	}
	if err := l.services.AutoWire(l); err != nil {
		return fmt.Errorf("wiring launcher: %w", err)
	}
	slog.InfoContext(ctx, "Loaded services", "handlers", len(l.handlers), "took_ms", since(start))

	start = time.Now()
	if err := l.plugins.Initialize(ctx, l.cfg.Dirs.Config); err != nil {
		return fmt.Errorf("initializing plugins: %w", err)
	}
	slog.InfoContext(ctx, "Initialized plugins", "took_ms", since(start))

	start = time.Now()
	if err := l.registerCommands(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Registered commands", "took_ms", since(start))

	start = time.Now()
	if err := l.launchProfiles(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Launched profiles", "count", len(l.order), "took_ms", since(start))

	if l.cfg.Service.Admin != nil {
		return l.serveAdmin(ctx, l.cfg.Service.Admin.Addr)
	}
	return nil
}

func (l *Launcher) declare() error {
	return errors.Join(
		container.ProvideValue(l.services, l.dispatcher, container.As[command.Registrar]()),
		container.ProvideValue(l.services, l.plugins),
		container.ProvideValue(l.services, slog.Default()),
	)
}

func (l *Launcher) registerCommands() error {
	b := command.NewBuilder(slog.Default())
	for _, cp := range l.plugins.CommandProviders() {
		if err := cp.Provider.RegisterCommands(b, l.dispatcher); err != nil {
			return fmt.Errorf("plugin %s: registering commands: %w", cp.PluginID, err)
		}
	}
	return nil
}

func (l *Launcher) launchProfiles(ctx context.Context) error {
	relaunch, err := service.RelaunchFromConfig(l.cfg.Service.Relaunch)
	if err != nil {
		return err
	}
	l.pool = service.NewPool(l.cfg.Workers)
	l.supervisor, err = service.NewSupervisor(ctx, service.SupervisorConfig{
		Dir:          l.cfg.Dirs.Profiles,
		Pool:         l.pool,
		Handlers:     profile.Chain(l.handlers),
		Relaunch:     relaunch,
		OnTerminated: l.onTerminated,
		OnIdle:       l.onIdle,
	})
	if err != nil {
		return err
	}

	profiles, err := profile.Load(ctx, l.factory, l.cfg.Dirs.Profiles, l.cfg.Profiles)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	if len(profiles) == 0 {
		return errors.New("no profile could be loaded")
	}
	for _, p := range profiles {
		if err := l.services.AutoWire(p); err != nil {
			return fmt.Errorf("wiring profile %s: %w", p.ID(), err)
		}
		l.profiles[p.ID()] = p
		l.order = append(l.order, p.ID())
	}
	for _, id := range l.order {
		if err := l.supervisor.Launch(ctx, l.profiles[id]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Launcher) onTerminated(p profile.Profile, err error, running int) {
	slog.Info("Profile terminated", "id", p.ID(), "failed", err != nil, "running", running)
}

// onIdle fires once the last worker ended and no relaunch is pending.
func (l *Launcher) onIdle() {
	select {
	case l.idle <- struct{}{}:
	default:
	}
}

// Shutdown stops the supervisor, waits for the workers and the queued
// messages and closes the profiles. The workers must have been told to exit
// by canceling the context given to Launch.
func (l *Launcher) Shutdown(ctx context.Context) error {
	var errs []error
	if l.admin != nil {
		errs = append(errs, l.admin.Shutdown(ctx))
	}
	if l.supervisor != nil {
		l.supervisor.Stop(ctx)
		l.supervisor.Wait()
	}
	if l.pool != nil {
		errs = append(errs, l.pool.Close())
	}
	for _, id := range l.order {
		if c, ok := l.profiles[id].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing profile %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the loaded plugins in load order.
func (l *Launcher) Plugins() []plugin.Record {
	return l.plugins.Records()
}

// Services exposes the service registry, it is sealed once Launch returned.
func (l *Launcher) Services() *container.Registry {
	return l.services
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
