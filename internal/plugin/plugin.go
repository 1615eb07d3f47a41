// Package plugin keeps track of loaded plugins and the optional lifecycle
// hooks they implement.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/chatster/internal/command"
	"github.com/CZERTAINLY/chatster/internal/container"
)

var ErrDuplicatePlugin = errors.New("plugin already registered")

// Record describes a loaded plugin.
type Record struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Plugin any    `json:"-"`
}

// PreInitializer runs before any provider is declared.
type PreInitializer interface {
	PreInitialize(ctx context.Context) error
}

// ProviderDeclarer contributes beans to the registry.
type ProviderDeclarer interface {
	DeclareProviders(r *container.Registry) error
}

// Initializer runs once the plugin was wired.
type Initializer interface {
	Initialize(ctx context.Context, pc Context) error
}

// CommandContributor hands out command providers. Plugins with a single
// provider may implement command.Provider directly.
type CommandContributor interface {
	CommandProviders() []command.Provider
}

// Context is handed to a plugin during initialization.
type Context struct {
	ID     string
	Logger *slog.Logger
	Config *Store
}

func NewContext(id, configDir string) Context {
	return Context{
		ID:     id,
		Logger: slog.Default().With("plugin", id),
		Config: NewStore(configDir, id),
	}
}

// Registry holds plugins in registration order.
type Registry struct {
	mx      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]int),
	}
}

func (r *Registry) Register(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("plugin %q: empty id", rec.Name)
	}
	if rec.Plugin == nil {
		return fmt.Errorf("plugin %s: nil instance", rec.ID)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if idx, ok := r.byID[rec.ID]; ok {
		return fmt.Errorf("%w: id %s (conflict between plugins %q and %q)",
			ErrDuplicatePlugin, rec.ID, rec.Name, r.records[idx].Name)
	}
	r.byID[rec.ID] = len(r.records)
	r.records = append(r.records, rec)
	return nil
}

// ForEach calls fn for every plugin in registration order and stops at the
// first error.
func (r *Registry) ForEach(fn func(Record) error) error {
	for _, rec := range r.Records() {
		if err := fn(rec); err != nil {
			return fmt.Errorf("plugin %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.records)
}

func (r *Registry) Records() []Record {
	r.mx.RLock()
	defer r.mx.RUnlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.records[idx], true
}

// PreInitialize runs PreInitialize on every plugin that has it.
func (r *Registry) PreInitialize(ctx context.Context) error {
	return r.ForEach(func(rec Record) error {
		p, ok := rec.Plugin.(PreInitializer)
		if !ok {
			return nil
		}
		return p.PreInitialize(ctx)
	})
}

// DeclareProviders lets every plugin declare its beans, then registers the
// plugin itself under its concrete type at Highest priority.
func (r *Registry) DeclareProviders(reg *container.Registry) error {
	return r.ForEach(func(rec Record) error {
		if p, ok := rec.Plugin.(ProviderDeclarer); ok {
			if err := p.DeclareProviders(reg); err != nil {
				return err
			}
		}
		return container.ProvideInstance(reg, rec.Plugin, container.WithPriority(container.Highest))
	})
}

// Wire wires every plugin implementing container.Wirer.
func (r *Registry) Wire(reg *container.Registry) error {
	return r.ForEach(func(rec Record) error {
		return reg.AutoWire(rec.Plugin)
	})
}

// Initialize calls Initialize on every plugin with its own Context.
func (r *Registry) Initialize(ctx context.Context, configDir string) error {
	return r.ForEach(func(rec Record) error {
		p, ok := rec.Plugin.(Initializer)
		if !ok {
			return nil
		}
		return p.Initialize(ctx, NewContext(rec.ID, configDir))
	})
}

// CommandProvider pairs a command provider with the plugin it came from.
type CommandProvider struct {
	PluginID string
	Provider command.Provider
}

func (r *Registry) CommandProviders() []CommandProvider {
	var out []CommandProvider
	for _, rec := range r.Records() {
		if p, ok := rec.Plugin.(command.Provider); ok {
			out = append(out, CommandProvider{PluginID: rec.ID, Provider: p})
		}
		if c, ok := rec.Plugin.(CommandContributor); ok {
			for _, p := range c.CommandProviders() {
				out = append(out, CommandProvider{PluginID: rec.ID, Provider: p})
			}
		}
	}
	return out
}
