package plugin

import (
	"context"
	"log/slog"
)

// Source yields plugins to register.
type Source interface {
	Name() string
	Plugins(ctx context.Context) ([]Record, error)
}

// Builtin is the source of plugins compiled into the binary.
type Builtin []Record

func (Builtin) Name() string { return "builtin" }

func (b Builtin) Plugins(context.Context) ([]Record, error) {
	return b, nil
}

// Discover registers the plugins of every source. A source which fails is
// logged and skipped while a conflicting plugin id aborts discovery.
func Discover(ctx context.Context, reg *Registry, sources ...Source) error {
	for _, src := range sources {
		recs, err := src.Plugins(ctx)
		if err != nil {
			slog.WarnContext(ctx, "plugin source failed: ignoring", "source", src.Name(), "error", err)
			continue
		}
		for _, rec := range recs {
			if err := reg.Register(rec); err != nil {
				return err
			}
			slog.InfoContext(ctx, "Loaded plugin", "name", rec.Name, "id", rec.ID, "source", src.Name())
		}
	}
	return nil
}
