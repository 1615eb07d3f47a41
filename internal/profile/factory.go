package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/CZERTAINLY/chatster/internal/model"
)

// FileName is the name of a profile definition inside its directory.
const FileName = "profile.yaml"

// Constructor builds a profile from its configuration.
type Constructor func(ctx context.Context, cfg model.Profile) (Profile, error)

// Factory maps a profile type to its constructor.
type Factory map[string]Constructor

func (f Factory) New(ctx context.Context, cfg model.Profile) (Profile, error) {
	typ := cfg.Type
	if typ == "" {
		typ = model.ProfileTypeCLI
	}
	c, ok := f[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownProfileType, typ)
	}
	p, err := c(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: profile %s: %w", model.ErrProfileConfig, cfg.ID, err)
	}
	return p, nil
}

// ScanDir reads <dir>/<id>/profile.yaml definitions. Directories without a
// definition are ignored, invalid definitions are logged and skipped.
func ScanDir(ctx context.Context, dir string) ([]model.Profile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []model.Profile
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		cfg, err := loadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			slog.WarnContext(ctx, "Could not load profile: ignoring", "path", path, "error", err)
			for _, detail := range model.CueErrDetails(err) {
				slog.DebugContext(ctx, "profile validation", detail.Attr("detail"))
			}
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func loadFile(path string) (model.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Profile{}, err
	}
	defer f.Close()
	return model.LoadProfile(path, f)
}

// Load builds the configured profiles followed by those found in dir. An id
// already configured is not loaded twice. Profiles which cannot be built are
// logged and skipped.
func Load(ctx context.Context, f Factory, dir string, cfgs []model.Profile) ([]Profile, error) {
	scanned, err := ScanDir(ctx, dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cfgs)+len(scanned))
	var out []Profile
	for _, cfg := range slices.Concat(cfgs, scanned) {
		if _, ok := seen[cfg.ID]; ok {
			slog.WarnContext(ctx, "Duplicate profile id: ignoring", "id", cfg.ID)
			continue
		}
		seen[cfg.ID] = struct{}{}
		p, err := f.New(ctx, cfg)
		if err != nil {
			slog.WarnContext(ctx, "Could not create profile: ignoring", "id", cfg.ID, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
