package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Store persists a plugin configuration as <dir>/<id>.json.
type Store struct {
	dir string
	id  string
}

func NewStore(dir, id string) *Store {
	return &Store{dir: dir, id: id}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, s.id+".json")
}

// Load decodes the stored configuration into target. It reports false when
// nothing was saved yet.
func (s *Store) Load(target any) (bool, error) {
	v := viper.New()
	v.SetConfigFile(s.Path())
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", s.Path(), err)
	}
	err := v.Unmarshal(target, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	})
	if err != nil {
		return false, fmt.Errorf("decoding %s: %w", s.Path(), err)
	}
	return true, nil
}

// Save replaces the stored configuration with cfg. cfg must be a struct or a
// map with string keys.
func (s *Store) Save(cfg any) error {
	var m map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &m,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("encoding %s config: %w", s.id, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("json")
	for key, val := range m {
		v.Set(key, val)
	}
	return v.WriteConfigAs(s.Path())
}
