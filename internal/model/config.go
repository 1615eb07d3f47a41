package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ProfileTypeCLI     = "cli"
	ProfileTypeRedis   = "redis"
	ProfileTypeDiscord = "discord"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx        *cue.Context
	schema        cue.Value
	profileSchema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	profileSchema = compiled.LookupPath(cue.ParsePath("#Profile"))
	if profileSchema.Err() != nil {
		panic(profileSchema.Err())
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	Workers  int       `json:"workers" yaml:"workers"`
	Dirs     Dirs      `json:"dirs" yaml:"dirs"`
	Service  Service   `json:"service" yaml:"service"`
	Profiles []Profile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// Dirs are resolved relative to the working directory.
type Dirs struct {
	Config   string `json:"config" yaml:"config"`     // per-plugin configuration files
	Profiles string `json:"profiles" yaml:"profiles"` // one storage directory per profile
}

type Service struct {
	Verbose  bool     `json:"verbose" yaml:"verbose"`
	Admin    *Admin   `json:"admin,omitempty" yaml:"admin,omitempty"`
	Relaunch Relaunch `json:"relaunch" yaml:"relaunch"`
}

// Admin enables the HTTP status API.
type Admin struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Relaunch controls how crashed profiles are brought back.
type Relaunch struct {
	Backoff bool   `json:"backoff" yaml:"backoff"`
	Initial string `json:"initial" yaml:"initial"` // ISO8601
	Max     string `json:"max" yaml:"max"`         // ISO8601
}

func (r Relaunch) Intervals() (initial, max time.Duration, err error) {
	initial, err = ParseISODuration(r.Initial)
	if err != nil {
		return 0, 0, err
	}
	max, err = ParseISODuration(r.Max)
	if err != nil {
		return 0, 0, err
	}
	return initial, max, nil
}

// Profile is one configured channel. Permissions lists what senders on the
// channel may do; an empty list grants everything.
type Profile struct {
	ID          string          `json:"id" yaml:"id"`
	Type        string          `json:"type" yaml:"type"`
	Permissions []string        `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Redis       *RedisProfile   `json:"redis,omitempty" yaml:"redis,omitempty"`
	Discord     *DiscordProfile `json:"discord,omitempty" yaml:"discord,omitempty"`
}

type RedisProfile struct {
	URL      string `json:"url" yaml:"url"`
	Inbound  string `json:"inbound" yaml:"inbound"`
	Outbound string `json:"outbound" yaml:"outbound"`
}

type DiscordProfile struct {
	TokenEnv string `json:"token_env" yaml:"token_env"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	var out Config
	err := load("chatster.yaml", r, schema, &out)
	return out, err
}

// LoadProfile reads a standalone profile definition, the content of a
// profiles/<id>/profile.yaml file.
func LoadProfile(name string, r io.Reader) (Profile, error) {
	var out Profile
	err := load(name, r, profileSchema, &out)
	return out, err
}

func load(name string, r io.Reader, against cue.Value, out any) error {
	yamlFile, err := yaml.Extract(name, r)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := against.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return err
	}
	return unified.Decode(out)
}

// DefaultConfig is what gets written when no config file exists: a single
// stdin/stdout profile.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Workers: 4,
		Dirs: Dirs{
			Config:   "config",
			Profiles: "profiles",
		},
		Service: Service{
			Relaunch: Relaunch{
				Backoff: true,
				Initial: "PT1S",
				Max:     "PT1M",
			},
		},
		Profiles: []Profile{
			{ID: "cli", Type: ProfileTypeCLI},
		},
	}
}

// HasPermission reports whether perm is granted by the profile.
func (p Profile) HasPermission(perm string) bool {
	if len(p.Permissions) == 0 {
		return true
	}
	for _, granted := range p.Permissions {
		if granted == "*" || granted == perm {
			return true
		}
	}
	return false
}
