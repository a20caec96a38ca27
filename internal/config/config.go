// Package config loads kioku's settings. Layers are applied in order, later
// ones winning: built-in defaults, an optional YAML file, KIOKU_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/kioku/internal/fsrs"
)

// EnvPrefix is stripped from environment variables; a double underscore
// separates nested keys (KIOKU_STORAGE__PATH sets storage.path).
const EnvPrefix = "KIOKU_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	HTTP      HTTPConfig      `koanf:"http"`
	Sync      SyncConfig      `koanf:"sync"`
	MCP       MCPConfig       `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty"`
}

type StorageConfig struct {
	Driver       string `koanf:"driver" validate:"oneof=sqlite postgres"`
	Path         string `koanf:"path" validate:"required_if=Driver sqlite"`
	DSN          string `koanf:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`
}

type SchedulerConfig struct {
	Weights          []float64       `koanf:"weights" validate:"len=17,dive,gte=0"`
	RequestRetention float64         `koanf:"request_retention" validate:"gt=0,lt=1"`
	MaximumInterval  float64         `koanf:"maximum_interval" validate:"gt=0"`
	LearningSteps    []time.Duration `koanf:"learning_steps" validate:"min=1,dive,gte=0"`
	RelearningSteps  []time.Duration `koanf:"relearning_steps" validate:"min=1,dive,gte=0"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	// JWTSecret enables bearer-token identification of learners. When empty
	// the X-Learner-ID header is trusted.
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

type SyncConfig struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
}

type MCPConfig struct {
	DisabledTools []string `koanf:"disabled_tools"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	p := fsrs.DefaultParams()
	return &Config{
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: "sqlite", Path: "kioku.db"},
		Scheduler: SchedulerConfig{
			Weights:          p.W[:],
			RequestRetention: p.RequestRetention,
			MaximumInterval:  p.MaximumInterval,
			LearningSteps:    p.LearningSteps,
			RelearningSteps:  p.RelearningSteps,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Sync: SyncConfig{ReposDir: "repos"},
	}
}

// NewFlagSet declares the flags Load understands.
func NewFlagSet(name string) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("log.level", d.Log.Level, "log level (trace, debug, info, warn, error)")
	fs.Bool("log.pretty", d.Log.Pretty, "human-readable console logs")
	fs.String("storage.driver", d.Storage.Driver, "storage backend (sqlite, postgres)")
	fs.String("storage.path", d.Storage.Path, "sqlite database file")
	fs.String("storage.dsn", "", "postgres connection string")
	fs.String("http.addr", d.HTTP.Addr, "HTTP listen address")
	fs.String("sync.repos_dir", d.Sync.ReposDir, "directory git sources are cloned into")
	return fs
}

// Load builds the configuration from defaults, the file named by --config,
// the environment and any flags set on fs. fs must already be parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path, _ := fs.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		return strings.ReplaceAll(key, "__", "."), value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
		if !f.Changed || f.Name == "config" {
			return "", nil
		}
		return f.Name, posflag.FlagVal(fs, f)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := Default()
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           cfg,
			WeaklyTypedInput: true,
			// Replace list defaults instead of merging element-wise.
			ZeroFields: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the scheduler parameters are usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.SchedulerParams().Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	return nil
}

// SchedulerParams converts the scheduler section to engine parameters.
func (c *Config) SchedulerParams() fsrs.Params {
	var w [17]float64
	copy(w[:], c.Scheduler.Weights)
	return fsrs.Params{
		W:                w,
		RequestRetention: c.Scheduler.RequestRetention,
		MaximumInterval:  c.Scheduler.MaximumInterval,
		LearningSteps:    append([]time.Duration(nil), c.Scheduler.LearningSteps...),
		RelearningSteps:  append([]time.Duration(nil), c.Scheduler.RelearningSteps...),
	}
}

// ToolEnabled reports whether the named MCP tool is not disabled.
func (c *Config) ToolEnabled(name string) bool {
	for _, t := range c.MCP.DisabledTools {
		if t == name {
			return false
		}
	}
	return true
}

// LoadDotEnv copies variables from a .env file into the process environment
// so the env layer of Load sees them. Variables already set are kept and a
// missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
