package helpers

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/etwtrace/internal/config"
	"github.com/coral-mesh/etwtrace/internal/logging"
)

// GlobalOptions holds the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath  string
	LogLevel    string
	PointerSize int
}

// AddFlags adds the global flags to a FlagSet.
func (o *GlobalOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ConfigPath, "config", "", "Config file (default $ETWTRACE_CONFIG or ~/.etwtrace/config.yaml)")
	flags.StringVar(&o.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.IntVar(&o.PointerSize, "pointer-size", 0, "Target pointer size in bytes (4 or 8)")
}

// Env is the loaded configuration and logger of one command invocation.
type Env struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
}

// Loader returns the config loader selected by --config.
func (o *GlobalOptions) Loader() *config.Loader {
	if o.ConfigPath != "" {
		return config.NewFileLoader(o.ConfigPath)
	}
	return config.NewLoader()
}

// Load reads the configuration, applies flag overrides, validates the result
// and builds the logger.
func (o *GlobalOptions) Load() (*Env, error) {
	loader := o.Loader()

	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.PointerSize != 0 {
		cfg.ETW.PointerSize = o.PointerSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", loader.Path(), err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	return &Env{Config: cfg, ConfigPath: loader.Path(), Logger: logger}, nil
}

// ParseAddress parses a module base address given in decimal or with a base
// prefix such as 0x.
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}
