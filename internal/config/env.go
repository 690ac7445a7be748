package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envVar binds one environment variable to the config field it overrides.
type envVar struct {
	name  string
	apply func(cfg *Config, value string) error
}

// envVars lists every override in the order MergeFromEnv applies them.
var envVars = []envVar{
	{"ETWTRACE_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"ETWTRACE_LOG_PRETTY", func(c *Config, v string) error { return parseBool(v, &c.Logging.Pretty) }},
	{"ETWTRACE_POINTER_SIZE", func(c *Config, v string) error { return parseInt(v, &c.ETW.PointerSize) }},
	{"ETWTRACE_MAX_DESCRIPTOR_SIZE", func(c *Config, v string) error { return parseInt(v, &c.ETW.MaxDescriptorSize) }},
	{"ETWTRACE_SINK", func(c *Config, v string) error { c.ETW.Sink = strings.ToLower(v); return nil }},
	{"ETWTRACE_SYMSRV_DEVICE", func(c *Config, v string) error { c.SymSrv.DevicePath = v; return nil }},
	{"ETWTRACE_SYMSRV_IOCTL", func(c *Config, v string) error {
		code, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return err
		}
		c.SymSrv.IOCTLCode = uint32(code)
		return nil
	}},
	{"ETWTRACE_SYMSRV_BUFFER_SIZE", func(c *Config, v string) error { return parseInt(v, &c.SymSrv.BufferSize) }},
	{"ETWTRACE_SYMSRV_STOP_POLL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.SymSrv.StopPoll = d
		return nil
	}},
	{"ETWTRACE_SYMSRV_OPEN_RETRIES", func(c *Config, v string) error { return parseInt(v, &c.SymSrv.OpenRetries) }},
	{"ETWTRACE_SYMSRV_MODULES", func(c *Config, v string) error {
		mods, err := ParseModules(v)
		if err != nil {
			return err
		}
		c.SymSrv.Modules = mods
		return nil
	}},
	{"_NT_SYMBOL_PATH", func(c *Config, v string) error { c.SymSrv.SymbolPath = v; return nil }},
}

// MergeFromEnv applies environment overrides to an already loaded config.
// Unset or empty variables leave the field alone.
func MergeFromEnv(config *Config) error {
	if config == nil {
		return nil
	}
	for _, ev := range envVars {
		v := os.Getenv(ev.name)
		if v == "" {
			continue
		}
		if err := ev.apply(config, v); err != nil {
			return fmt.Errorf("%s=%q: %w", ev.name, v, err)
		}
	}
	return nil
}

// ActiveEnv returns the names of the override variables that are set.
func ActiveEnv() []string {
	var names []string
	for _, ev := range envVars {
		if os.Getenv(ev.name) != "" {
			names = append(names, ev.name)
		}
	}
	return names
}

// ParseModules parses a comma separated list of base=path module mappings,
// for example "0xfffff80000000000=ntoskrnl.exe,0xfffff80001000000=tcpip.sys".
func ParseModules(s string) ([]ModuleMapping, error) {
	var mods []ModuleMapping
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		base, path, ok := strings.Cut(item, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("module mapping %q is not base=path", item)
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(base), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("module mapping %q: bad base: %w", item, err)
		}
		mods = append(mods, ModuleMapping{Base: addr, Path: strings.TrimSpace(path)})
	}
	return mods, nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.ParseInt(v, 0, 0)
	if err != nil {
		return err
	}
	*dst = int(n)
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
