package config

import "time"

// Config is the etwtrace configuration file, ~/.etwtrace/config.yaml.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	ETW     ETWConfig     `yaml:"etw"`
	SymSrv  SymSrvConfig  `yaml:"symsrv"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error,enum=disabled"`
	Pretty bool   `yaml:"pretty"`
}

// ETWConfig configures descriptor compilation and event emission.
type ETWConfig struct {
	// PointerSize is the target pointer width in bytes, 4 or 8.
	PointerSize int `yaml:"pointer_size" jsonschema:"enum=4,enum=8"`
	// MaxDescriptorSize bounds a compiled descriptor in bytes.
	MaxDescriptorSize int `yaml:"max_descriptor_size"`
	// Sink selects where events go: "memory" or "etw".
	Sink string `yaml:"sink" jsonschema:"enum=memory,enum=etw"`
}

// SymSrvConfig configures the symbol server.
type SymSrvConfig struct {
	DevicePath string `yaml:"device_path"`
	// IOCTLCode is the control code that queues a symbol packet. Zero selects
	// the built in code.
	IOCTLCode   uint32        `yaml:"ioctl_code"`
	BufferSize  int           `yaml:"buffer_size"`
	StopPoll    time.Duration `yaml:"stop_poll"`
	OpenRetries int           `yaml:"open_retries"`
	// SymbolPath is the dbghelp search path.
	SymbolPath string `yaml:"symbol_path"`
	// Modules maps module base addresses to image files for the portable
	// loader.
	Modules []ModuleMapping `yaml:"modules"`
}

// ModuleMapping binds a module base address to an image file.
type ModuleMapping struct {
	Base uint64 `yaml:"base"`
	Path string `yaml:"path"`
}
