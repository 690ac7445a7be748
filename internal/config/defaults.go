package config

import (
	"time"
	"unsafe"
)

const (
	// DefaultDir is the configuration directory under the user home.
	DefaultDir = ".etwtrace"
	// ConfigFile is the configuration file name.
	ConfigFile = "config.yaml"

	DefaultLogLevel          = "info"
	DefaultMaxDescriptorSize = 64 * 1024
	DefaultSink              = "memory"
	DefaultDevicePath        = `\\.\dtrace\symsrv`
	DefaultBufferSize        = 4096
	DefaultStopPoll          = 100 * time.Millisecond
	DefaultOpenRetries       = 5
)

// Sink names.
const (
	SinkMemory = "memory"
	SinkETW    = "etw"
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Pretty: true,
		},
		ETW: ETWConfig{
			PointerSize:       int(unsafe.Sizeof(uintptr(0))),
			MaxDescriptorSize: DefaultMaxDescriptorSize,
			Sink:              DefaultSink,
		},
		SymSrv: SymSrvConfig{
			DevicePath:  DefaultDevicePath,
			BufferSize:  DefaultBufferSize,
			StopPoll:    DefaultStopPoll,
			OpenRetries: DefaultOpenRetries,
		},
	}
}
