//go:build !windows
// +build !windows

package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/etwtrace/internal/retry"
)

// ErrDeviceUnsupported is returned on platforms without the driver.
var ErrDeviceUnsupported = errors.New("control device is only available on Windows")

// Device stub for non-Windows platforms.
type Device struct{}

var _ Transport = (*Device)(nil)

// DeviceConfig selects the control device and how opening it is retried.
type DeviceConfig struct {
	Path  string
	IOCTL uint32
	Retry retry.Config
}

// OpenDevice returns ErrDeviceUnsupported.
func OpenDevice(ctx context.Context, cfg DeviceConfig, logger zerolog.Logger) (*Device, error) {
	return nil, ErrDeviceUnsupported
}

func (d *Device) Exchange(buf []byte) (int, error) { return 0, ErrDeviceUnsupported }

func (d *Device) Cancel() error { return ErrDeviceUnsupported }

func (d *Device) Close() error { return nil }
