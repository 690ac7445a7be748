//go:build windows
// +build windows

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"

	"github.com/coral-mesh/etwtrace/internal/retry"
)

// Device exchanges packets with the driver control device through a
// buffered IOCTL.
type Device struct {
	handle windows.Handle
	ioctl  uint32
	logger zerolog.Logger
}

var _ Transport = (*Device)(nil)

// DeviceConfig selects the control device and how opening it is retried.
type DeviceConfig struct {
	Path  string
	IOCTL uint32
	Retry retry.Config
}

// OpenDevice opens the control device. The driver may still be starting, so
// a missing device is retried.
func OpenDevice(ctx context.Context, cfg DeviceConfig, logger zerolog.Logger) (*Device, error) {
	path, err := windows.UTF16PtrFromString(cfg.Path)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "symsrv_device").Str("path", cfg.Path).Logger()

	var h windows.Handle
	err = retry.Do(ctx, cfg.Retry, func() error {
		var err error
		h, err = windows.CreateFile(path,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil,
			windows.OPEN_EXISTING,
			windows.FILE_ATTRIBUTE_NORMAL,
			0)
		if err != nil {
			logger.Debug().Err(err).Msg("Control device not available")
		}
		return err
	}, func(err error) bool {
		return errors.Is(err, windows.ERROR_FILE_NOT_FOUND) ||
			errors.Is(err, windows.ERROR_PATH_NOT_FOUND) ||
			errors.Is(err, windows.ERROR_SHARING_VIOLATION)
	})
	if err != nil {
		return nil, fmt.Errorf("open control device %s: %w", cfg.Path, err)
	}

	ioctl := cfg.IOCTL
	if ioctl == 0 {
		ioctl = DefaultIOCTL
	}
	return &Device{handle: h, ioctl: ioctl, logger: logger}, nil
}

func (d *Device) Exchange(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, errors.New("empty exchange buffer")
	}

	var done uint32
	err := windows.DeviceIoControl(d.handle, d.ioctl,
		&buf[0], uint32(len(buf)),
		&buf[0], uint32(len(buf)),
		&done, nil)
	switch {
	case errors.Is(err, windows.ERROR_OPERATION_ABORTED):
		return 0, ErrCanceled
	case errors.Is(err, windows.ERROR_INVALID_HANDLE):
		return 0, ErrClosed
	case err != nil:
		return 0, err
	}
	return int(done), nil
}

func (d *Device) Cancel() error {
	return windows.CancelIoEx(d.handle, nil)
}

func (d *Device) Close() error {
	return windows.CloseHandle(d.handle)
}
