//go:build !linux

package transport

import (
	"errors"
	"log/slog"

	"github.com/clickerkit/basepoll/internal/log"
)

// Open is only implemented on Linux, where the base station is reached
// through usbfs.
func Open(_ *slog.Logger, _ log.RawLogger) (Transport, error) {
	return nil, errors.New("transport: usb access is only supported on linux")
}
