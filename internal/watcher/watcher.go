// Package watcher turns kernel uevents into early wake-up hints for the agent loop.
// Hints only shorten the polling delay; the periodic mount enumeration stays authoritative.
package watcher

import (
	"context"

	"github.com/Hara602/usbguard/internal/model"
	"go.uber.org/zap"
)

// DeviceWatcher 硬件插拔提示源
type DeviceWatcher interface {
	Start(ctx context.Context) (<-chan model.USBEvent, error)
	Stop()
}

func New(logger *zap.Logger) DeviceWatcher {
	return newWatcher(logger.Named("watcher"))
}
