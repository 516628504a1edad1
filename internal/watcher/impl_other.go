//go:build !linux

package watcher

import (
	"context"

	"github.com/Hara602/usbguard/internal/model"
	"go.uber.org/zap"
)

// 非 Linux 平台没有 udev，只依赖定时轮询
type noopWatcher struct{}

func newWatcher(*zap.Logger) DeviceWatcher { return noopWatcher{} }

func (noopWatcher) Start(context.Context) (<-chan model.USBEvent, error) { return nil, nil }
func (noopWatcher) Stop()                                                {}
