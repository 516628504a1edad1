//go:build linux

package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	log    *zap.Logger
	events chan model.USBEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

func newWatcher(logger *zap.Logger) DeviceWatcher {
	return &linuxWatcher{
		log:    logger,
		events: make(chan model.USBEvent, 16),
	}
}

func (w *linuxWatcher) Start(ctx context.Context) (<-chan model.USBEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect udev netlink: %w", err)
	}
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, nil)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				close(quit)
				return
			case err := <-errs:
				// 底层网络错误不致命，轮询仍会兜底
				w.log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handle(ctx, uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.stop.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *linuxWatcher) handle(ctx context.Context, uevent netlink.UEvent) {
	action, devName, ok := partitionEvent(uevent)
	if !ok {
		return
	}
	switch action {
	case "add":
		// 挂载通常晚于 uevent，等待挂载完成后再提示
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			mountPoint := sysutil.WaitForMount(ctx, devName)
			if mountPoint == "" {
				w.log.Debug("Partition added but not mounted (yet)", zap.String("dev", devName))
			}
			w.emit(model.USBEvent{Action: action, DevicePath: devName, MountPoint: mountPoint, TimeStamp: time.Now()})
		}()
	case "remove":
		w.emit(model.USBEvent{Action: action, DevicePath: devName, TimeStamp: time.Now()})
	}
}

// emit 提示可以丢弃，主循环下一次轮询会补上
func (w *linuxWatcher) emit(ev model.USBEvent) {
	select {
	case w.events <- ev:
		w.log.Debug("USB hint", zap.String("action", ev.Action), zap.String("dev", ev.DevicePath), zap.String("mount", ev.MountPoint))
	default:
	}
}

// partitionEvent 只关心块设备分区的 add/remove
func partitionEvent(uevent netlink.UEvent) (action, devName string, ok bool) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return "", "", false
	}
	action = string(uevent.Action)
	if action != "add" && action != "remove" {
		return "", "", false
	}
	// UEvent Env 示例: DEVNAME=sdb1 或 /dev/sdb1
	devName = uevent.Env["DEVNAME"]
	if devName == "" {
		return "", "", false
	}
	if !strings.HasPrefix(devName, "/dev/") {
		devName = "/dev/" + devName
	}
	return action, devName, true
}
