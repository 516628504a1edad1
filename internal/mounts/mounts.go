// Package mounts enumerates mounted removable volumes.
package mounts

import (
	"context"
	"fmt"
	"strings"

	"github.com/Hara602/usbguard/internal/sysutil"
	"github.com/shirou/gopsutil/v3/disk"
)

// Enumerator 列出当前挂载的可移动卷
type Enumerator struct {
	SysFS      sysutil.SysFS
	Partitions func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
}

func New() *Enumerator {
	return &Enumerator{
		SysFS:      sysutil.DefaultSysFS(),
		Partitions: disk.PartitionsWithContext,
	}
}

// ListRemovableMounts 返回挂载点集合
func (e *Enumerator) ListRemovableMounts(ctx context.Context) (map[string]struct{}, error) {
	parts, err := e.Partitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	out := make(map[string]struct{})
	for _, p := range parts {
		// 只关心 /dev/ 开头的设备，且不是 loop 设备
		if !strings.HasPrefix(p.Device, "/dev/") || strings.HasPrefix(p.Device, "/dev/loop") {
			continue
		}
		if p.Mountpoint == "" {
			continue
		}
		if e.SysFS.IsRemovable(p.Device) {
			out[p.Mountpoint] = struct{}{}
		}
	}
	return out, nil
}
