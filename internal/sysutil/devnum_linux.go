//go:build linux

package sysutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DeviceNumber 返回 path 所在文件系统的设备号 (st_dev)
func DeviceNumber(path string) (major, minor uint32, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	dev := uint64(st.Dev)
	return unix.Major(dev), unix.Minor(dev), nil
}
