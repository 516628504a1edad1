package enforcer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Deauthorizer 在总线层面禁用一个 USB 设备
type Deauthorizer interface {
	Deauthorize(busPath string) error
}

// Sysfs 通过 Sysfs 禁用设备
type Sysfs struct{}

// Deauthorize busPath 为 USB 设备根目录，例如 /sys/devices/pci0000:00/.../usb1/1-1
// 写入 "0" 代表物理层级禁用，设备重新插拔后由内核重新授权
func (Sysfs) Deauthorize(busPath string) error {
	if busPath == "" {
		return fmt.Errorf("deauthorize: no usb bus path")
	}
	path := filepath.Join(busPath, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return fmt.Errorf("deauthorize %s: %w", busPath, err)
	}
	return nil
}

// Noop 未开启强制阻断时使用
type Noop struct{}

func (Noop) Deauthorize(string) error { return nil }
