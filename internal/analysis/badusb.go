package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	DeviceTypeBadUSB  = "BADUSB_SUSPECT"
	DeviceTypeUDisk   = "udisk"
	DeviceTypeOther   = "other"
	DeviceTypeUnknown = "unknown"
)

// USB interface class codes, see usb.org class codes.
const (
	classHID         = "03"
	classMassStorage = "08"
)

// CheckBadUSB 如果一个 USB 设备树下同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB
// usbRoot 为 sysfs 中的 USB 设备根目录
func CheckBadUSB(usbRoot string) (bool, string) {
	files, err := os.ReadDir(usbRoot)
	if err != nil {
		return false, DeviceTypeUnknown
	}
	hasStorage := false
	hasHID := false
	for _, f := range files {
		// 遍历接口目录，例如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, _ := os.ReadFile(filepath.Join(usbRoot, f.Name(), "bInterfaceClass"))
		switch strings.TrimSpace(string(content)) {
		case classHID:
			hasHID = true
		case classMassStorage:
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return true, DeviceTypeBadUSB
	case hasStorage:
		return false, DeviceTypeUDisk
	}
	return false, DeviceTypeOther
}
