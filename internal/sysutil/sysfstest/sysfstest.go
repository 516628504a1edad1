// Package sysfstest builds a miniature /sys tree for tests.
package sysfstest

import (
	"os"
	"path/filepath"
	"testing"
)

// Tree 测试用 sysfs：一个 U 盘 (sdb1，USB 存储接口) 和一块 SATA 盘 (sda1)
type Tree struct {
	Root    string
	USBRoot string // USB 设备根目录 (含 idVendor)
}

const (
	USBVendor  = "0951"
	USBProduct = "1666"
	USBSerial  = "60A44C413E4AF1B0"
	USBName    = "DataTraveler 3.0"
)

// Build 创建目录树。hid 为 true 时 U 盘额外带一个 HID 接口 (BadUSB 特征)。
func Build(t testing.TB, hid bool) Tree {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	usbRoot := filepath.Join(root, "devices", "pci0000:00", "0000:00:14.0", "usb1", "1-1")
	storageIf := filepath.Join(usbRoot, "1-1:1.0")
	disk := filepath.Join(storageIf, "host6", "target6:0:0", "6:0:0:0", "block", "sdb")
	part := filepath.Join(disk, "sdb1")

	mkdir(t, part)
	write(t, filepath.Join(usbRoot, "idVendor"), USBVendor)
	write(t, filepath.Join(usbRoot, "idProduct"), USBProduct)
	write(t, filepath.Join(usbRoot, "serial"), USBSerial)
	write(t, filepath.Join(usbRoot, "product"), USBName)
	write(t, filepath.Join(usbRoot, "authorized"), "1")
	write(t, filepath.Join(storageIf, "bInterfaceClass"), "08")
	write(t, filepath.Join(disk, "removable"), "1")
	if hid {
		hidIf := filepath.Join(usbRoot, "1-1:1.1")
		mkdir(t, hidIf)
		write(t, filepath.Join(hidIf, "bInterfaceClass"), "03")
	}

	sata := filepath.Join(root, "devices", "pci0000:00", "0000:00:17.0", "ata1", "host0", "block", "sda")
	sataPart := filepath.Join(sata, "sda1")
	mkdir(t, sataPart)
	write(t, filepath.Join(sata, "removable"), "0")

	mkdir(t, filepath.Join(root, "class", "block"))
	mkdir(t, filepath.Join(root, "dev", "block"))
	link(t, part, filepath.Join(root, "class", "block", "sdb1"))
	link(t, sataPart, filepath.Join(root, "class", "block", "sda1"))
	link(t, part, filepath.Join(root, "dev", "block", "8:17"))
	link(t, sataPart, filepath.Join(root, "dev", "block", "8:1"))

	return Tree{Root: root, USBRoot: usbRoot}
}

func mkdir(t testing.TB, p string) {
	t.Helper()
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
}

func write(t testing.TB, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func link(t testing.TB, target, name string) {
	t.Helper()
	if err := os.Symlink(target, name); err != nil {
		t.Fatal(err)
	}
}
