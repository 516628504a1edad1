package sysutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SysFS 对 /sys 的只读访问，Root 可指向测试用的假目录树
type SysFS struct {
	Root string
}

func DefaultSysFS() SysFS { return SysFS{Root: "/sys"} }

// BlockSysPath 返回块设备 (e.g. sdb1 或 /dev/sdb1) 在 sysfs 中的真实路径
func (s SysFS) BlockSysPath(devName string) (string, error) {
	p := filepath.Join(s.Root, "class", "block", filepath.Base(devName))
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return real, nil
}

// DevNameForNumber 通过 /sys/dev/block/MAJ:MIN 找到设备名 (e.g. "sdb1")
func (s SysFS) DevNameForNumber(major, minor uint32) (string, error) {
	p := filepath.Join(s.Root, "dev", "block", fmt.Sprintf("%d:%d", major, minor))
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return filepath.Base(real), nil
}

// FindUSBRoot 递归向上查找包含 idVendor 的目录（即 USB Device 根目录）
// 找不到时返回空字符串
func (s SysFS) FindUSBRoot(path string) string {
	dir := path
	// 向上回溯最多 10 层，通常 USB 设备在 sysfs 树的上层
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." || dir == s.Root || !strings.HasPrefix(dir, s.Root) {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	return ""
}

// IsRemovable 块设备挂在 USB 总线上，或者内核标记了 removable
func (s SysFS) IsRemovable(devName string) bool {
	sysPath, err := s.BlockSysPath(devName)
	if err != nil {
		return false
	}
	if s.FindUSBRoot(sysPath) != "" {
		return true
	}
	// 分区本身没有 removable 属性，看父磁盘
	for _, dir := range []string{sysPath, filepath.Dir(sysPath)} {
		if ReadAttr(filepath.Join(dir, "removable")) == "1" {
			return true
		}
	}
	return false
}

// ReadAttr 读取 sysfs 属性，失败返回空字符串
func ReadAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
