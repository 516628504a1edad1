// Package identity resolves a mounted removable volume to a best-effort hardware identity.
package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/sysutil"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Resolver 挂载点 -> 设备信息。
// 序列号按优先级尝试：文件系统 UUID (卷序列号) -> udev ID_SERIAL -> USB serial 属性。
type Resolver struct {
	SysFS     sysutil.SysFS
	ByUUIDDir string

	// 以下函数可在测试中替换
	DevLookup  func(mountPath string) (string, error)
	UdevSerial func(ctx context.Context, devPath string) (string, error)

	log *zap.Logger
}

func New(logger *zap.Logger) *Resolver {
	r := &Resolver{
		SysFS:      sysutil.DefaultSysFS(),
		ByUUIDDir:  "/dev/disk/by-uuid",
		UdevSerial: disk.SerialNumberWithContext,
		log:        logger.Named("identity"),
	}
	r.DevLookup = r.devNameForMount
	return r
}

// Resolve 尽力采集；返回 error 时 info 仍可能包含部分字段，Serial 为空表示需要退化为挂载路径
func (r *Resolver) Resolve(ctx context.Context, mountPath string) (model.DeviceInfo, error) {
	info := model.DeviceInfo{DeviceType: analysis.DeviceTypeUnknown}

	devName, err := r.DevLookup(mountPath)
	if err != nil {
		return info, fmt.Errorf("resolve block device for %s: %w", mountPath, err)
	}
	info.BlockDev = "/dev/" + devName

	if sysPath, err := r.SysFS.BlockSysPath(devName); err == nil {
		if usbRoot := r.SysFS.FindUSBRoot(sysPath); usbRoot != "" {
			info.BusPath = usbRoot
			info.VendorID = sysutil.ReadAttr(filepath.Join(usbRoot, "idVendor"))
			info.ProductID = sysutil.ReadAttr(filepath.Join(usbRoot, "idProduct"))
			info.Product = sysutil.ReadAttr(filepath.Join(usbRoot, "product"))
			_, info.DeviceType = analysis.CheckBadUSB(usbRoot)
		}
	}

	if uuid := r.volumeUUID(devName); uuid != "" {
		info.Serial = uuid
		return info, nil
	}

	if r.UdevSerial != nil {
		serial, err := r.UdevSerial(ctx, info.BlockDev)
		if err == nil && usableSerial(serial) {
			info.Serial = strings.TrimSpace(serial)
			return info, nil
		}
		if err != nil {
			r.log.Debug("udev serial lookup failed", zap.String("dev", info.BlockDev), zap.Error(err))
		}
	}

	if info.BusPath != "" {
		if serial := sysutil.ReadAttr(filepath.Join(info.BusPath, "serial")); usableSerial(serial) {
			info.Serial = serial
		}
	}
	return info, nil
}

// volumeUUID 在 /dev/disk/by-uuid 中查找指向 devName 的链接
func (r *Resolver) volumeUUID(devName string) string {
	entries, err := os.ReadDir(r.ByUUIDDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(r.ByUUIDDir, e.Name()))
		if err != nil {
			continue
		}
		if filepath.Base(target) == devName {
			return e.Name()
		}
	}
	return ""
}

func (r *Resolver) devNameForMount(mountPath string) (string, error) {
	major, minor, err := sysutil.DeviceNumber(mountPath)
	if err != nil {
		return "", err
	}
	return r.SysFS.DevNameForNumber(major, minor)
}

// 部分廉价 U 盘上报全 0 序列号，不能作为身份
func usableSerial(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "unknown" {
		return false
	}
	return strings.Trim(s, "0") != ""
}
