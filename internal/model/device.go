package model

import (
	"fmt"
	"strings"
	"time"
)

// DeviceStatus 设备信任状态
type DeviceStatus string

const (
	StatusPendingApproval DeviceStatus = "pending_approval"
	StatusAllowed         DeviceStatus = "allowed"
	StatusBlocked         DeviceStatus = "blocked"
)

// Valid reports whether s is one of the three persisted statuses.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusAllowed, StatusBlocked:
		return true
	}
	return false
}

// Reasons recorded in DeviceRecord.LastAction.
const (
	ReasonAutoBlockedMalicious = "auto_blocked_malicious"
	ReasonManuallyBlocked      = "manually_blocked"
	ReasonAllowAllPolicy       = "allow_all_policy"
)

// identityKind 区分稳定的硬件标识和挂载路径退化标识
type identityKind int

const (
	identitySerial identityKind = iota + 1
	identityMountFallback
)

const (
	serialPrefix = "serial:"
	mountPrefix  = "mount:"
)

// Identity 设备身份。序列号取不到时退化为挂载路径。
// 退化身份在不同挂载点之间不稳定：同一挂载点先后插入的两个设备会被当作同一个，
// 同一设备换了挂载点会被当作新设备。调用方用 IsFallback() 区分。
type Identity struct {
	kind  identityKind
	value string
}

func SerialIdentity(serial string) Identity {
	return Identity{kind: identitySerial, value: serial}
}

func MountFallbackIdentity(mountPath string) Identity {
	return Identity{kind: identityMountFallback, value: mountPath}
}

// IdentityFor picks the serial when present, otherwise the mount path.
func IdentityFor(serial, mountPath string) Identity {
	if s := strings.TrimSpace(serial); s != "" {
		return SerialIdentity(s)
	}
	return MountFallbackIdentity(mountPath)
}

// ParseIdentity is the inverse of Identity.Key.
func ParseIdentity(key string) (Identity, error) {
	switch {
	case strings.HasPrefix(key, serialPrefix) && len(key) > len(serialPrefix):
		return SerialIdentity(key[len(serialPrefix):]), nil
	case strings.HasPrefix(key, mountPrefix) && len(key) > len(mountPrefix):
		return MountFallbackIdentity(key[len(mountPrefix):]), nil
	}
	return Identity{}, fmt.Errorf("invalid identity key %q", key)
}

func (i Identity) Value() string    { return i.value }
func (i Identity) IsFallback() bool { return i.kind == identityMountFallback }
func (i Identity) IsZero() bool     { return i.kind == 0 }

// Key 持久化用的键，带前缀防止序列号和路径混淆
func (i Identity) Key() string {
	switch i.kind {
	case identitySerial:
		return serialPrefix + i.value
	case identityMountFallback:
		return mountPrefix + i.value
	}
	return ""
}

func (i Identity) String() string { return i.Key() }

// DeviceInfo 从系统中采集到的设备信息
type DeviceInfo struct {
	Serial     string // 卷序列号或硬件序列号，空表示取不到
	BlockDev   string // e.g., /dev/sdb1
	VendorID   string
	ProductID  string
	Product    string
	DeviceType string // "udisk", "BADUSB_SUSPECT", "other", "unknown"
	BusPath    string // sysfs USB 设备根目录，用于 de-authorize
}

// DeviceRecord 设备表中的一行
type DeviceRecord struct {
	ID         int64
	Identity   Identity
	MountPoint string
	Vendor     string
	Product    string
	Status     DeviceStatus
	LastAction string
	FirstSeen  time.Time
	LastSeen   time.Time
}
