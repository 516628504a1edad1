package model

import "time"

// USBEvent 硬件插拔事件 (来自 udev，仅作为提前轮询的提示)
type USBEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	MountPoint string // e.g., /media/usb, remove 事件为空
	TimeStamp  time.Time
}

// FileEvent 设备上的文件活动
type FileEvent struct {
	MountPoint string
	FilePath   string
	Operation  string // "CREATE", "WRITE"
	TimeStamp  time.Time
}

// SignalKind 内容监控器发回主循环的信号类型
type SignalKind int

const (
	// SignalStopRequested 监控器请求主循环拆除自己 (设备已被自动阻断)
	SignalStopRequested SignalKind = iota + 1
	// SignalMonitorFailed 监控器事件 goroutine 异常退出，设备状态不变
	SignalMonitorFailed
)

// MonitorSignal 内容监控器 -> 主循环 的消息。
// 监控器从不直接修改主循环持有的 map。
type MonitorSignal struct {
	Kind       SignalKind
	MountPoint string
	Identity   Identity
	Reason     string
	Blocked    bool // 监控器是否已成功写入 blocked 状态，false 时由主循环重试
}
