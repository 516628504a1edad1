package model

import "time"

// Audit levels.
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// EventType 审计事件类型
type EventType string

const (
	EventAgentStarted        EventType = "agent_started"
	EventAgentStopped        EventType = "agent_stopped"
	EventUSBConnected        EventType = "usb_connected"
	EventUSBDisconnected     EventType = "usb_disconnected"
	EventIdentityFallback    EventType = "identity_fallback"
	EventBadUSBSuspect       EventType = "badusb_suspect"
	EventUSBAllowedWhitelist EventType = "usb_allowed_whitelist"
	EventUSBBlockedManual    EventType = "usb_blocked_manual"
	EventUSBPending          EventType = "usb_pending"
	EventUSBApproved         EventType = "usb_approved"
	EventUSBRevoked          EventType = "usb_revoked"
	EventMonitorError        EventType = "monitor_error"
	EventFileCreated         EventType = "file_created_usb"
	EventFileModified        EventType = "file_modified_usb"
	EventScanStart           EventType = "scan_start"
	EventScanSafe            EventType = "scan_safe"
	EventScanError           EventType = "scan_error"
	EventRuleInvalid         EventType = "rule_invalid"
	EventDLPViolation        EventType = "dlp_violation"
	EventUSBBlockedMalicious EventType = "usb_blocked_malicious"
)

// LogRecord 审计日志，只追加
type LogRecord struct {
	ID         int64
	EventID    string
	Timestamp  time.Time
	Level      string
	EventType  EventType
	Username   string
	DeviceID   string // Identity.Key()，可为空
	MountPoint string
	Message    string
}

// KeywordRule 敏感关键字
type KeywordRule struct {
	ID      int64
	Keyword string
}

// RegexRule 敏感正则
type RegexRule struct {
	ID          int64
	Pattern     string
	Description string
}
