package monitor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/metrics"
	"github.com/Hara602/usbguard/internal/model"
	"go.uber.org/zap"
)

func (m *Monitor) scanFile(ev model.FileEvent) {
	path := ev.FilePath

	rs, err := analysis.LoadRuleset(m.ctx, m.deps.Store)
	if err != nil {
		m.log.Error("Failed to load DLP rules", zap.String("file", path), zap.Error(err))
		m.deps.Metrics.Scans.WithLabelValues(metrics.ScanError).Inc()
		return
	}

	if rs.LogFileEvents {
		if ev.Operation == opCreate {
			m.audit(model.LevelInfo, model.EventFileCreated, fmt.Sprintf("New file created on USB %s: %s", m.cfg.MountPoint, path))
		} else {
			m.audit(model.LevelInfo, model.EventFileModified, fmt.Sprintf("File modified on USB %s: %s", m.cfg.MountPoint, path))
		}
	}

	if rs.Empty() {
		m.deps.Metrics.Scans.WithLabelValues(metrics.ScanSkipped).Inc()
		return
	}

	m.audit(model.LevelInfo, model.EventScanStart, "Scanning: "+path)
	data, err := m.readFile(path)
	if err != nil {
		m.log.Warn("Error scanning file", zap.String("file", path), zap.Error(err))
		m.audit(model.LevelWarn, model.EventScanError, fmt.Sprintf("Error scanning %s: %v", path, err))
		m.deps.Metrics.Scans.WithLabelValues(metrics.ScanError).Inc()
		return
	}

	match, invalid := m.deps.Scanner.Scan(rs, filepath.Base(path), data)
	for _, inv := range invalid {
		m.log.Warn("Invalid regex pattern skipped", zap.String("pattern", inv.Pattern), zap.Error(inv.Err))
		m.audit(model.LevelWarn, model.EventRuleInvalid, fmt.Sprintf("Invalid regex pattern %s: %v", inv.Pattern, inv.Err))
	}

	if match == nil {
		m.audit(model.LevelInfo, model.EventScanSafe, "Clean: "+path)
		m.deps.Metrics.Scans.WithLabelValues(metrics.ScanClean).Inc()
		return
	}
	m.handleViolation(path, match)
}

// handleViolation 顺序固定：声音 -> 删除 -> 审计 -> 告警 -> 阻断 -> 请求拆除。
// 删除失败时设备状态不变，继续监控。删除成功后的步骤不受 Stop 影响。
func (m *Monitor) handleViolation(path string, match *analysis.Match) {
	m.deps.Beeper.Beep()

	if err := m.remove(path); err != nil {
		m.log.Error("Failed to delete offending file", zap.String("file", path), zap.String("rule", match.Rule), zap.Error(err))
		m.audit(model.LevelError, model.EventScanError, fmt.Sprintf("Failed to delete %s (%s): %v", path, match.Reason, err))
		m.deps.Metrics.Scans.WithLabelValues(metrics.ScanError).Inc()
		return
	}
	m.blocked = true
	ctx := context.WithoutCancel(m.ctx)
	m.deps.Metrics.Scans.WithLabelValues(metrics.ScanViolation).Inc()
	m.deps.Metrics.Violations.Inc()

	msg := fmt.Sprintf("DLP VIOLATION: File '%s' deleted. Reason: %s", path, match.Reason)
	m.log.Error("🚨 "+msg, zap.String("rule", match.Rule), zap.String("kind", match.Kind))
	m.auditCtx(ctx, model.LevelCritical, model.EventDLPViolation, msg)

	m.deps.Alerter.SendAlert(ctx, "USBGuard: DLP Violation Detected",
		fmt.Sprintf("%s\nUser: %s\nDevice: %s\nMount: %s", msg, m.cfg.Username, m.cfg.Identity.Key(), m.cfg.MountPoint))

	persisted := true
	if err := m.deps.Store.SetDeviceStatus(ctx, m.cfg.Identity, model.StatusBlocked, model.ReasonAutoBlockedMalicious); err != nil {
		persisted = false
		m.log.Error("Failed to auto-block device", zap.Error(err))
	} else {
		m.auditCtx(ctx, model.LevelCritical, model.EventUSBBlockedMalicious,
			fmt.Sprintf("USB at %s auto-blocked due to malicious content.", m.cfg.MountPoint))
	}
	if err := m.deps.Enforcer.Deauthorize(m.cfg.BusPath); err != nil {
		m.log.Warn("USB de-authorization failed", zap.String("bus", m.cfg.BusPath), zap.Error(err))
	}

	m.send(model.MonitorSignal{
		Kind:       model.SignalStopRequested,
		MountPoint: m.cfg.MountPoint,
		Identity:   m.cfg.Identity,
		Reason:     match.Reason,
		Blocked:    persisted,
	})
}

func (m *Monitor) audit(level string, event model.EventType, msg string) {
	m.auditCtx(m.ctx, level, event, msg)
}

func (m *Monitor) auditCtx(ctx context.Context, level string, event model.EventType, msg string) {
	err := m.deps.Store.AppendLog(ctx, model.LogRecord{
		Level:      level,
		EventType:  event,
		Username:   m.cfg.Username,
		DeviceID:   m.cfg.Identity.Key(),
		MountPoint: m.cfg.MountPoint,
		Message:    msg,
	})
	if err != nil {
		m.log.Warn("Failed to append audit log", zap.String("event", string(event)), zap.Error(err))
	}
}
