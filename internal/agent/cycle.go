package agent

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/monitor"
	"go.uber.org/zap"
)

// cycle 一次轮询：枚举 -> 新设备 -> 拔出 -> 状态复查
func (a *Agent) cycle(ctx context.Context) {
	defer a.updateGauges()

	current, err := a.deps.Mounts.ListRemovableMounts(ctx)
	if err != nil {
		// 枚举失败不能当作全部拔出处理，跳过本轮
		a.log.Error("Failed to enumerate removable mounts", zap.Error(err))
		a.deps.Metrics.PollErrors.Inc()
		return
	}
	a.deps.Metrics.PollCycles.Inc()

	for _, mount := range slices.Sorted(maps.Keys(a.attached)) {
		if _, ok := current[mount]; !ok {
			a.detach(ctx, a.attached[mount])
		}
	}

	fresh := make(map[string]bool)
	for _, mount := range slices.Sorted(maps.Keys(current)) {
		if _, ok := a.attached[mount]; ok {
			continue
		}
		if err := a.attach(ctx, mount); err != nil {
			// 不记入 attached，下一轮重试
			a.log.Error("Failed to evaluate new device", zap.String("mount", mount), zap.Error(err))
			a.deps.Metrics.PollErrors.Inc()
			continue
		}
		fresh[mount] = true
	}

	for _, mount := range slices.Sorted(maps.Keys(a.attached)) {
		if fresh[mount] {
			continue
		}
		if err := a.reconcile(ctx, a.attached[mount]); err != nil {
			a.log.Warn("Failed to re-check device status", zap.String("mount", mount), zap.Error(err))
			a.deps.Metrics.PollErrors.Inc()
		}
	}
}

// attach 首次看到某个挂载点：解析身份，写入设备表，按状态处理
func (a *Agent) attach(ctx context.Context, mount string) error {
	info, err := a.deps.Resolver.Resolve(ctx, mount)
	if err != nil {
		a.log.Warn("Identity resolution failed, using mount path", zap.String("mount", mount), zap.Error(err))
	}
	att := &attachment{
		mount:    mount,
		identity: model.IdentityFor(info.Serial, mount),
		info:     info,
	}

	policies, err := a.deps.Store.GetPolicies(ctx)
	if err != nil {
		return fmt.Errorf("read policies: %w", err)
	}
	existing, err := a.deps.Store.GetDevice(ctx, att.identity)
	if err != nil {
		return err
	}
	initial := model.StatusPendingApproval
	if policies[PolicyDefaultUSBAction] == ActionAllowAll {
		initial = model.StatusAllowed
	}
	rec, err := a.deps.Store.UpsertDevice(ctx, mount, att.identity, info.VendorID, productName(info), initial)
	if err != nil {
		return err
	}
	att.status = rec.Status
	a.attached[mount] = att

	a.log.Info("✅ USB Connected",
		zap.String("mount", mount),
		zap.String("identity", att.identity.Key()),
		zap.String("vid", info.VendorID),
		zap.String("pid", info.ProductID),
		zap.String("product", info.Product),
		zap.String("type", info.DeviceType),
		zap.String("status", string(rec.Status)))
	a.audit(ctx, model.LevelInfo, model.EventUSBConnected, att,
		fmt.Sprintf("USB connected at %s (%s %s:%s)", mount, info.Product, info.VendorID, info.ProductID))

	if att.identity.IsFallback() {
		a.audit(ctx, model.LevelWarn, model.EventIdentityFallback, att,
			fmt.Sprintf("No hardware serial for %s, identity keyed by mount path %s", info.BlockDev, att.identity.Value()))
	}
	if info.DeviceType == analysis.DeviceTypeBadUSB {
		a.log.Error("🚨 BADUSB DETECTED", zap.String("mount", mount), zap.String("identity", att.identity.Key()))
		a.audit(ctx, model.LevelCritical, model.EventBadUSBSuspect, att,
			fmt.Sprintf("Device at %s exposes both mass storage and HID interfaces", mount))
		a.deps.Monitor.Alerter.SendAlert(ctx, "USBGuard: Possible BadUSB Device",
			fmt.Sprintf("Device %s mounted at %s exposes both storage and keyboard interfaces.\nUser: %s",
				att.identity.Key(), mount, a.cfg.Username))
	}

	switch rec.Status {
	case model.StatusAllowed:
		if existing == nil {
			if err := a.deps.Store.SetDeviceStatus(ctx, att.identity, model.StatusAllowed, model.ReasonAllowAllPolicy); err != nil {
				a.log.Warn("Failed to record allow reason", zap.String("identity", att.identity.Key()), zap.Error(err))
			}
			a.audit(ctx, model.LevelInfo, model.EventUSBAllowedWhitelist, att,
				fmt.Sprintf("New USB at %s allowed by %s policy", mount, ActionAllowAll))
		} else {
			a.audit(ctx, model.LevelInfo, model.EventUSBAllowedWhitelist, att,
				fmt.Sprintf("Whitelisted USB connected at %s", mount))
		}
		a.startMonitor(ctx, att)
	case model.StatusBlocked:
		a.onBlocked(ctx, att, policies, model.EventUSBBlockedManual,
			fmt.Sprintf("Blocked USB connected at %s", mount))
	default:
		a.log.Warn("⏳ USB pending approval", zap.String("mount", mount), zap.String("identity", att.identity.Key()))
		a.audit(ctx, model.LevelWarn, model.EventUSBPending, att,
			fmt.Sprintf("USB at %s is pending administrator approval", mount))
	}
	return nil
}

// reconcile 复查挂载期间的状态变化 (外部审批或阻断)
func (a *Agent) reconcile(ctx context.Context, att *attachment) error {
	if att.blockPending {
		a.retryBlock(ctx, att)
		return nil
	}

	rec, err := a.deps.Store.GetDevice(ctx, att.identity)
	if err != nil {
		return err
	}
	if rec == nil {
		// 管理员删除了记录，拆除后下一轮按新设备处理
		a.stopMonitor(att)
		delete(a.attached, att.mount)
		a.log.Info("Device record removed, re-evaluating", zap.String("mount", att.mount))
		return nil
	}

	prev := att.status
	att.status = rec.Status
	switch {
	case rec.Status == prev:
		// 上次启动失败则重试
		if rec.Status == model.StatusAllowed && att.monitor == nil {
			a.startMonitor(ctx, att)
		}
	case rec.Status == model.StatusAllowed:
		a.log.Info("👍 USB approved", zap.String("mount", att.mount), zap.String("identity", att.identity.Key()))
		a.audit(ctx, model.LevelInfo, model.EventUSBApproved, att,
			fmt.Sprintf("USB at %s approved while attached", att.mount))
		a.startMonitor(ctx, att)
	case rec.Status == model.StatusBlocked:
		a.stopMonitor(att)
		policies, err := a.deps.Store.GetPolicies(ctx)
		if err != nil {
			a.log.Warn("Failed to read policies", zap.Error(err))
		}
		a.onBlocked(ctx, att, policies, model.EventUSBRevoked,
			fmt.Sprintf("USB at %s blocked while attached (%s)", att.mount, rec.LastAction))
	default:
		a.stopMonitor(att)
		a.audit(ctx, model.LevelWarn, model.EventUSBPending, att,
			fmt.Sprintf("USB at %s returned to pending approval", att.mount))
	}
	return nil
}

func (a *Agent) onBlocked(ctx context.Context, att *attachment, policies map[string]string, event model.EventType, msg string) {
	a.log.Warn("⛔ "+msg, zap.String("identity", att.identity.Key()))
	a.audit(ctx, model.LevelWarn, event, att, msg)
	if policies[PolicyAlertOnBlock] == "true" {
		a.deps.Monitor.Alerter.SendAlert(ctx, "USBGuard: Blocked Device",
			fmt.Sprintf("%s\nDevice: %s\nUser: %s", msg, att.identity.Key(), a.cfg.Username))
	}
	if err := a.deps.Monitor.Enforcer.Deauthorize(att.info.BusPath); err != nil {
		a.log.Warn("USB de-authorization failed", zap.String("bus", att.info.BusPath), zap.Error(err))
	}
}

// retryBlock 补写监控器未能持久化的自动阻断
func (a *Agent) retryBlock(ctx context.Context, att *attachment) {
	err := a.deps.Store.SetDeviceStatus(ctx, att.identity, model.StatusBlocked, model.ReasonAutoBlockedMalicious)
	if err != nil {
		a.log.Error("Failed to persist auto-block, will retry", zap.String("identity", att.identity.Key()), zap.Error(err))
		return
	}
	att.blockPending = false
	a.audit(ctx, model.LevelCritical, model.EventUSBBlockedMalicious, att,
		fmt.Sprintf("USB at %s auto-blocked due to malicious content.", att.mount))
}

func (a *Agent) detach(ctx context.Context, att *attachment) {
	a.stopMonitor(att)
	delete(a.attached, att.mount)
	if err := a.deps.Store.DetachDevice(ctx, att.identity); err != nil {
		a.log.Warn("Failed to clear mount point", zap.String("identity", att.identity.Key()), zap.Error(err))
	}
	a.log.Info("❌ USB Removed", zap.String("mount", att.mount), zap.String("identity", att.identity.Key()))
	a.audit(ctx, model.LevelInfo, model.EventUSBDisconnected, att,
		fmt.Sprintf("USB removed from %s", att.mount))
}

func (a *Agent) startMonitor(ctx context.Context, att *attachment) {
	if att.monitor != nil {
		return
	}
	m := monitor.New(monitor.Config{
		MountPoint: att.mount,
		Identity:   att.identity,
		BusPath:    att.info.BusPath,
		Username:   a.cfg.Username,
	}, a.deps.Monitor, a.signals)
	if err := m.Start(); err != nil {
		m.Stop()
		a.log.Error("Failed to start content monitor", zap.String("mount", att.mount), zap.Error(err))
		a.audit(ctx, model.LevelError, model.EventMonitorError, att,
			fmt.Sprintf("Failed to monitor %s: %v", att.mount, err))
		return
	}
	att.monitor = m
}

func (a *Agent) stopMonitor(att *attachment) {
	if att.monitor == nil {
		return
	}
	att.monitor.Stop()
	att.monitor = nil
}

func productName(info model.DeviceInfo) string {
	if info.Product != "" {
		return info.Product
	}
	return info.ProductID
}
