// Package agent implements the device watch loop: it polls removable mounts, drives every
// device through its trust lifecycle and owns the per-mount content monitors.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/Hara602/usbguard/internal/metrics"
	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/monitor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Policy keys read by the loop.
const (
	PolicyDefaultUSBAction = "default_usb_action"
	PolicyAlertOnBlock     = "alert_on_block"

	ActionBlockUnknown = "block_unknown"
	ActionAllowAll     = "allow_all"
)

// Store 主循环用到的存储操作
type Store interface {
	monitor.Store
	GetDevice(ctx context.Context, id model.Identity) (*model.DeviceRecord, error)
	UpsertDevice(ctx context.Context, mountPoint string, id model.Identity, vendor, product string, initial model.DeviceStatus) (*model.DeviceRecord, error)
	DetachDevice(ctx context.Context, id model.Identity) error
}

// MountLister 当前挂载的可移动卷
type MountLister interface {
	ListRemovableMounts(ctx context.Context) (map[string]struct{}, error)
}

// Resolver 挂载点 -> 设备信息
type Resolver interface {
	Resolve(ctx context.Context, mountPath string) (model.DeviceInfo, error)
}

type Config struct {
	Interval time.Duration
	Username string
}

// Deps Monitor 为所有内容监控器共享的依赖，其中 Alerter/Enforcer 也被主循环使用
type Deps struct {
	Store    Store
	Mounts   MountLister
	Resolver Resolver
	Monitor  monitor.Deps
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Hints 可选的 udev 提示，收到后立即执行一次轮询
	Hints <-chan model.USBEvent
}

// attachment 一次插入会话
type attachment struct {
	mount    string
	identity model.Identity
	info     model.DeviceInfo
	status   model.DeviceStatus
	monitor  *monitor.Monitor

	// 监控器报告违规但未能写入 blocked 状态，需要主循环重试
	blockPending bool
}

// Agent 设备监控主循环。attached 与其中的监控器只在 Run 所在的 goroutine 中访问。
type Agent struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	session string

	attached map[string]*attachment
	signals  chan model.MonitorSignal
}

func New(cfg Config, deps Deps) *Agent {
	return &Agent{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.Named("agent"),
		session:  uuid.NewString(),
		attached: make(map[string]*attachment),
		signals:  make(chan model.MonitorSignal, 16),
	}
}

// Run 运行直到 ctx 取消。返回前会停止并等待所有内容监控器退出。
// 主循环内的 panic 会被恢复并作为错误返回。
func (a *Agent) Run(ctx context.Context) (err error) {
	a.log.Info("🛡️ USB Guard agent loop starting", zap.Duration("interval", a.cfg.Interval), zap.String("session", a.session))
	a.audit(ctx, model.LevelInfo, model.EventAgentStarted, nil, "Agent started (session "+a.session+")")

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("💥 Agent loop panicked, shutting down monitors", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("agent loop panic: %v", r)
		}
		a.shutdown(context.WithoutCancel(ctx))
	}()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	hints := a.deps.Hints
	a.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.cycle(ctx)
		case sig := <-a.signals:
			a.handleSignal(ctx, sig)
		case ev, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			a.log.Debug("udev hint, polling now", zap.String("action", ev.Action), zap.String("dev", ev.DevicePath))
			a.cycle(ctx)
		}
	}
}

// handleSignal 内容监控器请求拆除自己
func (a *Agent) handleSignal(ctx context.Context, sig model.MonitorSignal) {
	att, ok := a.attached[sig.MountPoint]
	if !ok || att.identity != sig.Identity {
		// 设备已拔出或挂载点已换成其他设备
		return
	}
	a.stopMonitor(att)
	defer a.updateGauges()

	if sig.Kind == model.SignalMonitorFailed {
		// 状态不变，下一轮复查时重新启动监控
		a.log.Error("Content monitor failed", zap.String("mount", att.mount), zap.String("reason", sig.Reason))
		a.audit(ctx, model.LevelError, model.EventMonitorError, att,
			fmt.Sprintf("Monitor for %s failed: %s", att.mount, sig.Reason))
		return
	}
	att.status = model.StatusBlocked
	att.blockPending = !sig.Blocked
	a.log.Warn("⛔ Monitor stopped after DLP violation",
		zap.String("mount", att.mount), zap.String("identity", att.identity.Key()), zap.String("reason", sig.Reason))
	if att.blockPending {
		a.retryBlock(ctx, att)
	}
}

func (a *Agent) shutdown(ctx context.Context) {
	for _, att := range a.attached {
		a.stopMonitor(att)
	}
	a.updateGauges()
	a.audit(ctx, model.LevelInfo, model.EventAgentStopped, nil, "Agent stopped")
	a.log.Info("Agent loop stopped")
}

// activeMonitors 当前正在监控的挂载点
func (a *Agent) activeMonitors() []string {
	var out []string
	for mount, att := range a.attached {
		if att.monitor != nil {
			out = append(out, mount)
		}
	}
	return out
}

func (a *Agent) updateGauges() {
	a.deps.Metrics.AttachedDevices.Set(float64(len(a.attached)))
	a.deps.Metrics.ActiveMonitors.Set(float64(len(a.activeMonitors())))
}

func (a *Agent) audit(ctx context.Context, level string, event model.EventType, att *attachment, msg string) {
	rec := model.LogRecord{
		Level:     level,
		EventType: event,
		Username:  a.cfg.Username,
		Message:   msg,
	}
	if att != nil {
		rec.DeviceID = att.identity.Key()
		rec.MountPoint = att.mount
	}
	if err := a.deps.Store.AppendLog(ctx, rec); err != nil {
		a.log.Warn("Failed to append audit log", zap.String("event", string(event)), zap.Error(err))
	}
}
