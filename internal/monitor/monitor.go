// Package monitor watches one mounted removable device for file writes and
// reacts to sensitive content.
package monitor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/enforcer"
	"github.com/Hara602/usbguard/internal/metrics"
	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/notify"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store 监控器用到的存储操作
type Store interface {
	analysis.RuleSource
	SetDeviceStatus(ctx context.Context, id model.Identity, status model.DeviceStatus, reason string) error
	AppendLog(ctx context.Context, rec model.LogRecord) error
}

// Deps 所有监控器共享的依赖
type Deps struct {
	Store    Store
	Scanner  *analysis.Scanner
	Alerter  notify.Alerter
	Beeper   notify.Beeper
	Enforcer enforcer.Deauthorizer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Config 单个设备
type Config struct {
	MountPoint string
	Identity   model.Identity
	BusPath    string
	Username   string
}

// Monitor 单个挂载点的内容监控
type Monitor struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	signals chan<- model.MonitorSignal

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once

	// 只在事件 goroutine 中读写
	blocked bool

	readFile func(name string) ([]byte, error)
	remove   func(name string) error
}

// New 创建监控器；signals 由主循环持有，监控器只往里发送
func New(cfg Config, deps Deps, signals chan<- model.MonitorSignal) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("monitor").With(zap.String("mount", cfg.MountPoint), zap.String("identity", cfg.Identity.Key())),
		signals: signals,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),

		readFile: os.ReadFile,
		remove:   os.Remove,
	}
}

func (m *Monitor) MountPoint() string { return m.cfg.MountPoint }

// Start 递归添加监控目录并启动事件 goroutine
func (m *Monitor) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(m.cfg.MountPoint); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", m.cfg.MountPoint, err)
	}
	m.watcher = w
	m.addTree(m.cfg.MountPoint, false)

	go m.run()
	m.log.Info("👀 Monitoring started")
	return nil
}

// Stop 停止并等待事件 goroutine 退出。可重复调用。
// 不能在事件 goroutine 内调用。
func (m *Monitor) Stop() {
	m.stop.Do(func() {
		m.cancel()
		if m.watcher == nil {
			close(m.done)
			return
		}
		m.watcher.Close()
		<-m.done
		m.log.Info("Monitoring stopped")
	})
}

func (m *Monitor) run() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("💥 Monitor panicked, requesting teardown", zap.Any("panic", r), zap.Stack("stack"))
			m.blocked = true
			m.send(model.MonitorSignal{
				Kind:       model.SignalMonitorFailed,
				MountPoint: m.cfg.MountPoint,
				Identity:   m.cfg.Identity,
				Reason:     fmt.Sprint(r),
			})
		}
	}()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("Filesystem watcher error", zap.Error(err))
		}
	}
}

func (m *Monitor) handleEvent(ev fsnotify.Event) {
	// 设备已被阻断，等待主循环拆除
	if m.blocked {
		return
	}
	op := operation(ev.Op)
	if op == "" {
		return
	}

	info, err := os.Lstat(ev.Name)
	if err != nil {
		// 文件在事件送达前已被删除或改名
		m.log.Debug("File vanished before scan", zap.String("file", ev.Name), zap.Error(err))
		return
	}
	if info.IsDir() {
		if ev.Op.Has(fsnotify.Create) {
			m.addTree(ev.Name, true)
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	m.scanFile(model.FileEvent{
		MountPoint: m.cfg.MountPoint,
		FilePath:   ev.Name,
		Operation:  op,
		TimeStamp:  time.Now(),
	})
}

// addTree 为 root 及其子目录添加监控；scanFiles 为 true 时顺带扫描已有文件
// (新建目录时文件可能在监控生效前就已写入)
func (m *Monitor) addTree(root string, scanFiles bool) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			m.log.Warn("Cannot walk path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if m.blocked {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != m.cfg.MountPoint {
				if err := m.watcher.Add(path); err != nil {
					m.log.Warn("Failed to watch directory", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		}
		if scanFiles && d.Type().IsRegular() {
			m.scanFile(model.FileEvent{
				MountPoint: m.cfg.MountPoint,
				FilePath:   path,
				Operation:  opCreate,
				TimeStamp:  time.Now(),
			})
		}
		return nil
	})
}

// send 主循环正在 Stop 本监控器时不会读取通道，此时尽量放入缓冲后返回
func (m *Monitor) send(sig model.MonitorSignal) {
	select {
	case m.signals <- sig:
	case <-m.ctx.Done():
		select {
		case m.signals <- sig:
		default:
		}
	}
}

const (
	opCreate = "CREATE"
	opWrite  = "WRITE"
)

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return opCreate
	case op.Has(fsnotify.Write):
		return opWrite
	}
	return ""
}
