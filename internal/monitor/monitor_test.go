package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/enforcer"
	"github.com/Hara602/usbguard/internal/metrics"
	"github.com/Hara602/usbguard/internal/model"
	"github.com/Hara602/usbguard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) SendAlert(_ context.Context, subject, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

type countBeeper struct {
	mu sync.Mutex
	n  int
}

func (b *countBeeper) Beep() {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

func (b *countBeeper) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// gatedStore 在写入 dlp_violation 审计时挂起，直到 release 被关闭
type gatedStore struct {
	*store.Store
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) AppendLog(ctx context.Context, rec model.LogRecord) error {
	if rec.EventType == model.EventDLPViolation {
		g.once.Do(func() { close(g.reached) })
		<-g.release
	}
	return g.Store.AppendLog(ctx, rec)
}

type fixture struct {
	store   *store.Store
	alerter *fakeAlerter
	beeper  *countBeeper
	metrics *metrics.Metrics
	signals chan model.MonitorSignal
	mount   string
	id      model.Identity
	mon     *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "usb_guard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:   s,
		alerter: &fakeAlerter{},
		beeper:  &countBeeper{},
		metrics: metrics.New(prometheus.NewRegistry()),
		signals: make(chan model.MonitorSignal, 4),
		mount:   t.TempDir(),
		id:      model.SerialIdentity("60A44C413E4AF1B0"),
	}
	_, err = s.UpsertDevice(ctx, f.mount, f.id, "0951", "1666", model.StatusAllowed)
	require.NoError(t, err)

	f.mon = New(Config{MountPoint: f.mount, Identity: f.id, Username: "alice"}, Deps{
		Store:    s,
		Scanner:  analysis.NewScanner(),
		Alerter:  f.alerter,
		Beeper:   f.beeper,
		Enforcer: enforcer.Noop{},
		Metrics:  f.metrics,
		Logger:   zaptest.NewLogger(t),
	}, f.signals)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mon.Start())
	t.Cleanup(f.mon.Stop)
}

func (f *fixture) hasEvent(t *testing.T, event model.EventType) bool {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), 0)
	require.NoError(t, err)
	for _, l := range logs {
		if l.EventType == event {
			return true
		}
	}
	return false
}

func TestMonitor_KeywordViolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.start(t)

	path := filepath.Join(f.mount, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("this is SECRET data"), 0o644))

	var sig model.MonitorSignal
	select {
	case sig = <-f.signals:
	case <-time.After(5 * time.Second):
		t.Fatal("no stop signal received")
	}
	assert.Equal(t, model.SignalStopRequested, sig.Kind)
	assert.Equal(t, f.mount, sig.MountPoint)
	assert.Equal(t, f.id, sig.Identity)
	assert.Equal(t, "Keyword: SECRET", sig.Reason)
	assert.True(t, sig.Blocked)

	assert.NoFileExists(t, path)
	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, d.Status)
	assert.Equal(t, model.ReasonAutoBlockedMalicious, d.LastAction)

	assert.True(t, f.hasEvent(t, model.EventDLPViolation))
	assert.True(t, f.hasEvent(t, model.EventUSBBlockedMalicious))
	assert.Equal(t, 1, f.alerter.count())
	assert.Equal(t, 1, f.beeper.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Violations))
}

func TestMonitor_CleanFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.start(t)

	path := filepath.Join(f.mount, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("nothing to see"), 0o644))

	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanSafe) }, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, path)
	assert.Empty(t, f.signals)
	assert.True(t, f.hasEvent(t, model.EventFileCreated))

	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllowed, d.Status)
}

func TestMonitor_EmptyRulesetSkipsScan(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	path := filepath.Join(f.mount, "SECRET.txt")
	require.NoError(t, os.WriteFile(path, []byte("SECRET"), 0o644))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Scans.WithLabelValues(metrics.ScanSkipped)) > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, path)
	assert.False(t, f.hasEvent(t, model.EventScanStart))
}

func TestMonitor_InvalidRegexIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveRegex(ctx, `([a-z`, "broken"))
	require.NoError(t, f.store.AddSensitiveRegex(ctx, `\b\d{3}-\d{2}-\d{4}\b`, "SSN"))
	f.start(t)

	path := filepath.Join(f.mount, "hr.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,ssn\nbob,123-45-6789\n"), 0o644))

	select {
	case sig := <-f.signals:
		assert.Contains(t, sig.Reason, "SSN")
	case <-time.After(5 * time.Second):
		t.Fatal("no stop signal received")
	}
	assert.NoFileExists(t, path)
	assert.True(t, f.hasEvent(t, model.EventRuleInvalid))
}

func TestMonitor_NewSubdirectoryIsWatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.start(t)

	dir := filepath.Join(f.mount, "docs")
	require.NoError(t, os.Mkdir(dir, 0o755))
	// 等待目录被加入监控
	require.Eventually(t, func() bool {
		return len(f.mon.watcher.WatchList()) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	path := filepath.Join(dir, "plan.txt")
	require.NoError(t, os.WriteFile(path, []byte("top SECRET plan"), 0o644))

	select {
	case <-f.signals:
	case <-time.After(5 * time.Second):
		t.Fatal("no stop signal received")
	}
	assert.NoFileExists(t, path)
}

func TestMonitor_LogFileEventsDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetPolicy(ctx, analysis.PolicyLogFileEvents, "false"))
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.start(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.mount, "x.txt"), []byte("plain"), 0o644))
	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanSafe) }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, f.hasEvent(t, model.EventFileCreated))
	assert.False(t, f.hasEvent(t, model.EventFileModified))
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mon.Start())
	f.mon.Stop()
	f.mon.Stop()
	assert.Equal(t, f.mount, f.mon.MountPoint())
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	f := newFixture(t)
	f.mon.Stop()
}

func TestMonitor_StartMissingMount(t *testing.T) {
	f := newFixture(t)
	f.mon.cfg.MountPoint = filepath.Join(f.mount, "gone")
	assert.Error(t, f.mon.Start())
	f.mon.Stop()
}

func TestMonitor_StopDuringViolationStillBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	gs := &gatedStore{Store: f.store, reached: make(chan struct{}), release: make(chan struct{})}
	f.mon.deps.Store = gs
	f.start(t)

	path := filepath.Join(f.mount, "leak.txt")
	require.NoError(t, os.WriteFile(path, []byte("SECRET"), 0o644))

	select {
	case <-gs.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("violation was not reached")
	}

	stopped := make(chan struct{})
	go func() {
		f.mon.Stop()
		close(stopped)
	}()
	<-f.mon.ctx.Done()
	close(gs.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.NoFileExists(t, path)
	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, d.Status)
	assert.Equal(t, model.ReasonAutoBlockedMalicious, d.LastAction)
	assert.True(t, f.hasEvent(t, model.EventDLPViolation))
	assert.True(t, f.hasEvent(t, model.EventUSBBlockedMalicious))
	assert.Equal(t, 1, f.alerter.count())

	require.Len(t, f.signals, 1)
	sig := <-f.signals
	assert.Equal(t, model.SignalStopRequested, sig.Kind)
	assert.True(t, sig.Blocked)
}

func TestMonitor_UnreadableFileKeepsMonitoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.mon.readFile = func(name string) ([]byte, error) {
		if filepath.Base(name) == "locked.txt" {
			return nil, os.ErrPermission
		}
		return os.ReadFile(name)
	}
	f.start(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.mount, "locked.txt"), []byte("SECRET"), 0o644))
	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanError) }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(f.mount, "ok.txt"), []byte("fine"), 0o644))
	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanSafe) }, 5*time.Second, 20*time.Millisecond)

	assert.Empty(t, f.signals)
	assert.Positive(t, testutil.ToFloat64(f.metrics.Scans.WithLabelValues(metrics.ScanError)))
	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllowed, d.Status)
}

func TestMonitor_UndeletableFileDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.mon.remove = func(name string) error {
		if filepath.Base(name) == "stuck.txt" {
			return os.ErrPermission
		}
		return os.Remove(name)
	}
	f.start(t)

	stuck := filepath.Join(f.mount, "stuck.txt")
	require.NoError(t, os.WriteFile(stuck, []byte("SECRET"), 0o644))
	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanError) }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(f.mount, "ok.txt"), []byte("fine"), 0o644))
	require.Eventually(t, func() bool { return f.hasEvent(t, model.EventScanSafe) }, 5*time.Second, 20*time.Millisecond)

	assert.FileExists(t, stuck)
	assert.Empty(t, f.signals)
	assert.False(t, f.hasEvent(t, model.EventDLPViolation))
	assert.Zero(t, testutil.ToFloat64(f.metrics.Violations))
	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllowed, d.Status)
}

func TestMonitor_PanicReportsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.AddSensitiveKeyword(ctx, "SECRET"))
	f.mon.readFile = func(string) ([]byte, error) { panic("boom") }
	f.start(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.mount, "a.txt"), []byte("x"), 0o644))

	select {
	case sig := <-f.signals:
		assert.Equal(t, model.SignalMonitorFailed, sig.Kind)
		assert.Equal(t, f.id, sig.Identity)
		assert.Equal(t, "boom", sig.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure signal received")
	}

	stopped := make(chan struct{})
	go func() {
		f.mon.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after panic")
	}

	d, err := f.store.GetDevice(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAllowed, d.Status)
}
