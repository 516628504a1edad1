package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/Hara602/usbguard/internal/agent"
	"github.com/Hara602/usbguard/internal/analysis"
	"github.com/Hara602/usbguard/internal/config"
	"github.com/Hara602/usbguard/internal/enforcer"
	"github.com/Hara602/usbguard/internal/identity"
	"github.com/Hara602/usbguard/internal/metrics"
	"github.com/Hara602/usbguard/internal/monitor"
	"github.com/Hara602/usbguard/internal/mounts"
	"github.com/Hara602/usbguard/internal/notify"
	"github.com/Hara602/usbguard/internal/store"
	"github.com/Hara602/usbguard/internal/sysutil"
	"github.com/Hara602/usbguard/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to usbguard.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// 日志还没初始化
		sysutil.InitLogger("info").Fatal("Failed to load config", zap.Error(err))
	}

	// 初始化日志
	log := sysutil.InitLogger(cfg.LogLevel)
	defer log.Sync() //nolint:errcheck

	// 读取 /dev/disk、netlink 和 sysfs authorized 需要 Root 权限
	if os.Geteuid() != 0 {
		sysutil.LogSugar.Warn("Not running as root: udev hints and device de-authorization may fail.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Agent exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Shutting down...")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("🛡️ USB Guard Agent Starting...", zap.String("db", cfg.DBPath), zap.Duration("interval", cfg.ScanInterval))

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.SeedPolicies(ctx, cfg.Policies); err != nil {
		return err
	}

	username := cfg.Username
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 初始化核心模块 (依赖注入)
	var alerter notify.Alerter = notify.NoopAlerter{}
	if cfg.Alerts.Email.Enabled {
		alerter = notify.NewEmailAlerter(cfg.Alerts.Email, db, log)
	}
	var beeper notify.Beeper = notify.NoopBeeper{}
	if cfg.Alerts.Beep {
		beeper = notify.TermBeeper{W: os.Stdout}
	}
	var deauth enforcer.Deauthorizer = enforcer.Noop{}
	if cfg.Enforce.DeauthorizeOnBlock {
		deauth = enforcer.Sysfs{}
	}

	deps := agent.Deps{
		Store:    db,
		Mounts:   mounts.New(),
		Resolver: identity.New(log),
		Monitor: monitor.Deps{
			Store:    db,
			Scanner:  analysis.NewScanner(),
			Alerter:  alerter,
			Beeper:   beeper,
			Enforcer: deauth,
			Metrics:  m,
			Logger:   log,
		},
		Metrics: m,
		Logger:  log,
	}

	if cfg.UdevHints {
		w := watcher.New(log)
		hints, err := w.Start(ctx)
		if err != nil {
			// 提示只是加速，失败时退回纯轮询
			log.Warn("udev hints unavailable, polling only", zap.Error(err))
		} else {
			defer w.Stop()
			deps.Hints = hints
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.New(agent.Config{Interval: cfg.ScanInterval, Username: username}, deps).Run(ctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("📈 Metrics available", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
