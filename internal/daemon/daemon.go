// Package daemon runs the health-check queue as a long-lived process: it owns
// the processing cadence, the agent hub, the admin socket and the hot-reload
// watchers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/agentch"
	"github.com/msageha/vmhealth/internal/config"
	"github.com/msageha/vmhealth/internal/events"
	"github.com/msageha/vmhealth/internal/healthq"
	"github.com/msageha/vmhealth/internal/inventory"
	"github.com/msageha/vmhealth/internal/lock"
	"github.com/msageha/vmhealth/internal/logging"
	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
	"github.com/msageha/vmhealth/internal/notify"
	"github.com/msageha/vmhealth/internal/recommend"
	"github.com/msageha/vmhealth/internal/store"
	"github.com/msageha/vmhealth/internal/uds"
)

// ConfigFileName is the configuration file inside the data directory.
const ConfigFileName = "config.yaml"

// Daemon is the vmhealth daemon process.
type Daemon struct {
	dataDir    string
	configPath string
	cfg        *config.Provider
	root       *zap.SugaredLogger
	logger     *zap.SugaredLogger
	logCloser  io.Closer

	fileLock  *lock.FileLock
	store     *store.Store
	inventory *inventory.File
	hub       *agentch.Hub
	bus       *events.Bus
	audit     *events.AuditLogger
	manager   *healthq.Manager
	server    *uds.Server

	agentSrv   *http.Server
	agentAddr  net.Addr
	metricsSrv *http.Server

	detachAudit func()
	detachHook  func()

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New creates a daemon rooted at dataDir. cfg is the already loaded
// configuration; it is reloaded from <dataDir>/config.yaml on change.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	zl, closer, err := logging.NewFromConfig(cfg.Logging, dataDir)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return newDaemon(dataDir, cfg, zl.Sugar(), closer), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, logger *zap.SugaredLogger, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dataDir:    dataDir,
		configPath: filepath.Join(dataDir, ConfigFileName),
		cfg:        config.NewProvider(cfg, os.Getenv),
		root:       logger,
		logger:     logger.Named("daemon"),
		logCloser:  closer,
		fileLock:   lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
}

// resolve returns p relative to the data directory unless it is absolute.
func (d *Daemon) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.dataDir, p)
}

// SocketPath is the admin socket of the daemon rooted at dataDir.
func SocketPath(dataDir string, cfg model.Config) string {
	name := cfg.Daemon.SocketName
	if name == "" {
		name = uds.DefaultSocketName
	}
	return filepath.Join(dataDir, name)
}

// Run starts the daemon and blocks until a signal, a shutdown request or
// ctx cancellation, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infow("signal_received", "signal", sig.String())
		// A second signal forces exit.
		go func() {
			<-sigCh
			d.logger.Warnw("forced_exit")
			os.Exit(1)
		}()
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
	d.Shutdown()
	return nil
}

// Start acquires the daemon lock, opens every component and starts the
// background loops. It does not block.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infow("daemon_starting", "pid", os.Getpid(), "data_dir", d.dataDir)

	if err := d.open(); err != nil {
		d.cleanup()
		return err
	}

	if err := d.manager.LoadAll(d.ctx); err != nil {
		d.cleanup()
		return fmt.Errorf("load queue: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	if err := d.startAgentServer(); err != nil {
		d.cleanup()
		return err
	}
	if addr := d.cfg.Get().Daemon.MetricsAddr; addr != "" {
		d.metricsSrv = metrics.SetupMetricsEndpoint(addr, d.root.Named("metrics"))
	}

	d.Tick(d.ctx)

	d.wg.Add(3)
	go d.tickerLoop()
	go d.watch("config", func(ctx context.Context) error {
		return d.cfg.Watch(ctx, d.configPath, d.root.Named("config"))
	})
	go d.watch("inventory", d.inventory.Watch)

	d.logger.Infow("daemon_ready", "socket", d.server.SocketPath(), "agent_addr", d.AgentAddr())
	return nil
}

func (d *Daemon) open() error {
	cfg := d.cfg.Get()

	st, err := store.Open(d.ctx, d.resolve(cfg.Store.Path), time.Duration(cfg.Store.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	inv, err := inventory.Open(d.resolve(cfg.Inventory.Path), d.root.Named("inventory"))
	if err != nil {
		return fmt.Errorf("open inventory: %w", err)
	}
	d.inventory = inv

	d.hub = agentch.NewHub(cfg.Agent.Token, d.root.Named("agent"))
	d.bus = events.NewBus(256)
	if cfg.Audit.Path != "" {
		audit, err := events.NewAuditLogger(d.resolve(cfg.Audit.Path), cfg.Audit.MaxSizeMB)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(true)
		d.audit = audit
		d.detachAudit = audit.Attach(d.bus, d.root.Named("audit"))
	}
	hook, err := notify.NewHook(cfg.Notify, d.root.Named("notify"))
	if err != nil {
		return err
	}
	if hook != nil {
		d.detachHook = hook.Attach(d.bus)
	}

	gen := recommend.NewGenerator(st, recommend.ThresholdsFromConfig(cfg.Recommend), d.root.Named("recommend"))
	if cfg.Recommend.RulesFile != "" {
		custom, err := recommend.LoadCustomRules(d.resolve(cfg.Recommend.RulesFile))
		if err != nil {
			return fmt.Errorf("load recommendation rules: %w", err)
		}
		gen.SetCustomRules(custom)
		d.logger.Infow("recommendation_rules_loaded", "file", cfg.Recommend.RulesFile, "rules", len(custom))
	}

	mgr, err := healthq.New(healthq.Deps{
		Store:     st,
		Inventory: inv,
		Agent:     d.hub,
		Notifier:  d.bus,
		Generator: gen,
		Config:    d.cfg,
		Logger:    d.root,
	}, healthq.Options{})
	if err != nil {
		return err
	}
	d.manager = mgr

	d.server = uds.NewServer(SocketPath(d.dataDir, cfg), d.root.Named("uds"))
	return nil
}

func (d *Daemon) startAgentServer() error {
	addr := d.cfg.Get().Agent.ListenAddr
	if addr == "" {
		d.logger.Warnw("agent_listener_disabled")
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for agents on %s: %w", addr, err)
	}
	d.agentAddr = ln.Addr()

	mux := http.NewServeMux()
	mux.Handle("/agent", d.hub)
	d.agentSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := d.agentSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorw("agent_server_failed", "addr", addr, "error", err)
		}
	}()
	return nil
}

// AgentAddr is the bound agent listener address, or "" when disabled.
func (d *Daemon) AgentAddr() string {
	if d.agentAddr == nil {
		return ""
	}
	return d.agentAddr.String()
}

func (d *Daemon) watch(name string, fn func(ctx context.Context) error) {
	defer d.wg.Done()
	if err := fn(d.ctx); err != nil {
		d.logger.Errorw("watcher_stopped", "watcher", name, "error", err)
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	interval := d.processInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.ctx)
			// Pick up a reloaded interval.
			if next := d.processInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				d.logger.Infow("process_interval_changed", "interval", interval)
			}
		}
	}
}

func (d *Daemon) processInterval() time.Duration {
	if sec := d.cfg.Get().Scheduler.ProcessIntervalSec; sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 30 * time.Second
}

// Shutdown performs a graceful shutdown. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infow("shutdown_started")
		d.cancel()

		if d.server != nil {
			_ = d.server.Stop()
		}
		d.wg.Wait()

		timeout := time.Duration(d.cfg.Get().Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if d.manager != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.manager.Shutdown(ctx); err != nil {
				d.logger.Warnw("shutdown_timeout", "timeout", timeout, "error", err)
			}
			cancel()
		}

		d.cleanup()
		d.logger.Infow("daemon_stopped")
		_ = d.logger.Sync()
		if d.logCloser != nil {
			_ = d.logCloser.Close()
		}
		close(d.stopped)
	})
}

// Done is closed once Shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.stopped
}

// cleanup releases everything opened by Start.
func (d *Daemon) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.server != nil {
		_ = d.server.Stop()
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.agentSrv != nil {
		_ = d.agentSrv.Shutdown(ctx)
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(ctx)
	}
	if d.detachAudit != nil {
		d.detachAudit()
	}
	if d.detachHook != nil {
		d.detachHook()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warnw("store_close_failed", "error", err)
		}
	}
	_ = d.fileLock.Unlock()
}
