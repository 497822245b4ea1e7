package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/model"
)

// Provider holds the live configuration and resolves per-machine and
// per-check settings from it. Safe for concurrent use.
type Provider struct {
	mu              sync.RWMutex
	cfg             model.Config
	envScanInterval time.Duration
}

// NewProvider wraps cfg. getenv supplies the scan interval override; pass
// os.Getenv in production.
func NewProvider(cfg model.Config, getenv func(string) string) *Provider {
	cfg.Checks.TimeoutsSec = canonicalTimeouts(cfg.Checks.TimeoutsSec)
	p := &Provider{cfg: cfg}
	if getenv != nil {
		if n, err := cast.ToIntE(getenv(EnvScanIntervalMinutes)); err == nil && n > 0 {
			p.envScanInterval = time.Duration(n) * time.Minute
		}
	}
	return p
}

func (p *Provider) Get() model.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Provider) Update(cfg model.Config) {
	cfg.Checks.TimeoutsSec = canonicalTimeouts(cfg.Checks.TimeoutsSec)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// ScanInterval resolves the scan interval for m: the machine's own override,
// then the per-machine map in the config file, then the global setting, then
// the environment override, then the built-in default.
func (p *Provider) ScanInterval(m model.Machine) time.Duration {
	if m.ScanIntervalMin > 0 {
		return m.ScanInterval()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n := p.cfg.Checks.MachineScanIntervalsMin[m.ID]; n > 0 {
		return time.Duration(n) * time.Minute
	}
	if p.cfg.Checks.ScanIntervalMin > 0 {
		return time.Duration(p.cfg.Checks.ScanIntervalMin) * time.Minute
	}
	if p.envScanInterval > 0 {
		return p.envScanInterval
	}
	return DefaultScanIntervalMin * time.Minute
}

// EnabledChecks returns the configured check set in configuration order.
// Unknown names are skipped; Validate reports them.
func (p *Provider) EnabledChecks() []model.CheckType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.CheckType, 0, len(p.cfg.Checks.Enabled))
	seen := make(map[model.CheckType]bool)
	for _, name := range p.cfg.Checks.Enabled {
		c, err := model.ParseCheckType(name)
		if err != nil || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Timeout returns the execution budget for c.
func (p *Provider) Timeout(c model.CheckType) time.Duration {
	p.mu.RLock()
	sec := p.cfg.Checks.TimeoutsSec[string(c)]
	p.mu.RUnlock()
	if sec > 0 {
		return time.Duration(sec) * time.Second
	}
	spec, _ := c.Spec()
	return spec.Timeout
}

func (p *Provider) MaxAttempts() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg.Scheduler.MaxAttempts <= 0 {
		return model.DefaultMaxAttempts
	}
	return p.cfg.Scheduler.MaxAttempts
}

// Watch reloads path on change and installs the new configuration when it
// validates. It blocks until ctx is done.
func (p *Provider) Watch(ctx context.Context, path string, logger *zap.SugaredLogger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warnw("config_reload_rejected", "path", path, "error", err)
				continue
			}
			p.Update(cfg)
			logger.Infow("config_reloaded", "path", path, "enabled_checks", cfg.Checks.Enabled)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorw("config_watch_error", "error", err)
		}
	}
}
