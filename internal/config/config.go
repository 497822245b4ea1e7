// Package config loads vmhealth's YAML configuration, applies environment
// overrides and serves resolved settings to the scheduler.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/msageha/vmhealth/internal/model"
)

const (
	EnvScanIntervalMinutes = "VMHEALTH_SCAN_INTERVAL_MINUTES"
	EnvProcessIntervalSec  = "VMHEALTH_PROCESS_INTERVAL_SEC"
	EnvMaxAttempts         = "VMHEALTH_MAX_ATTEMPTS"
	EnvEnabledChecks       = "VMHEALTH_ENABLED_CHECKS"
	EnvLogLevel            = "VMHEALTH_LOG_LEVEL"
	// EnvTimeoutPrefix is followed by the check type, e.g.
	// VMHEALTH_TIMEOUT_DISK_SPACE=90.
	EnvTimeoutPrefix = "VMHEALTH_TIMEOUT_"

	DefaultScanIntervalMin = 60
)

// Default returns the configuration used when no file is present.
// Checks.ScanIntervalMin is left at zero so the environment override can
// take effect; see Provider.ScanInterval.
func Default() model.Config {
	enabled := make([]string, 0, len(model.StandardCheckTypes))
	for _, c := range model.StandardCheckTypes {
		enabled = append(enabled, string(c))
	}
	return model.Config{
		Scheduler: model.SchedulerConfig{
			MaxConcurrentGlobal:     50,
			MaxConcurrentPerMachine: 2,
			MaxHeavyPerMachine:      1,
			MaxQueueSize:            100,
			MaxAttempts:             model.DefaultMaxAttempts,
			ProcessIntervalSec:      30,
			StaleRunningAfterMin:    15,
			ProcessConcurrency:      8,
		},
		Checks: model.ChecksConfig{
			Enabled: enabled,
		},
		Store: model.StoreConfig{
			Path:          "vmhealth.db",
			BusyTimeoutMs: 5000,
		},
		Agent: model.AgentConfig{
			ListenAddr: ":8765",
		},
		Inventory: model.InventoryConfig{
			Path: "machines.yaml",
		},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec: 30,
			SocketName:         "daemon.sock",
		},
		Logging: model.LoggingConfig{
			Level:      "info",
			Format:     "console",
			File:       "logs/daemon.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Audit: model.AuditConfig{
			Path:      "logs/audit.jsonl",
			MaxSizeMB: 50,
		},
		Notify: model.NotifyConfig{
			Events:     []string{"healthCheckFailed", "healthCheckStatusChanged"},
			TimeoutSec: 10,
		},
	}
}

// Load reads path over Default, applies environment overrides and validates
// the result. A missing file yields the defaults.
func Load(path string) (model.Config, error) {
	cfg := Default()
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return model.Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Checks.TimeoutsSec = canonicalTimeouts(cfg.Checks.TimeoutsSec)

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return model.Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides on cfg. The scan interval override
// is not applied here; it is the lowest-precedence source and is consulted by
// Provider.ScanInterval.
func ApplyEnv(cfg *model.Config, getenv func(string) string) error {
	var errs *multierror.Error

	if v := getenv(EnvProcessIntervalSec); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", EnvProcessIntervalSec, err))
		} else {
			cfg.Scheduler.ProcessIntervalSec = n
		}
	}
	if v := getenv(EnvMaxAttempts); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", EnvMaxAttempts, err))
		} else {
			cfg.Scheduler.MaxAttempts = n
		}
	}
	if v := getenv(EnvEnabledChecks); v != "" {
		var enabled []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				enabled = append(enabled, part)
			}
		}
		cfg.Checks.Enabled = enabled
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	for _, c := range model.AllCheckTypes() {
		key := EnvTimeoutPrefix + string(c)
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if cfg.Checks.TimeoutsSec == nil {
			cfg.Checks.TimeoutsSec = make(map[string]int)
		}
		cfg.Checks.TimeoutsSec[string(c)] = n
	}
	return errs.ErrorOrNil()
}

// canonicalTimeouts rekeys per-check timeouts by canonical check type name so
// "disk_space" and "DISK_SPACE" address the same check. Unknown names are
// kept for Validate to report; a canonical key wins over a variant.
func canonicalTimeouts(in map[string]int) map[string]int {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]int, len(in))
	for name, sec := range in {
		c, err := model.ParseCheckType(name)
		if err != nil {
			out[name] = sec
			continue
		}
		if _, taken := out[string(c)]; taken && name != string(c) {
			continue
		}
		out[string(c)] = sec
	}
	return out
}

// Validate reports every problem in cfg at once.
func Validate(cfg model.Config) error {
	var errs *multierror.Error

	positive := map[string]int{
		"scheduler.max_concurrent_global":      cfg.Scheduler.MaxConcurrentGlobal,
		"scheduler.max_concurrent_per_machine": cfg.Scheduler.MaxConcurrentPerMachine,
		"scheduler.max_heavy_per_machine":      cfg.Scheduler.MaxHeavyPerMachine,
		"scheduler.max_queue_size":             cfg.Scheduler.MaxQueueSize,
		"scheduler.max_attempts":               cfg.Scheduler.MaxAttempts,
		"scheduler.process_interval_sec":       cfg.Scheduler.ProcessIntervalSec,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if cfg.Scheduler.MaxHeavyPerMachine > cfg.Scheduler.MaxConcurrentPerMachine {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.max_heavy_per_machine (%d) exceeds max_concurrent_per_machine (%d)",
			cfg.Scheduler.MaxHeavyPerMachine, cfg.Scheduler.MaxConcurrentPerMachine))
	}
	if cfg.Checks.ScanIntervalMin < 0 {
		errs = multierror.Append(errs, fmt.Errorf("checks.scan_interval_min must not be negative"))
	}
	if len(cfg.Checks.Enabled) == 0 {
		errs = multierror.Append(errs, errors.New("checks.enabled must list at least one check type"))
	}
	for _, name := range cfg.Checks.Enabled {
		if _, err := model.ParseCheckType(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("checks.enabled: %w", err))
		}
	}
	for name, sec := range cfg.Checks.TimeoutsSec {
		if _, err := model.ParseCheckType(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("checks.timeouts_sec: %w", err))
		}
		if sec <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("checks.timeouts_sec.%s must be positive", name))
		}
	}
	for id, n := range cfg.Checks.MachineScanIntervalsMin {
		if n <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("checks.machine_scan_intervals_min.%s must be positive", id))
		}
	}
	if cfg.Store.Path == "" {
		errs = multierror.Append(errs, errors.New("store.path is required"))
	}
	if cfg.Notify.TimeoutSec < 0 {
		errs = multierror.Append(errs, errors.New("notify.timeout_sec must not be negative"))
	}
	return errs.ErrorOrNil()
}
