package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/model"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Scheduler.MaxConcurrentGlobal)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentPerMachine)
	assert.Equal(t, 1, cfg.Scheduler.MaxHeavyPerMachine)
	assert.Equal(t, 100, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 20, cfg.Scheduler.MaxAttempts)
	assert.Len(t, cfg.Checks.Enabled, 6)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_concurrent_per_machine: 4
checks:
  enabled: [DISK_SPACE]
  timeouts_sec:
    DISK_SPACE: 90
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentPerMachine)
	assert.Equal(t, 50, cfg.Scheduler.MaxConcurrentGlobal)
	assert.Equal(t, []string{"DISK_SPACE"}, cfg.Checks.Enabled)
	assert.Equal(t, 90, cfg.Checks.TimeoutsSec["DISK_SPACE"])
}

func TestLoad_TimeoutKeysAreCaseInsensitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
checks:
  timeouts_sec:
    disk_space: 5
    windows-updates: 45
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"DISK_SPACE": 5, "WINDOWS_UPDATES": 45}, cfg.Checks.TimeoutsSec)

	p := NewProvider(cfg, nil)
	assert.Equal(t, 5*time.Second, p.Timeout(model.CheckDiskSpace))
	assert.Equal(t, 45*time.Second, p.Timeout(model.CheckWindowsUpdates))
}

func TestLoad_EnvTimeoutBeatsFileVariant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checks:\n  timeouts_sec:\n    disk_space: 5\n"), 0644))
	t.Setenv(EnvTimeoutPrefix+"DISK_SPACE", "70")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"DISK_SPACE": 70}, cfg.Checks.TimeoutsSec)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [not a map"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvMaxAttempts:                  "5",
		EnvProcessIntervalSec:           "10",
		EnvEnabledChecks:                "DISK_SPACE, WINDOWS_UPDATES",
		EnvTimeoutPrefix + "DISK_SPACE": "30",
		EnvLogLevel:                     "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 10, cfg.Scheduler.ProcessIntervalSec)
	assert.Equal(t, []string{"DISK_SPACE", "WINDOWS_UPDATES"}, cfg.Checks.Enabled)
	assert.Equal(t, 30, cfg.Checks.TimeoutsSec["DISK_SPACE"])
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnv_ReportsAllBadValues(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvMaxAttempts:        "many",
		EnvProcessIntervalSec: "often",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxAttempts)
	assert.Contains(t, err.Error(), EnvProcessIntervalSec)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.Scheduler.MaxConcurrentGlobal = 0
	cfg.Scheduler.MaxHeavyPerMachine = 3
	cfg.Checks.Enabled = []string{"DISK_SPACE", "FLUX_CAPACITOR"}
	cfg.Checks.TimeoutsSec = map[string]int{"DISK_SPACE": -1}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "max_concurrent_global")
	assert.Contains(t, msg, "max_heavy_per_machine")
	assert.Contains(t, msg, "FLUX_CAPACITOR")
	assert.Contains(t, msg, "timeouts_sec.DISK_SPACE")
}

func TestProvider_ScanIntervalPrecedence(t *testing.T) {
	cfg := Default()
	env := envMap(map[string]string{EnvScanIntervalMinutes: "45"})

	p := NewProvider(cfg, env)
	assert.Equal(t, 45*time.Minute, p.ScanInterval(model.Machine{ID: "vm-1"}), "env applies when nothing else is set")

	cfg.Checks.ScanIntervalMin = 30
	p.Update(cfg)
	assert.Equal(t, 30*time.Minute, p.ScanInterval(model.Machine{ID: "vm-1"}), "global setting beats env")

	cfg.Checks.MachineScanIntervalsMin = map[string]int{"vm-1": 20}
	p.Update(cfg)
	assert.Equal(t, 20*time.Minute, p.ScanInterval(model.Machine{ID: "vm-1"}))
	assert.Equal(t, 30*time.Minute, p.ScanInterval(model.Machine{ID: "vm-2"}))

	assert.Equal(t, 5*time.Minute, p.ScanInterval(model.Machine{ID: "vm-1", ScanIntervalMin: 5}), "machine override wins")

	bare := NewProvider(Default(), nil)
	assert.Equal(t, 60*time.Minute, bare.ScanInterval(model.Machine{ID: "vm-1"}))
}

func TestProvider_EnabledChecksAndTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Checks.Enabled = []string{"disk_space", "DISK_SPACE", "bogus", "OVERALL_STATUS"}
	cfg.Checks.TimeoutsSec = map[string]int{"DISK_SPACE": 15}
	p := NewProvider(cfg, nil)

	assert.Equal(t, []model.CheckType{model.CheckDiskSpace, model.CheckOverallStatus}, p.EnabledChecks())
	assert.Equal(t, 15*time.Second, p.Timeout(model.CheckDiskSpace))
	assert.Equal(t, 300*time.Second, p.Timeout(model.CheckOverallStatus))
	assert.Equal(t, 20, p.MaxAttempts())

	cfg.Checks.TimeoutsSec = map[string]int{"overall_status": 200}
	p.Update(cfg)
	assert.Equal(t, 200*time.Second, p.Timeout(model.CheckOverallStatus))
	assert.Equal(t, 60*time.Second, p.Timeout(model.CheckDiskSpace))
}

func TestProvider_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checks:\n  enabled: [DISK_SPACE]\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	p := NewProvider(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Watch(ctx, path, zap.NewNop().Sugar())
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("checks:\n  enabled: [WINDOWS_UPDATES, DISK_SPACE]\n"), 0644))

	assert.Eventually(t, func() bool {
		return len(p.EnabledChecks()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
