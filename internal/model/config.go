// Package model defines the data structures for vmhealth's configuration,
// health-check tasks and daily health snapshots.
package model

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Checks    ChecksConfig    `yaml:"checks"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
	Inventory InventoryConfig `yaml:"inventory"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Notify    NotifyConfig    `yaml:"notify"`
	Recommend RecommendConfig `yaml:"recommend"`
}

type SchedulerConfig struct {
	MaxConcurrentGlobal     int `yaml:"max_concurrent_global"`
	MaxConcurrentPerMachine int `yaml:"max_concurrent_per_machine"`
	MaxHeavyPerMachine      int `yaml:"max_heavy_per_machine"`
	MaxQueueSize            int `yaml:"max_queue_size"`
	MaxAttempts             int `yaml:"max_attempts"`
	ProcessIntervalSec      int `yaml:"process_interval_sec"`
	StaleRunningAfterMin    int `yaml:"stale_running_after_min"`
	ProcessConcurrency      int `yaml:"process_concurrency"`
}

type ChecksConfig struct {
	Enabled                 []string       `yaml:"enabled"`
	TimeoutsSec             map[string]int `yaml:"timeouts_sec,omitempty"`
	ScanIntervalMin         int            `yaml:"scan_interval_min"`
	MachineScanIntervalsMin map[string]int `yaml:"machine_scan_intervals_min,omitempty"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

type AgentConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Token      string `yaml:"token"`
}

type InventoryConfig struct {
	Path string `yaml:"path"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	SocketName         string `yaml:"socket_name"`
	MetricsAddr        string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type AuditConfig struct {
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// NotifyConfig configures the external command run on lifecycle events. An
// empty Command disables it.
type NotifyConfig struct {
	Command    string   `yaml:"command"`
	Events     []string `yaml:"events,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// RecommendConfig tunes recommendation generation. Zero thresholds keep the
// built-in values.
type RecommendConfig struct {
	RulesFile           string  `yaml:"rules_file"`
	DiskWarnPercent     float64 `yaml:"disk_warn_percent"`
	DiskCriticalPercent float64 `yaml:"disk_critical_percent"`
	PendingUpdatesWarn  int     `yaml:"pending_updates_warn"`
	SignatureAgeDays    int     `yaml:"signature_age_days"`
	CPUWarnPercent      float64 `yaml:"cpu_warn_percent"`
	MemoryWarnPercent   float64 `yaml:"memory_warn_percent"`
}
