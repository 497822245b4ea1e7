package model

import "time"

// SnapshotDateLayout is the calendar-day key of a snapshot (UTC).
const SnapshotDateLayout = "2006-01-02"

type HealthSnapshot struct {
	ID                         string         `json:"id"`
	MachineID                  string         `json:"machine_id"`
	SnapshotDate               string         `json:"snapshot_date"`
	ExpectedChecks             int            `json:"expected_checks"`
	ScheduledCheckTypes        []CheckType    `json:"scheduled_check_types,omitempty"`
	ChecksCompleted            int            `json:"checks_completed"`
	ChecksFailed               int            `json:"checks_failed"`
	OverallStatus              OverallStatus  `json:"overall_status"`
	DiskSpaceInfo              map[string]any `json:"disk_space_info,omitempty"`
	ResourceOptInfo            map[string]any `json:"resource_opt_info,omitempty"`
	WindowsUpdateInfo          map[string]any `json:"windows_update_info,omitempty"`
	DefenderStatus             map[string]any `json:"defender_status,omitempty"`
	ApplicationInventory       map[string]any `json:"application_inventory,omitempty"`
	Metadata                   map[string]any `json:"metadata,omitempty"`
	RecommendationCount        int            `json:"recommendation_count"`
	RecommendationsGeneratedAt *time.Time     `json:"recommendations_generated_at,omitempty"`
	CreatedAt                  time.Time      `json:"created_at"`
	UpdatedAt                  time.Time      `json:"updated_at"`
}

// Settled is the number of checks that reached a terminal outcome.
func (s *HealthSnapshot) Settled() int {
	return s.ChecksCompleted + s.ChecksFailed
}

// Complete reports whether every expected check has settled.
func (s *HealthSnapshot) Complete() bool {
	return s.ExpectedChecks > 0 && s.Settled() >= s.ExpectedChecks
}

// SnapshotField names the snapshot column that stores results of a check type.
type SnapshotField string

const (
	FieldDiskSpace            SnapshotField = "disk_space_info"
	FieldResourceOpt          SnapshotField = "resource_opt_info"
	FieldWindowsUpdate        SnapshotField = "windows_update_info"
	FieldDefender             SnapshotField = "defender_status"
	FieldApplicationInventory SnapshotField = "application_inventory"
	FieldMetadata             SnapshotField = "metadata"
)

var snapshotFields = map[CheckType]SnapshotField{
	CheckDiskSpace:            FieldDiskSpace,
	CheckResourceOptimization: FieldResourceOpt,
	CheckWindowsUpdates:       FieldWindowsUpdate,
	CheckWindowsDefender:      FieldDefender,
	CheckApplicationInventory: FieldApplicationInventory,
}

// SnapshotFieldFor returns the column for c; types without a dedicated column
// land in metadata under "checks.<type>".
func SnapshotFieldFor(c CheckType) SnapshotField {
	if f, ok := snapshotFields[c]; ok {
		return f
	}
	return FieldMetadata
}

// SnapshotDate returns the snapshot key for t.
func SnapshotDate(t time.Time) string {
	return t.UTC().Format(SnapshotDateLayout)
}

type Recommendation struct {
	ID         string    `json:"id"`
	MachineID  string    `json:"machine_id"`
	SnapshotID string    `json:"snapshot_id"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
