// Package recommend derives remediation advice from a completed health
// snapshot. Rules read the loosely typed agent payloads stored on the
// snapshot; a missing or malformed field never fails generation, it just
// does not trigger the rule.
package recommend

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/model"
)

// Severities, most urgent first.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Recommendation types.
const (
	TypeDiskSpace      = "disk_space"
	TypeWindowsUpdates = "windows_updates"
	TypeDefender       = "defender"
	TypeResources      = "resources"
	TypeReboot         = "pending_reboot"
	TypeFailedCheck    = "failed_check"
)

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

// Thresholds tune the rules. Zero fields take DefaultThresholds.
type Thresholds struct {
	DiskWarnPercent     float64
	DiskCriticalPercent float64
	PendingUpdatesWarn  int
	SignatureAgeDays    int
	CPUWarnPercent      float64
	MemoryWarnPercent   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DiskWarnPercent:     85,
		DiskCriticalPercent: 95,
		PendingUpdatesWarn:  1,
		SignatureAgeDays:    7,
		CPUWarnPercent:      90,
		MemoryWarnPercent:   90,
	}
}

// ThresholdsFromConfig maps the recommend section of the configuration.
func ThresholdsFromConfig(cfg model.RecommendConfig) Thresholds {
	return Thresholds{
		DiskWarnPercent:     cfg.DiskWarnPercent,
		DiskCriticalPercent: cfg.DiskCriticalPercent,
		PendingUpdatesWarn:  cfg.PendingUpdatesWarn,
		SignatureAgeDays:    cfg.SignatureAgeDays,
		CPUWarnPercent:      cfg.CPUWarnPercent,
		MemoryWarnPercent:   cfg.MemoryWarnPercent,
	}.withDefaults()
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.DiskWarnPercent <= 0 {
		t.DiskWarnPercent = d.DiskWarnPercent
	}
	if t.DiskCriticalPercent <= 0 {
		t.DiskCriticalPercent = d.DiskCriticalPercent
	}
	if t.PendingUpdatesWarn <= 0 {
		t.PendingUpdatesWarn = d.PendingUpdatesWarn
	}
	if t.SignatureAgeDays <= 0 {
		t.SignatureAgeDays = d.SignatureAgeDays
	}
	if t.CPUWarnPercent <= 0 {
		t.CPUWarnPercent = d.CPUWarnPercent
	}
	if t.MemoryWarnPercent <= 0 {
		t.MemoryWarnPercent = d.MemoryWarnPercent
	}
	return t
}

// SnapshotReader loads snapshots by id.
type SnapshotReader interface {
	GetSnapshotByID(ctx context.Context, id string) (*model.HealthSnapshot, error)
}

type rule func(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation

var rules = []rule{diskRule, updatesRule, defenderRule, resourceRule, rebootRule, failedChecksRule}

// Generator evaluates every rule against a snapshot.
type Generator struct {
	snapshots  SnapshotReader
	thresholds Thresholds
	custom     []CustomRule
	logger     *zap.SugaredLogger
}

func NewGenerator(snapshots SnapshotReader, thresholds Thresholds, logger *zap.SugaredLogger) *Generator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Generator{
		snapshots:  snapshots,
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// GenerateRecommendations loads the snapshot and returns its
// recommendations ordered by severity then type.
func (g *Generator) GenerateRecommendations(ctx context.Context, machineID, snapshotID string) ([]model.Recommendation, error) {
	snap, err := g.snapshots.GetSnapshotByID(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s not found", snapshotID)
	}
	if snap.MachineID != machineID {
		return nil, fmt.Errorf("snapshot %s belongs to %s, not %s", snapshotID, snap.MachineID, machineID)
	}

	recs := evaluate(g.thresholds, g.custom, snap)
	g.logger.Debugw("recommendations_evaluated", "snapshot", snapshotID, "machine", machineID, "count", len(recs))
	return recs, nil
}

// SetCustomRules replaces the operator-defined rules evaluated after the
// built-in ones. Not safe to call while generating.
func (g *Generator) SetCustomRules(custom []CustomRule) {
	g.custom = custom
}

// Evaluate applies every built-in rule to snap.
func Evaluate(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	return evaluate(t, nil, snap)
}

func evaluate(t Thresholds, custom []CustomRule, snap *model.HealthSnapshot) []model.Recommendation {
	t = t.withDefaults()

	var out []model.Recommendation
	for _, r := range rules {
		out = append(out, r(t, snap)...)
	}
	out = append(out, evaluateCustom(custom, snap)...)
	for i := range out {
		out[i].MachineID = snap.MachineID
		out[i].SnapshotID = snap.ID
	}
	sort.SliceStable(out, func(i, j int) bool {
		if severityRank[out[i].Severity] != severityRank[out[j].Severity] {
			return severityRank[out[i].Severity] < severityRank[out[j].Severity]
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func failed(field map[string]any) bool {
	return cast.ToString(field["status"]) == "FAILED"
}

func diskRule(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	info := snap.DiskSpaceInfo
	if info == nil || failed(info) {
		return nil
	}

	type drive struct {
		name    string
		percent float64
	}
	var drives []drive
	for _, raw := range cast.ToSlice(info["drives"]) {
		d := cast.ToStringMap(raw)
		name := cast.ToString(d["drive"])
		if name == "" {
			name = cast.ToString(d["name"])
		}
		drives = append(drives, drive{name: name, percent: usedPercent(d)})
	}
	if len(drives) == 0 {
		_, hasPercent := info["percent_used"]
		_, hasFree := info["free_gb"]
		if hasPercent || hasFree {
			drives = append(drives, drive{name: "system", percent: usedPercent(info)})
		}
	}

	var out []model.Recommendation
	for _, d := range drives {
		switch {
		case d.percent >= t.DiskCriticalPercent:
			out = append(out, model.Recommendation{
				Type:     TypeDiskSpace,
				Severity: SeverityCritical,
				Text:     fmt.Sprintf("Drive %s is %.0f%% full. Free space immediately or extend the volume.", d.name, d.percent),
			})
		case d.percent >= t.DiskWarnPercent:
			out = append(out, model.Recommendation{
				Type:     TypeDiskSpace,
				Severity: SeverityWarning,
				Text:     fmt.Sprintf("Drive %s is %.0f%% full. Clean up temporary files or plan a resize.", d.name, d.percent),
			})
		}
	}
	return out
}

// usedPercent reads percent_used, or derives it from total_gb and free_gb.
func usedPercent(d map[string]any) float64 {
	if v, ok := d["percent_used"]; ok {
		return cast.ToFloat64(v)
	}
	total := cast.ToFloat64(d["total_gb"])
	free := cast.ToFloat64(d["free_gb"])
	if total <= 0 {
		return 0
	}
	return (total - free) / total * 100
}

func updatesRule(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	info := snap.WindowsUpdateInfo
	if info == nil || failed(info) {
		return nil
	}
	pending := cast.ToInt(info["pending_count"])
	if pending == 0 {
		pending = len(cast.ToSlice(info["pending_updates"]))
	}
	critical := cast.ToInt(info["critical_count"])

	switch {
	case critical > 0:
		return []model.Recommendation{{
			Type:     TypeWindowsUpdates,
			Severity: SeverityCritical,
			Text:     fmt.Sprintf("%d critical update(s) pending out of %d. Install them during the next maintenance window.", critical, max(pending, critical)),
		}}
	case pending >= t.PendingUpdatesWarn:
		return []model.Recommendation{{
			Type:     TypeWindowsUpdates,
			Severity: SeverityWarning,
			Text:     fmt.Sprintf("%d Windows update(s) pending. Schedule installation.", pending),
		}}
	}
	return nil
}

func defenderRule(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	info := snap.DefenderStatus
	if info == nil || failed(info) {
		return nil
	}
	var out []model.Recommendation
	if v, ok := info["realtime_protection_enabled"]; ok && !cast.ToBool(v) {
		out = append(out, model.Recommendation{
			Type:     TypeDefender,
			Severity: SeverityCritical,
			Text:     "Real-time protection is disabled. Re-enable Windows Defender real-time protection.",
		})
	}
	if v, ok := info["antivirus_enabled"]; ok && !cast.ToBool(v) {
		out = append(out, model.Recommendation{
			Type:     TypeDefender,
			Severity: SeverityCritical,
			Text:     "Antivirus is disabled. Turn Windows Defender antivirus back on.",
		})
	}
	if threats := cast.ToInt(info["threats_detected"]); threats > 0 {
		out = append(out, model.Recommendation{
			Type:     TypeDefender,
			Severity: SeverityCritical,
			Text:     fmt.Sprintf("%d active threat(s) detected. Run a full scan and remediate.", threats),
		})
	}
	if age := cast.ToInt(info["signature_age_days"]); age > t.SignatureAgeDays {
		out = append(out, model.Recommendation{
			Type:     TypeDefender,
			Severity: SeverityWarning,
			Text:     fmt.Sprintf("Antivirus signatures are %d days old. Update definitions.", age),
		})
	}
	return out
}

func resourceRule(t Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	info := snap.ResourceOptInfo
	if info == nil || failed(info) {
		return nil
	}
	var out []model.Recommendation
	if cpu := cast.ToFloat64(info["cpu_percent"]); cpu >= t.CPUWarnPercent {
		out = append(out, model.Recommendation{
			Type:     TypeResources,
			Severity: SeverityWarning,
			Text:     fmt.Sprintf("CPU usage is %.0f%%. Consider adding vCPUs or reviewing top processes.", cpu),
		})
	}
	if mem := cast.ToFloat64(info["memory_percent"]); mem >= t.MemoryWarnPercent {
		out = append(out, model.Recommendation{
			Type:     TypeResources,
			Severity: SeverityWarning,
			Text:     fmt.Sprintf("Memory usage is %.0f%%. Consider increasing the VM's memory.", mem),
		})
	}
	for _, s := range cast.ToStringSlice(info["suggestions"]) {
		out = append(out, model.Recommendation{Type: TypeResources, Severity: SeverityInfo, Text: s})
	}
	return out
}

func rebootRule(_ Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	required := cast.ToBool(snap.WindowsUpdateInfo["reboot_required"])
	if checks := cast.ToStringMap(snap.Metadata["checks"]); checks != nil {
		entry := cast.ToStringMap(checks[string(model.CheckPendingReboot)])
		if cast.ToBool(entry["reboot_required"]) {
			required = true
		}
	}
	if !required {
		return nil
	}
	return []model.Recommendation{{
		Type:     TypeReboot,
		Severity: SeverityWarning,
		Text:     "A reboot is pending. Restart the machine to finish applying changes.",
	}}
}

func failedChecksRule(_ Thresholds, snap *model.HealthSnapshot) []model.Recommendation {
	fields := []struct {
		check model.CheckType
		data  map[string]any
	}{
		{model.CheckDiskSpace, snap.DiskSpaceInfo},
		{model.CheckResourceOptimization, snap.ResourceOptInfo},
		{model.CheckWindowsUpdates, snap.WindowsUpdateInfo},
		{model.CheckWindowsDefender, snap.DefenderStatus},
		{model.CheckApplicationInventory, snap.ApplicationInventory},
	}
	var out []model.Recommendation
	for _, f := range fields {
		if f.data != nil && failed(f.data) {
			out = append(out, failedCheck(f.check, cast.ToString(f.data["error"])))
		}
	}

	checks := cast.ToStringMap(snap.Metadata["checks"])
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := cast.ToStringMap(checks[name])
		if failed(entry) {
			out = append(out, failedCheck(model.CheckType(name), cast.ToString(entry["error"])))
		}
	}
	return out
}

func failedCheck(c model.CheckType, reason string) model.Recommendation {
	text := fmt.Sprintf("The %s check failed. Verify the guest agent is running and reachable.", c)
	if reason != "" {
		text = fmt.Sprintf("The %s check failed (%s). Verify the guest agent is running and reachable.", c, reason)
	}
	return model.Recommendation{Type: TypeFailedCheck, Severity: SeverityWarning, Text: text}
}
