package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/imdario/mergo"

	"github.com/msageha/vmhealth/internal/model"
)

const snapshotColumns = `id, machine_id, snapshot_date, expected_checks, scheduled_check_types,
	checks_completed, checks_failed, overall_status,
	disk_space_info, resource_opt_info, windows_update_info, defender_status, application_inventory, metadata,
	recommendation_count, recommendations_generated_at, created_at, updated_at`

// snapshotFieldColumns whitelists the JSON columns that can be merged into.
var snapshotFieldColumns = map[model.SnapshotField]bool{
	model.FieldDiskSpace:            true,
	model.FieldResourceOpt:          true,
	model.FieldWindowsUpdate:        true,
	model.FieldDefender:             true,
	model.FieldApplicationInventory: true,
	model.FieldMetadata:             true,
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSnapshot(r rowScanner) (*model.HealthSnapshot, error) {
	var (
		s                                  model.HealthSnapshot
		overall                            string
		scheduled                          sql.NullString
		disk, resOpt, upd, def, apps, meta sql.NullString
		generatedAt                        sql.NullInt64
		createdAt, updatedAt               int64
	)
	if err := r.Scan(&s.ID, &s.MachineID, &s.SnapshotDate, &s.ExpectedChecks, &scheduled,
		&s.ChecksCompleted, &s.ChecksFailed, &overall,
		&disk, &resOpt, &upd, &def, &apps, &meta,
		&s.RecommendationCount, &generatedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.OverallStatus = model.OverallStatus(overall)
	s.RecommendationsGeneratedAt = timePtr(generatedAt)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)

	if scheduled.Valid && scheduled.String != "" {
		if err := json.Unmarshal([]byte(scheduled.String), &s.ScheduledCheckTypes); err != nil {
			return nil, fmt.Errorf("decode scheduled check types of %s: %w", s.ID, err)
		}
	}
	for _, f := range []struct {
		dst *map[string]any
		raw sql.NullString
	}{
		{&s.DiskSpaceInfo, disk},
		{&s.ResourceOptInfo, resOpt},
		{&s.WindowsUpdateInfo, upd},
		{&s.DefenderStatus, def},
		{&s.ApplicationInventory, apps},
		{&s.Metadata, meta},
	} {
		m, err := decodeMap(f.raw)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
		}
		*f.dst = m
	}
	return &s, nil
}

func getSnapshot(ctx context.Context, q querier, where string, args ...any) (*model.HealthSnapshot, error) {
	s, err := scanSnapshot(q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM health_snapshots WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

// GetSnapshot returns the machine's snapshot for day (YYYY-MM-DD).
func (s *Store) GetSnapshot(ctx context.Context, machineID, day string) (*model.HealthSnapshot, error) {
	return getSnapshot(ctx, s.db, `machine_id = ? AND snapshot_date = ?`, machineID, day)
}

func (s *Store) GetSnapshotByID(ctx context.Context, id string) (*model.HealthSnapshot, error) {
	return getSnapshot(ctx, s.db, `id = ?`, id)
}

// EnsureSnapshot returns the machine's snapshot for day, creating it when
// absent. When expected is positive and the snapshot has no expected count
// yet, expected and scheduled are recorded on it.
func (s *Store) EnsureSnapshot(ctx context.Context, machineID, day string, expected int, scheduled []model.CheckType, now time.Time) (*model.HealthSnapshot, error) {
	types, err := encodeJSON(scheduled)
	if err != nil {
		return nil, fmt.Errorf("encode scheduled check types: %w", err)
	}
	if len(scheduled) == 0 {
		types = sql.NullString{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := model.GenerateID(model.IDTypeSnapshot)
	if err != nil {
		return nil, err
	}
	ts := toMillis(now)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO health_snapshots(id, machine_id, snapshot_date, overall_status, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id, snapshot_date) DO NOTHING
	`, id, machineID, day, string(model.OverallPending), ts, ts); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	if expected > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE health_snapshots
			SET expected_checks = ?, scheduled_check_types = ?, updated_at = ?
			WHERE machine_id = ? AND snapshot_date = ? AND expected_checks = 0
		`, expected, types, ts, machineID, day); err != nil {
			return nil, fmt.Errorf("record expected checks: %w", err)
		}
	}

	snap, err := getSnapshot(ctx, tx, `machine_id = ? AND snapshot_date = ?`, machineID, day)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure snapshot: %w", err)
	}
	return snap, nil
}

// SetExpectedChecks back-fills the expected count of a snapshot that has
// none. It reports whether the row was updated.
func (s *Store) SetExpectedChecks(ctx context.Context, id string, expected int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE health_snapshots SET expected_checks = ?, updated_at = ?
		WHERE id = ? AND expected_checks = 0
	`, expected, toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("set expected checks: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CheckOutcome is one settled check applied to a snapshot.
type CheckOutcome struct {
	CheckType model.CheckType
	Failed    bool
	// Data is merged into the check type's snapshot field. Nil leaves the
	// field untouched.
	Data map[string]any
	At   time.Time
}

// ApplyResult is returned by ApplyOutcome.
type ApplyResult struct {
	Snapshot *model.HealthSnapshot
	// PreviousStatus is the overall status before the outcome was applied.
	PreviousStatus model.OverallStatus
	// JustCompleted is set for the single outcome that brought the snapshot
	// from unsettled to settled.
	JustCompleted bool
}

// ApplyOutcome increments the matching counter, merges the outcome's data,
// and recomputes the overall status of snapshot id in one transaction.
func (s *Store) ApplyOutcome(ctx context.Context, id string, o CheckOutcome) (*ApplyResult, error) {
	field := model.SnapshotFieldFor(o.CheckType)
	if !snapshotFieldColumns[field] {
		return nil, fmt.Errorf("unknown snapshot field %q", field)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply outcome: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := getSnapshot(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, err
	}

	counter := "checks_completed"
	if o.Failed {
		counter = "checks_failed"
	}
	ts := toMillis(o.At)
	if _, err := tx.ExecContext(ctx, `
		UPDATE health_snapshots SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?
	`, ts, id); err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, err)
	}

	if o.Data != nil {
		merged, err := mergeField(before, field, o.CheckType, o.Data)
		if err != nil {
			return nil, err
		}
		raw, err := encodeJSON(merged)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE health_snapshots SET `+string(field)+` = ? WHERE id = ?`, raw, id); err != nil {
			return nil, fmt.Errorf("merge %s: %w", field, err)
		}
	}

	after, err := getSnapshot(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	status := model.ComputeOverallStatus(after.ChecksCompleted, after.ChecksFailed, after.ExpectedChecks)
	if status != after.OverallStatus {
		if _, err := tx.ExecContext(ctx, `UPDATE health_snapshots SET overall_status = ? WHERE id = ?`, string(status), id); err != nil {
			return nil, fmt.Errorf("update overall status: %w", err)
		}
		after.OverallStatus = status
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply outcome: %w", err)
	}
	return &ApplyResult{
		Snapshot:       after,
		PreviousStatus: before.OverallStatus,
		JustCompleted:  !before.Complete() && after.Complete(),
	}, nil
}

// mergeField overlays data on the current value of field. Results for types
// without a dedicated column go to metadata["checks"][<type>].
func mergeField(snap *model.HealthSnapshot, field model.SnapshotField, checkType model.CheckType, data map[string]any) (map[string]any, error) {
	current := snapshotField(snap, field)
	if current == nil {
		current = make(map[string]any)
	}
	if field != model.FieldMetadata {
		if err := mergo.Merge(&current, data, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", field, err)
		}
		return current, nil
	}

	checks, _ := current["checks"].(map[string]any)
	if checks == nil {
		checks = make(map[string]any)
	}
	entry, _ := checks[string(checkType)].(map[string]any)
	if entry == nil {
		entry = make(map[string]any)
	}
	if err := mergo.Merge(&entry, data, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge metadata for %s: %w", checkType, err)
	}
	checks[string(checkType)] = entry
	current["checks"] = checks
	return current, nil
}

func snapshotField(snap *model.HealthSnapshot, field model.SnapshotField) map[string]any {
	switch field {
	case model.FieldDiskSpace:
		return snap.DiskSpaceInfo
	case model.FieldResourceOpt:
		return snap.ResourceOptInfo
	case model.FieldWindowsUpdate:
		return snap.WindowsUpdateInfo
	case model.FieldDefender:
		return snap.DefenderStatus
	case model.FieldApplicationInventory:
		return snap.ApplicationInventory
	default:
		return snap.Metadata
	}
}

// MergeMetadata overlays meta on the snapshot's metadata map.
func (s *Store) MergeMetadata(ctx context.Context, id string, meta map[string]any, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge metadata: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := getSnapshot(ctx, tx, `id = ?`, id)
	if err != nil {
		return err
	}
	current := snap.Metadata
	if current == nil {
		current = make(map[string]any)
	}
	if err := mergo.Merge(&current, meta, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	raw, err := encodeJSON(current)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE health_snapshots SET metadata = ?, updated_at = ? WHERE id = ?`,
		raw, toMillis(now), id); err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return tx.Commit()
}

// SnapshotsForMachine returns up to limit of the machine's snapshots, newest
// day first.
func (s *Store) SnapshotsForMachine(ctx context.Context, machineID string, limit int) ([]*model.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM health_snapshots
		WHERE machine_id = ?
		ORDER BY snapshot_date DESC
		LIMIT ?
	`, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.HealthSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
