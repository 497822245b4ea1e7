package store

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/vmhealth/internal/model"
)

// SaveRecommendations stores recs and stamps their snapshot with the count and
// generation time, once. It returns false without writing anything when the
// snapshot already carries recommendations.
func (s *Store) SaveRecommendations(ctx context.Context, snapshotID string, recs []model.Recommendation, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save recommendations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE health_snapshots
		SET recommendation_count = ?, recommendations_generated_at = ?, updated_at = ?
		WHERE id = ? AND recommendations_generated_at IS NULL
	`, len(recs), toMillis(at), toMillis(at), snapshotID)
	if err != nil {
		return false, fmt.Errorf("stamp recommendations: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	for _, r := range recs {
		if r.ID == "" {
			if r.ID, err = model.GenerateID(model.IDTypeRecommendation); err != nil {
				return false, err
			}
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = at
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO health_recommendations(id, machine_id, snapshot_id, type, severity, text, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.MachineID, snapshotID, r.Type, r.Severity, r.Text, toMillis(r.CreatedAt)); err != nil {
			return false, fmt.Errorf("insert recommendation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit recommendations: %w", err)
	}
	return true, nil
}

func (s *Store) CountRecommendations(ctx context.Context, snapshotID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM health_recommendations WHERE snapshot_id = ?`, snapshotID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recommendations: %w", err)
	}
	return n, nil
}

func (s *Store) ListRecommendations(ctx context.Context, snapshotID string) ([]model.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, snapshot_id, type, severity, text, created_at
		FROM health_recommendations
		WHERE snapshot_id = ?
		ORDER BY created_at, id
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	var out []model.Recommendation
	for rows.Next() {
		var (
			r         model.Recommendation
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.MachineID, &r.SnapshotID, &r.Type, &r.Severity, &r.Text, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
