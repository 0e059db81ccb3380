package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-probe/internal/analysis"
	"github.com/23skdu/longbow-probe/internal/metrics"
)

// SaveSweep replaces the stored consecutive-layer analysis of runID.
func (s *Store) SaveSweep(ctx context.Context, runID string, r *analysis.DropReport) (err error) {
	defer func() { metrics.RecordStoreOperation("save_sweep", err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM layer_cosines WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO sweeps (run_id, threshold, sharp_threshold, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			threshold = excluded.threshold,
			sharp_threshold = excluded.sharp_threshold,
			created_at = excluded.created_at
	`, runID, r.Threshold, r.SharpThreshold, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}

	for _, p := range r.Pairs {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO layer_cosines (run_id, layer, cosine, zone, sharp)
			VALUES (?, ?, ?, ?, ?)
		`, runID, p.Layer, p.Cosine, p.Zone, p.Sharp); err != nil {
			return fmt.Errorf("save sweep layer %d: %w", p.Layer, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save sweep: %w", err)
	}
	return nil
}

// LoadSweep reads back the analysis stored for runID.
func (s *Store) LoadSweep(ctx context.Context, runID string) (r *analysis.DropReport, err error) {
	defer func() { metrics.RecordStoreOperation("load_sweep", err) }()

	r = &analysis.DropReport{}
	err = s.db.QueryRowContext(ctx, `SELECT threshold, sharp_threshold FROM sweeps WHERE run_id = ?`, runID).
		Scan(&r.Threshold, &r.SharpThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sweep %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load sweep: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, cosine, zone, sharp FROM layer_cosines
		WHERE run_id = ?
		ORDER BY layer
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load sweep: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p analysis.LayerCosine
		if err := rows.Scan(&p.Layer, &p.Cosine, &p.Zone, &p.Sharp); err != nil {
			return nil, fmt.Errorf("load sweep: %w", err)
		}
		r.Pairs = append(r.Pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sweep: %w", err)
	}
	return r, nil
}
