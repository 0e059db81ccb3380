package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/23skdu/longbow-probe/internal/metrics"
	"github.com/google/uuid"
)

// SaveDirection stores d under runID. Saving the same id twice is a no-op.
func (s *Store) SaveDirection(ctx context.Context, runID string, d *direction.Direction) (err error) {
	defer func() { metrics.RecordStoreOperation("save_direction", err) }()

	vec := d.Vector()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO directions
		(id, run_id, layer, label_a, label_b, size_a, size_b, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		d.ID.String(),
		runID,
		d.Layer,
		d.LabelA,
		d.LabelB,
		d.SizeA,
		d.SizeB,
		len(vec),
		encodeVector(vec),
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save direction: %w", err)
	}
	return nil
}

// SaveDirections stores every direction in one transaction.
func (s *Store) SaveDirections(ctx context.Context, runID string, dirs map[int]*direction.Direction) (err error) {
	defer func() { metrics.RecordStoreOperation("save_directions", err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save directions: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO directions
		(id, run_id, layer, label_a, label_b, size_a, size_b, dim, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("save directions: %w", err)
	}
	defer stmt.Close()

	for _, l := range direction.SortedLayers(dirs) {
		d := dirs[l]
		vec := d.Vector()
		if _, err = stmt.ExecContext(ctx, d.ID.String(), runID, d.Layer, d.LabelA, d.LabelB,
			d.SizeA, d.SizeB, len(vec), encodeVector(vec), d.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("save direction layer %d: %w", l, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save directions: %w", err)
	}
	return nil
}

const directionColumns = `id, layer, label_a, label_b, size_a, size_b, dim, vector, created_at`

// GetDirection loads a direction by id.
func (s *Store) GetDirection(ctx context.Context, id uuid.UUID) (d *direction.Direction, err error) {
	defer func() { metrics.RecordStoreOperation("get_direction", err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+directionColumns+` FROM directions WHERE id = ?`, id.String())
	d, err = scanDirection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("direction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get direction: %w", err)
	}
	return d, nil
}

// ListDirections returns the directions of runID ordered by layer.
func (s *Store) ListDirections(ctx context.Context, runID string) (dirs []*direction.Direction, err error) {
	defer func() { metrics.RecordStoreOperation("list_directions", err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+directionColumns+` FROM directions
		WHERE run_id = ?
		ORDER BY layer, created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list directions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDirection(rows)
		if err != nil {
			return nil, fmt.Errorf("list directions: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list directions: %w", err)
	}
	return dirs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDirection(sc scanner) (*direction.Direction, error) {
	var (
		id, labelA, labelB, created string
		layer, sizeA, sizeB, dim    int
		blob                        []byte
	)
	if err := sc.Scan(&id, &layer, &labelA, &labelB, &sizeA, &sizeB, &dim, &blob, &created); err != nil {
		return nil, err
	}

	vec, err := decodeVector(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("direction %s: %w", id, err)
	}
	d, err := direction.FromVector(layer, vec, labelA, labelB)
	if err != nil {
		return nil, fmt.Errorf("direction %s: %w", id, err)
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("direction id %q: %w", id, err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("direction %s created_at: %w", id, err)
	}
	d.SizeA, d.SizeB = sizeA, sizeB
	return d, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte, dim int) ([]float32, error) {
	if len(buf) != 4*dim {
		return nil, fmt.Errorf("vector blob has %d bytes, expected %d", len(buf), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
