package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/sketch"
)

// SQLite stores serialized sketches as blobs and applies the sketch
// algebra in process. Merges run in write transactions; sqlite allows one
// writer at a time, so read-modify-write of a sketch cannot lose an item.
type SQLite struct {
	pool *db.Pool
	alg  sketch.Algebra
}

const (
	sqliteEnsureDataset = `INSERT INTO dataset (name) VALUES (?) ON CONFLICT (name) DO NOTHING`
	sqliteLookupDataset = `SELECT id FROM dataset WHERE name = ?`
	sqliteDatasetExists = `SELECT 1 FROM dataset WHERE id = ?`
	sqliteListDatasets  = `SELECT id, name FROM dataset ORDER BY name`
	sqliteRemoveDataset = `DELETE FROM dataset WHERE id = ? RETURNING name`

	sqliteSelectSketch = `SELECT sketch FROM counter WHERE dataset_id = ? AND field_name = ? AND value = ?`
	sqliteUpdateSketch = `UPDATE counter SET sketch = ? WHERE dataset_id = ? AND field_name = ? AND value = ?`
	sqliteInsertSketch = `INSERT INTO counter (dataset_id, field_name, value, sketch) VALUES (?, ?, ?, ?)`
	sqliteEstimate     = `SELECT c.sketch
		FROM counter c
		INNER JOIN dataset d ON d.id = c.dataset_id
		WHERE d.name = ? AND c.field_name = ? AND c.value = ?`
)

func NewSQLite(pool *db.Pool, alg sketch.Algebra) *SQLite {
	return &SQLite{pool: pool, alg: alg}
}

func (s *SQLite) EnsureDataset(ctx context.Context, name string) (int64, error) {
	if _, err := s.pool.ExecWithRetry(ctx, sqliteEnsureDataset, name); err != nil {
		return 0, fmt.Errorf("insert dataset: %w", err)
	}
	var id int64
	if err := s.pool.Primary().QueryRowContext(ctx, sqliteLookupDataset, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("select dataset: %w", err)
	}
	return id, nil
}

func (s *SQLite) LookupDataset(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.Replica().QueryRowContext(ctx, sqliteLookupDataset, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select dataset: %w", err)
	}
	return id, nil
}

func (s *SQLite) ListDatasets(ctx context.Context) ([]Dataset, error) {
	return listDatasets(ctx, s.pool.Replica(), sqliteListDatasets)
}

func (s *SQLite) RemoveDataset(ctx context.Context, id int64) (string, error) {
	return removeDataset(ctx, s.pool.Primary(), sqliteRemoveDataset, id)
}

func (s *SQLite) MergeItem(ctx context.Context, t Triple, item string) error {
	fresh, err := s.alg.Build(item)
	if err != nil {
		return err
	}

	err = s.pool.InTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, sqliteDatasetExists, t.DatasetID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownDataset
		}
		if err != nil {
			return err
		}

		var current []byte
		err = tx.QueryRowContext(ctx, sqliteSelectSketch, t.DatasetID, t.Field, t.Value).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, sqliteInsertSketch, t.DatasetID, t.Field, t.Value, fresh)
			return err
		case err != nil:
			return err
		}

		merged, err := s.alg.Union(current, fresh)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqliteUpdateSketch, merged, t.DatasetID, t.Field, t.Value)
		return err
	})
	if errors.Is(err, ErrUnknownDataset) || db.IsForeignKeyViolation(err) {
		return ErrUnknownDataset
	}
	if err != nil {
		return fmt.Errorf("merge counter: %w", err)
	}
	return nil
}

func (s *SQLite) Estimate(ctx context.Context, dataset, field, value string) (float64, error) {
	var blob []byte
	err := s.pool.Replica().QueryRowContext(ctx, sqliteEstimate, dataset, field, value).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("estimate counter: %w", err)
	}
	return s.alg.Estimate(blob)
}

func (s *SQLite) Sketches(ctx context.Context, dataset string, filters []Filter) ([]Counter, error) {
	q, args := sketchesQuery(s.pool.Placeholder(), "c.sketch", dataset, filters)
	rows, err := s.pool.Replica().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select sketches: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.Field, &c.Value, &c.Sketch); err != nil {
			return nil, fmt.Errorf("scan sketch: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
