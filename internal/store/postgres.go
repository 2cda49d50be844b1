package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	log "github.com/sirupsen/logrus"
)

// Functions names the sketch functions of the Postgres extension.
type Functions struct {
	Build    string
	Union    string
	Estimate string
}

// DefaultFunctions are the theta sketch functions of the datasketches
// extension.
var DefaultFunctions = Functions{
	Build:    "theta_sketch_build",
	Union:    "theta_sketch_union",
	Estimate: "theta_sketch_get_estimate",
}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (f Functions) validate() error {
	for _, name := range []string{f.Build, f.Union, f.Estimate} {
		if !identifier.MatchString(name) {
			return fmt.Errorf("invalid sketch function name %q", name)
		}
	}
	return nil
}

// Postgres stores counters in a sketch column and lets the database build,
// union and estimate them.
type Postgres struct {
	pool *db.Pool

	mergeSQL    string
	insertSQL   string
	estimateSQL string
}

const (
	ensureDatasetSQL = `INSERT INTO dataset (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	lookupDatasetSQL = `SELECT id FROM dataset WHERE name = $1`
	listDatasetsSQL  = `SELECT id, name FROM dataset ORDER BY name`
	removeDatasetSQL = `DELETE FROM dataset WHERE id = $1 RETURNING name`
)

func NewPostgres(pool *db.Pool, fn Functions) (*Postgres, error) {
	if err := fn.validate(); err != nil {
		return nil, err
	}
	return &Postgres{
		pool: pool,
		mergeSQL: fmt.Sprintf(`UPDATE counter SET sketch = %s(sketch, (SELECT %s($4::text)))
		WHERE dataset_id = $1 AND field_name = $2 AND value = $3`, fn.Union, fn.Build),
		insertSQL: fmt.Sprintf(`INSERT INTO counter (dataset_id, field_name, value, sketch)
		SELECT $1::bigint, $2::text, $3::text, %s($4::text)
		ON CONFLICT (dataset_id, field_name, value) DO NOTHING`, fn.Build),
		estimateSQL: fmt.Sprintf(`SELECT %s(c.sketch)
		FROM counter c
		INNER JOIN dataset d ON d.id = c.dataset_id
		WHERE d.name = $1 AND c.field_name = $2 AND c.value = $3`, fn.Estimate),
	}, nil
}

func (s *Postgres) EnsureDataset(ctx context.Context, name string) (int64, error) {
	if _, err := s.pool.ExecWithRetry(ctx, ensureDatasetSQL, name); err != nil {
		return 0, fmt.Errorf("insert dataset: %w", err)
	}
	// Read back from the primary; a replica may not have the row yet.
	var id int64
	if err := s.pool.Primary().QueryRowContext(ctx, lookupDatasetSQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("select dataset: %w", err)
	}
	return id, nil
}

func (s *Postgres) LookupDataset(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.Replica().QueryRowContext(ctx, lookupDatasetSQL, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select dataset: %w", err)
	}
	return id, nil
}

func (s *Postgres) ListDatasets(ctx context.Context) ([]Dataset, error) {
	return listDatasets(ctx, s.pool.Replica(), listDatasetsSQL)
}

func (s *Postgres) RemoveDataset(ctx context.Context, id int64) (string, error) {
	return removeDataset(ctx, s.pool.Primary(), removeDatasetSQL, id)
}

// MergeItem updates the existing counter first. When no row matched it
// inserts a fresh sketch, ignoring a conflicting concurrent insert, and in
// that case retries the update once so the item lands in the winner's row.
func (s *Postgres) MergeItem(ctx context.Context, t Triple, item string) error {
	args := []any{t.DatasetID, t.Field, t.Value, item}

	merged, err := s.exec(ctx, s.mergeSQL, args)
	if err != nil || merged {
		return err
	}

	inserted, err := s.exec(ctx, s.insertSQL, args)
	if err != nil || inserted {
		return err
	}

	log.WithFields(log.Fields{
		"dataset_id": t.DatasetID,
		"field":      t.Field,
	}).Debug("Lost counter insert race, merging into existing row")
	merged, err = s.exec(ctx, s.mergeSQL, args)
	if err != nil {
		return err
	}
	if !merged {
		// The row was inserted by someone else and is already gone, which
		// only happens when the dataset is being removed.
		return ErrUnknownDataset
	}
	return nil
}

func (s *Postgres) exec(ctx context.Context, q string, args []any) (bool, error) {
	res, err := s.pool.ExecWithRetry(ctx, q, args...)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return false, ErrUnknownDataset
		}
		return false, fmt.Errorf("merge counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("merge counter: %w", err)
	}
	return n > 0, nil
}

func (s *Postgres) Estimate(ctx context.Context, dataset, field, value string) (float64, error) {
	var est float64
	err := s.pool.Replica().QueryRowContext(ctx, s.estimateSQL, dataset, field, value).Scan(&est)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("estimate counter: %w", err)
	}
	return est, nil
}

// Sketches reads the sketch column through its text output, which the
// extension renders as base64 of the serialized compact sketch.
func (s *Postgres) Sketches(ctx context.Context, dataset string, filters []Filter) ([]Counter, error) {
	q, args := sketchesQuery(s.pool.Placeholder(), "c.sketch::text", dataset, filters)
	rows, err := s.pool.Replica().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select sketches: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var (
			c       Counter
			encoded string
		)
		if err := rows.Scan(&c.Field, &c.Value, &encoded); err != nil {
			return nil, fmt.Errorf("scan sketch: %w", err)
		}
		c.Sketch, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode sketch for %s=%s: %w", c.Field, c.Value, err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func listDatasets(ctx context.Context, conn *sql.DB, q string) ([]Dataset, error) {
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := []Dataset{}
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

func removeDataset(ctx context.Context, conn *sql.DB, q string, id int64) (string, error) {
	var name string
	err := conn.QueryRowContext(ctx, q, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete dataset: %w", err)
	}
	return name, nil
}
