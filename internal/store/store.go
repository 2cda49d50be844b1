// Package store persists datasets and their per-(field, value) sketches.
package store

import (
	"context"
	"errors"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/query"
)

var (
	// ErrNotFound means the dataset or counter does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownDataset is returned by MergeItem when the dataset id does
	// not reference an existing dataset.
	ErrUnknownDataset = errors.New("unknown dataset")
)

type Dataset struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Filter selects the counter for one (field, value) pair.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Triple identifies a single counter row.
type Triple struct {
	DatasetID int64
	Field     string
	Value     string
}

// Counter is a stored sketch and the pair it counts.
type Counter struct {
	Filter
	Sketch []byte
}

// Store is the persistence contract of the counter service. Every method
// is a self-contained statement or transaction; implementations are safe
// for concurrent use.
type Store interface {
	// EnsureDataset registers name if needed and returns its id.
	EnsureDataset(ctx context.Context, name string) (int64, error)
	LookupDataset(ctx context.Context, name string) (int64, error)
	ListDatasets(ctx context.Context) ([]Dataset, error)
	// RemoveDataset deletes the dataset and its counters and returns the
	// removed name.
	RemoveDataset(ctx context.Context, id int64) (string, error)

	// MergeItem unions item into the sketch of t, creating the counter on
	// first use.
	MergeItem(ctx context.Context, t Triple, item string) error
	Estimate(ctx context.Context, dataset, field, value string) (float64, error)
	// Sketches returns the counters of dataset matching any of filters.
	// Each filter matches at most one counter.
	Sketches(ctx context.Context, dataset string, filters []Filter) ([]Counter, error)

	Ping(ctx context.Context) error
}

// sketchesQuery builds the counter selection for a list of filters. Only
// len(filters) influences the statement text.
func sketchesQuery(ph query.Placeholder, sketchExpr, dataset string, filters []Filter) (string, []any) {
	b := query.New(ph)
	datasetClause := b.Eq("d.name", dataset)

	var match query.Disjunction
	for _, f := range filters {
		match.Add(query.And(b.Eq("c.field_name", f.Field), b.Eq("c.value", f.Value)))
	}

	q := `SELECT c.field_name, c.value, ` + sketchExpr + `
		FROM counter c
		INNER JOIN dataset d ON d.id = c.dataset_id
		WHERE ` + datasetClause + ` AND ` + match.String()
	return q, b.Args()
}
