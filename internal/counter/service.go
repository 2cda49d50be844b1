// Package counter records distinct ids per (dataset, field, value) and
// answers approximate cardinality queries over them.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/sketch"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/store"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidInput is returned for empty dataset names, field names or
// distinct ids.
var ErrInvalidInput = errors.New("invalid input")

// DatasetCache caches dataset name to id lookups.
type DatasetCache interface {
	DatasetID(ctx context.Context, name string) (int64, bool)
	SetDatasetID(ctx context.Context, name string, id int64)
	InvalidateDataset(ctx context.Context, name string)
}

type nopCache struct{}

func (nopCache) DatasetID(context.Context, string) (int64, bool) { return 0, false }
func (nopCache) SetDatasetID(context.Context, string, int64)     {}
func (nopCache) InvalidateDataset(context.Context, string)       {}

type Service struct {
	store   store.Store
	alg     sketch.Algebra
	cache   DatasetCache
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithCache(c DatasetCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a Service over st. alg must be the algebra that reads
// the sketches st returns from Sketches.
func NewService(st store.Store, alg sketch.Algebra, opts ...Option) *Service {
	s := &Service{store: st, alg: alg, cache: nopCache{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveOrCreate returns the id of the named dataset, registering it on
// first use. Concurrent callers for the same new name get the same id.
func (s *Service) ResolveOrCreate(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty dataset name", ErrInvalidInput)
	}
	if id, ok := s.cache.DatasetID(ctx, name); ok {
		return id, nil
	}
	id, err := s.store.EnsureDataset(ctx, name)
	if err != nil {
		s.storeError("ensure_dataset", err)
		return 0, err
	}
	s.cache.SetDatasetID(ctx, name, id)
	return id, nil
}

// Lookup returns the id of an existing dataset or store.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, name string) (int64, error) {
	if id, ok := s.cache.DatasetID(ctx, name); ok {
		return id, nil
	}
	id, err := s.store.LookupDataset(ctx, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.storeError("lookup_dataset", err)
		}
		return 0, err
	}
	s.cache.SetDatasetID(ctx, name, id)
	return id, nil
}

func (s *Service) ListDatasets(ctx context.Context) ([]store.Dataset, error) {
	datasets, err := s.store.ListDatasets(ctx)
	if err != nil {
		s.storeError("list_datasets", err)
	}
	return datasets, err
}

// Remove deletes a dataset and, through the cascade, all of its counters.
func (s *Service) Remove(ctx context.Context, id int64) error {
	name, err := s.store.RemoveDataset(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.storeError("remove_dataset", err)
		}
		return err
	}
	s.cache.InvalidateDataset(ctx, name)
	log.WithFields(log.Fields{"dataset": name, "id": id}).Info("Dataset removed")
	return nil
}

func (s *Service) RemoveByName(ctx context.Context, name string) error {
	// Skip the cache so a stale id cannot remove a recreated dataset.
	id, err := s.store.LookupDataset(ctx, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.storeError("lookup_dataset", err)
		}
		return err
	}
	return s.Remove(ctx, id)
}

// RecordEvent merges distinctID into the counter of (datasetID, field,
// value). Recording the same distinct id again does not change the count.
func (s *Service) RecordEvent(ctx context.Context, datasetID int64, field, value, distinctID string) error {
	if field == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidInput)
	}
	if distinctID == "" {
		return fmt.Errorf("%w: empty distinct id", ErrInvalidInput)
	}
	t := store.Triple{DatasetID: datasetID, Field: field, Value: value}
	if err := s.store.MergeItem(ctx, t, distinctID); err != nil {
		if !errors.Is(err, store.ErrUnknownDataset) {
			s.storeError("merge_item", err)
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.EventsRecorded.Inc()
	}
	return nil
}

// Record resolves the dataset by name and records distinctID under every
// field of fields. It returns the number of counters updated. If the
// dataset disappears between resolution and recording it is resolved again
// once.
func (s *Service) Record(ctx context.Context, dataset, distinctID string, fields map[string]string) (int, error) {
	id, err := s.ResolveOrCreate(ctx, dataset)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	retried := false
	recorded := 0
	for i := 0; i < len(names); i++ {
		field := names[i]
		err := s.RecordEvent(ctx, id, field, fields[field], distinctID)
		if errors.Is(err, store.ErrUnknownDataset) && !retried {
			retried = true
			s.cache.InvalidateDataset(ctx, dataset)
			if id, err = s.ResolveOrCreate(ctx, dataset); err != nil {
				return recorded, err
			}
			log.WithField("dataset", dataset).Warn("Dataset vanished while recording, resolved again")
			i--
			continue
		}
		if err != nil {
			return recorded, err
		}
		recorded++
	}
	return recorded, nil
}

// Count estimates how many distinct ids were recorded for value in field.
// A dataset or counter that does not exist counts as zero.
func (s *Service) Count(ctx context.Context, dataset, field, value string) (float64, error) {
	est, err := s.store.Estimate(ctx, dataset, field, value)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.query("count", metrics.OutcomeEmpty)
		return 0, nil
	case err != nil:
		s.query("count", metrics.OutcomeError)
		s.storeError("estimate", err)
		return 0, err
	}
	s.query("count", metrics.OutcomeHit)
	return est, nil
}

// CountIntersection estimates how many distinct ids satisfy every filter.
// Duplicate filters are harmless. A filter with no counter makes the
// intersection empty, as does an empty filter list.
func (s *Service) CountIntersection(ctx context.Context, dataset string, filters []store.Filter) (sketch.Estimate, error) {
	counters, err := s.store.Sketches(ctx, dataset, filters)
	if err != nil {
		s.query("intersection", metrics.OutcomeError)
		s.storeError("sketches", err)
		return sketch.Zero, err
	}

	byFilter := make(map[store.Filter][]byte, len(counters))
	for _, c := range counters {
		byFilter[c.Filter] = c.Sketch
	}

	sketches := make([][]byte, 0, len(filters))
	for _, f := range filters {
		sk, ok := byFilter[f]
		if !ok {
			log.WithFields(log.Fields{
				"dataset": dataset,
				"field":   f.Field,
			}).Debug("Filter matched no counter")
			s.query("intersection", metrics.OutcomeEmpty)
			return sketch.Zero, nil
		}
		sketches = append(sketches, sk)
	}
	if len(sketches) == 0 {
		s.query("intersection", metrics.OutcomeEmpty)
		return sketch.Zero, nil
	}

	combined, err := sketch.IntersectAll(s.alg, sketches)
	if err != nil {
		s.query("intersection", metrics.OutcomeError)
		return sketch.Zero, err
	}
	est, err := s.alg.EstimateWithBounds(combined)
	if err != nil {
		s.query("intersection", metrics.OutcomeError)
		return sketch.Zero, err
	}
	s.query("intersection", metrics.OutcomeHit)
	return est, nil
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) query(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.Queries.WithLabelValues(kind, outcome).Inc()
	}
}

func (s *Service) storeError(op string, err error) {
	log.WithError(err).WithField("op", op).Error("Store operation failed")
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}
