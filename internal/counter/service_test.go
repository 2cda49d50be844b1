package counter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/sketch"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteService(t *testing.T, alg sketch.Algebra, opts ...Option) *Service {
	t.Helper()
	ctx := context.Background()
	pool, err := db.Open(ctx, db.Config{
		Driver:         db.SQLite,
		PrimaryDSN:     db.SQLiteDSN(filepath.Join(t.TempDir(), "counter.sqlite")),
		MaxConnections: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, db.Migrate(ctx, pool))
	return NewService(store.NewSQLite(pool, alg), alg, opts...)
}

func algebras(t *testing.T) map[string]sketch.Algebra {
	th, err := sketch.NewTheta()
	require.NoError(t, err)
	return map[string]sketch.Algebra{"theta": th, "exact": sketch.Exact{}}
}

func seedPeople(t *testing.T, s *Service, dataset string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.ResolveOrCreate(ctx, dataset)
	require.NoError(t, err)
	tag := func(from, to int, city, name string) {
		for i := from; i < to; i++ {
			require.NoError(t, s.RecordEvent(ctx, id, "City", city, fmt.Sprint(i)))
			require.NoError(t, s.RecordEvent(ctx, id, "Name", name, fmt.Sprint(i)))
		}
	}
	tag(0, 5, "Brisbane", "Caleb")
	tag(5, 10, "Cape Town", "Caleb")
	tag(10, 15, "Cape Town", "Gina")
	return id
}

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	ctx := context.Background()

	id1, err := s.ResolveOrCreate(ctx, "test dataset")
	require.NoError(t, err)
	id2, err := s.ResolveOrCreate(ctx, "test dataset")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	datasets, err := s.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Len(t, datasets, 1)

	_, err = s.ResolveOrCreate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentResolveReturnsOneID(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	ctx := context.Background()

	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.ResolveOrCreate(ctx, "shared")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestRecordHundredDistinctIDs(t *testing.T) {
	for name, alg := range algebras(t) {
		t.Run(name, func(t *testing.T) {
			s := newSQLiteService(t, alg)
			ctx := context.Background()
			id, err := s.ResolveOrCreate(ctx, "d2")
			require.NoError(t, err)

			for i := 0; i < 100; i++ {
				require.NoError(t, s.RecordEvent(ctx, id, "City", "Brisbane", fmt.Sprint(i)))
			}

			count, err := s.Count(ctx, "d2", "City", "Brisbane")
			require.NoError(t, err)
			assert.Equal(t, 100.0, count)
		})
	}
}

func TestRecordingSameIDIsIdempotent(t *testing.T) {
	for name, alg := range algebras(t) {
		t.Run(name, func(t *testing.T) {
			s := newSQLiteService(t, alg)
			ctx := context.Background()
			id, err := s.ResolveOrCreate(ctx, "d")
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				require.NoError(t, s.RecordEvent(ctx, id, "City", "Brisbane", "session-1"))
			}
			count, err := s.Count(ctx, "d", "City", "Brisbane")
			require.NoError(t, err)
			assert.Equal(t, 1.0, count)
		})
	}
}

func TestCountIntersection(t *testing.T) {
	for name, alg := range algebras(t) {
		t.Run(name, func(t *testing.T) {
			s := newSQLiteService(t, alg)
			ctx := context.Background()
			seedPeople(t, s, "people")

			cases := []struct {
				name    string
				filters []store.Filter
				want    [3]float64
			}{
				{"brisbane calebs", []store.Filter{{Field: "City", Value: "Brisbane"}, {Field: "Name", Value: "Caleb"}}, [3]float64{5, 5, 5}},
				{"cape town", []store.Filter{{Field: "City", Value: "Cape Town"}}, [3]float64{10, 10, 10}},
				{"ginas", []store.Filter{{Field: "Name", Value: "Gina"}}, [3]float64{5, 5, 5}},
				{"cape town calebs", []store.Filter{{Field: "City", Value: "Cape Town"}, {Field: "Name", Value: "Caleb"}}, [3]float64{5, 5, 5}},
				{"duplicate filter", []store.Filter{{Field: "Name", Value: "Caleb"}, {Field: "Name", Value: "Caleb"}}, [3]float64{10, 10, 10}},
				{"disjoint", []store.Filter{{Field: "City", Value: "Brisbane"}, {Field: "Name", Value: "Gina"}}, [3]float64{0, 0, 0}},
				{"unmatched filter", []store.Filter{{Field: "City", Value: "Cape Town"}, {Field: "Name", Value: "Nobody"}}, [3]float64{0, 0, 0}},
				{"no filters", nil, [3]float64{0, 0, 0}},
			}
			for _, tc := range cases {
				t.Run(tc.name, func(t *testing.T) {
					est, err := s.CountIntersection(ctx, "people", tc.filters)
					require.NoError(t, err)
					assert.Equal(t, tc.want, est.Triple())
				})
			}
		})
	}
}

func TestUnknownDatasetCountsZero(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	ctx := context.Background()

	count, err := s.Count(ctx, "missing", "City", "Brisbane")
	require.NoError(t, err)
	assert.Zero(t, count)

	est, err := s.CountIntersection(ctx, "missing", []store.Filter{{Field: "City", Value: "Brisbane"}})
	require.NoError(t, err)
	assert.Equal(t, sketch.Zero, est)
}

func TestRemoveCascades(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	ctx := context.Background()
	id := seedPeople(t, s, "people")

	require.NoError(t, s.Remove(ctx, id))

	count, err := s.Count(ctx, "people", "City", "Brisbane")
	require.NoError(t, err)
	assert.Zero(t, count)
	est, err := s.CountIntersection(ctx, "people", []store.Filter{{Field: "Name", Value: "Caleb"}})
	require.NoError(t, err)
	assert.Equal(t, sketch.Zero, est)

	assert.ErrorIs(t, s.Remove(ctx, id), store.ErrNotFound)
	assert.ErrorIs(t, s.RemoveByName(ctx, "people"), store.ErrNotFound)
}

func TestRecordEventRejectsUnknownDataset(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	err := s.RecordEvent(context.Background(), 12345, "City", "Brisbane", "1")
	assert.ErrorIs(t, err, store.ErrUnknownDataset)
}

func TestRecordEventValidatesInput(t *testing.T) {
	s := newSQLiteService(t, sketch.Exact{})
	ctx := context.Background()
	assert.ErrorIs(t, s.RecordEvent(ctx, 1, "", "Brisbane", "1"), ErrInvalidInput)
	assert.ErrorIs(t, s.RecordEvent(ctx, 1, "City", "Brisbane", ""), ErrInvalidInput)
}

func TestRecordAllFields(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := newSQLiteService(t, sketch.Exact{}, WithMetrics(m))
	ctx := context.Background()

	n, err := s.Record(ctx, "web", "evt-1", map[string]string{"City": "Brisbane", "Browser": "firefox"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Record(ctx, "web", "evt-2", map[string]string{"City": "Brisbane", "Browser": "chrome"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.Count(ctx, "web", "City", "Brisbane")
	require.NoError(t, err)
	assert.Equal(t, 2.0, count)
	est, err := s.CountIntersection(ctx, "web", []store.Filter{{Field: "City", Value: "Brisbane"}, {Field: "Browser", Value: "chrome"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, est.Value)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.EventsRecorded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("count", metrics.OutcomeHit)))
}

// fakeStore fails or misbehaves on demand and delegates otherwise.
type fakeStore struct {
	store.Store
	mu          sync.Mutex
	err         error
	vanishOnce  bool
	ensureCalls int
}

func (f *fakeStore) EnsureDataset(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	f.ensureCalls++
	f.mu.Unlock()
	return f.Store.EnsureDataset(ctx, name)
}

func (f *fakeStore) MergeItem(ctx context.Context, t store.Triple, item string) error {
	f.mu.Lock()
	vanish := f.vanishOnce
	f.vanishOnce = false
	f.mu.Unlock()
	if vanish {
		return store.ErrUnknownDataset
	}
	return f.Store.MergeItem(ctx, t, item)
}

func (f *fakeStore) Estimate(ctx context.Context, dataset, field, value string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.Store.Estimate(ctx, dataset, field, value)
}

func (f *fakeStore) Sketches(ctx context.Context, dataset string, filters []store.Filter) ([]store.Counter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.Store.Sketches(ctx, dataset, filters)
}

type memCache struct {
	mu  sync.Mutex
	ids map[string]int64
}

func (c *memCache) DatasetID(_ context.Context, name string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[name]
	return id, ok
}

func (c *memCache) SetDatasetID(_ context.Context, name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[name] = id
}

func (c *memCache) InvalidateDataset(_ context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, name)
}

func TestStoreErrorsPropagate(t *testing.T) {
	inner := newSQLiteService(t, sketch.Exact{})
	outage := errors.New("connection refused")
	fs := &fakeStore{Store: inner.store, err: outage}
	s := NewService(fs, sketch.Exact{})
	ctx := context.Background()

	_, err := s.Count(ctx, "people", "City", "Brisbane")
	assert.ErrorIs(t, err, outage)
	_, err = s.CountIntersection(ctx, "people", []store.Filter{{Field: "City", Value: "Brisbane"}})
	assert.ErrorIs(t, err, outage)
}

func TestRecordResolvesAgainWhenDatasetVanishes(t *testing.T) {
	inner := newSQLiteService(t, sketch.Exact{})
	fs := &fakeStore{Store: inner.store}
	c := &memCache{ids: map[string]int64{}}
	s := NewService(fs, sketch.Exact{}, WithCache(c))
	ctx := context.Background()

	_, err := s.Record(ctx, "web", "evt-1", map[string]string{"City": "Brisbane"})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.ensureCalls)

	fs.vanishOnce = true
	n, err := s.Record(ctx, "web", "evt-2", map[string]string{"City": "Brisbane"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, fs.ensureCalls)

	count, err := s.Count(ctx, "web", "City", "Brisbane")
	require.NoError(t, err)
	assert.Equal(t, 2.0, count)
}

func TestRemoveInvalidatesCache(t *testing.T) {
	c := &memCache{ids: map[string]int64{}}
	s := newSQLiteService(t, sketch.Exact{}, WithCache(c))
	ctx := context.Background()

	id, err := s.ResolveOrCreate(ctx, "web")
	require.NoError(t, err)
	_, ok := c.DatasetID(ctx, "web")
	require.True(t, ok)

	require.NoError(t, s.RemoveByName(ctx, "web"))
	_, ok = c.DatasetID(ctx, "web")
	assert.False(t, ok)

	again, err := s.ResolveOrCreate(ctx, "web")
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}
