package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditor(t *testing.T) (*Auditor, *db.Pool) {
	t.Helper()
	ctx := context.Background()
	pool, err := db.Open(ctx, db.Config{
		Driver:     db.SQLite,
		PrimaryDSN: db.SQLiteDSN(filepath.Join(t.TempDir(), "audit.sqlite")),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, db.Migrate(ctx, pool))
	return NewAuditor(pool), pool
}

func TestMiddlewareAuditsSuccessfulWrites(t *testing.T) {
	a, pool := newAuditor(t)
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/datasets/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	send := func(method, path string) {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User", "ops")
		req.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	send(http.MethodPut, "/v1/datasets/web")
	send(http.MethodDelete, "/v1/datasets/missing")
	send(http.MethodGet, "/v1/datasets")
	send(http.MethodPost, "/v1/events")

	rows, err := pool.Primary().Query(`SELECT actor, action, resource_type, resource, status, ip_address FROM audits`)
	require.NoError(t, err)
	defer rows.Close()

	var got []Entry
	for rows.Next() {
		var e Entry
		require.NoError(t, rows.Scan(&e.Actor, &e.Action, &e.ResourceType, &e.Resource, &e.Status, &e.IPAddress))
		got = append(got, e)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []Entry{{
		Actor:        "ops",
		Action:       "PUT /v1/datasets/web",
		ResourceType: "datasets",
		Resource:     "web",
		Status:       http.StatusOK,
		IPAddress:    "10.0.0.7",
	}}, got)
}

func TestExtractResource(t *testing.T) {
	cases := []struct {
		path, typ, name string
	}{
		{"/v1/datasets/web", "datasets", "web"},
		{"/v1/datasets", "datasets", ""},
		{"/add", "add", ""},
		{"/", "", ""},
	}
	for _, tc := range cases {
		typ, name := extractResource(tc.path)
		assert.Equal(t, tc.typ, typ, tc.path)
		assert.Equal(t, tc.name, name, tc.path)
	}
}
