package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/db"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/query"
	log "github.com/sirupsen/logrus"
)

// Auditor records dataset management requests in the audits table.
type Auditor struct {
	pool *db.Pool
	sql  string
}

func NewAuditor(pool *db.Pool) *Auditor {
	b := query.New(pool.Placeholder())
	cols := make([]string, 7)
	for i := range cols {
		cols[i] = b.Arg(nil)
	}
	return &Auditor{
		pool: pool,
		sql: `INSERT INTO audits (actor, action, resource_type, resource, status, ip_address, user_agent)
		VALUES (` + strings.Join(cols, ", ") + `)`,
	}
}

type Entry struct {
	Actor        string
	Action       string
	ResourceType string
	Resource     string
	Status       int
	IPAddress    string
	UserAgent    string
}

func (a *Auditor) Log(ctx context.Context, entry Entry) error {
	_, err := a.pool.Primary().ExecContext(ctx, a.sql,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.Resource,
		entry.Status,
		entry.IPAddress,
		entry.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Middleware audits successful PUT, PATCH and DELETE requests. Event
// ingestion and queries are not audited.
func (a *Auditor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auditable(r) {
			next.ServeHTTP(w, r)
			return
		}

		actor := r.Header.Get("X-User")
		if actor == "" {
			actor = "anonymous"
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 400 {
			return
		}
		resourceType, resource := extractResource(r.URL.Path)
		entry := Entry{
			Actor:        actor,
			Action:       fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			ResourceType: resourceType,
			Resource:     resource,
			Status:       wrapped.statusCode,
			IPAddress:    clientIP(r),
			UserAgent:    r.UserAgent(),
		}

		// The request may already be cancelled once the response is written.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := a.Log(ctx, entry); err != nil {
			log.Errorf("Failed to log audit entry: %v", err)
		}
	})
}

func auditable(r *http.Request) bool {
	switch r.Method {
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// extractResource splits /v1/<type>/<name>... into its type and name.
func extractResource(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 0 && parts[0] == "v1" {
		parts = parts[1:]
	}
	switch len(parts) {
	case 0:
		return "unknown", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], parts[1]
	}
}
