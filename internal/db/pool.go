package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/query"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	Postgres Driver = "postgres"
	SQLite   Driver = "sqlite"
)

// Config for database connections
type Config struct {
	Driver         Driver
	PrimaryDSN     string
	ReplicaDSNs    []string
	MaxConnections int
	MaxIdleConns   int
	ConnMaxLife    time.Duration

	// Retry policy for ExecWithRetry.
	RetryInterval time.Duration
	MaxRetries    uint64
}

// Pool is a bounded connection pool with a write primary and optional read
// replicas. database/sql already synchronises access to connections, so the
// pool is shared by reference without any outer lock; callers queue inside
// database/sql when all MaxConnections are busy.
type Pool struct {
	driver   Driver
	primary  *sql.DB
	replicas []*sql.DB
	stmts    map[string]*sql.Stmt
	mu       sync.RWMutex
	rrIndex  atomic.Uint32

	retryInterval time.Duration
	maxRetries    uint64
}

// Open connects to the primary and any reachable replicas.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Driver != Postgres && cfg.Driver != SQLite {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}

	primary, err := sql.Open(string(cfg.Driver), cfg.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary: %w", err)
	}
	primary.SetMaxOpenConns(cfg.MaxConnections)
	primary.SetMaxIdleConns(cfg.MaxIdleConns)
	primary.SetConnMaxLifetime(cfg.ConnMaxLife)

	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}

	var replicas []*sql.DB
	for _, dsn := range cfg.ReplicaDSNs {
		replica, err := sql.Open(string(cfg.Driver), dsn)
		if err != nil {
			log.Warnf("Failed to open replica: %v", err)
			continue
		}
		replica.SetMaxOpenConns(max(1, cfg.MaxConnections/len(cfg.ReplicaDSNs)))
		replica.SetMaxIdleConns(cfg.MaxIdleConns / len(cfg.ReplicaDSNs))
		replica.SetConnMaxLifetime(cfg.ConnMaxLife)

		if err := replica.PingContext(ctx); err != nil {
			log.Warnf("Failed to ping replica: %v", err)
			replica.Close()
			continue
		}
		replicas = append(replicas, replica)
	}

	p := New(cfg.Driver, primary, replicas...)
	if cfg.RetryInterval > 0 {
		p.retryInterval = cfg.RetryInterval
	}
	if cfg.MaxRetries > 0 {
		p.maxRetries = cfg.MaxRetries
	}

	log.WithFields(log.Fields{
		"driver":          cfg.Driver,
		"max_connections": cfg.MaxConnections,
		"replicas":        len(replicas),
	}).Info("Database pool initialized")
	return p, nil
}

// New wraps already opened handles. Reads fall back to the primary when no
// replica is given.
func New(driver Driver, primary *sql.DB, replicas ...*sql.DB) *Pool {
	if len(replicas) == 0 {
		replicas = []*sql.DB{primary}
	}
	return &Pool{
		driver:        driver,
		primary:       primary,
		replicas:      replicas,
		stmts:         make(map[string]*sql.Stmt),
		retryInterval: 100 * time.Millisecond,
		maxRetries:    3,
	}
}

func (p *Pool) Driver() Driver {
	return p.driver
}

// Placeholder returns the bind-parameter style of the driver.
func (p *Pool) Placeholder() query.Placeholder {
	if p.driver == SQLite {
		return query.Question
	}
	return query.Dollar
}

// Primary returns the write connection pool.
func (p *Pool) Primary() *sql.DB {
	return p.primary
}

// Replica returns a read pool using round-robin.
func (p *Pool) Replica() *sql.DB {
	idx := p.rrIndex.Add(1) % uint32(len(p.replicas))
	return p.replicas[idx]
}

// Stmt returns a statement prepared on the primary, preparing it on first use.
func (p *Pool) Stmt(ctx context.Context, q string) (*sql.Stmt, error) {
	p.mu.RLock()
	stmt, ok := p.stmts[q]
	p.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if stmt, ok := p.stmts[q]; ok {
		return stmt, nil
	}
	stmt, err := p.primary.PrepareContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	p.stmts[q] = stmt
	return stmt, nil
}

// ExecWithRetry executes a prepared write statement, retrying transient
// failures with exponential backoff. Only statements that are safe to
// repeat may be issued through it.
func (p *Pool) ExecWithRetry(ctx context.Context, q string, args ...any) (sql.Result, error) {
	stmt, err := p.Stmt(ctx, q)
	if err != nil {
		return nil, err
	}

	var result sql.Result
	op := func() error {
		var err error
		result, err = stmt.ExecContext(ctx, args...)
		return classify(err)
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("wait", wait).Warn("Retrying statement")
	}
	if err := backoff.RetryNotify(op, p.backoff(ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

// InTx runs fn in a transaction on the primary and commits it. The whole
// transaction is retried when it fails with a transient error, so fn must
// not have side effects outside tx.
func (p *Pool) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := p.primary.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return classify(err)
		}
		return classify(tx.Commit())
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("wait", wait).Warn("Retrying transaction")
	}
	return backoff.RetryNotify(op, p.backoff(ctx), notify)
}

func classify(err error) error {
	if err != nil && !IsRetryable(err) {
		return backoff.Permanent(err)
	}
	return err
}

func (p *Pool) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.retryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.maxRetries), ctx)
}

// Ping checks the primary.
func (p *Pool) Ping(ctx context.Context) error {
	return p.primary.PingContext(ctx)
}

// Close closes all database connections
func (p *Pool) Close() error {
	p.mu.Lock()
	for _, stmt := range p.stmts {
		stmt.Close()
	}
	p.stmts = make(map[string]*sql.Stmt)
	p.mu.Unlock()

	for _, replica := range p.replicas {
		if replica != p.primary {
			replica.Close()
		}
	}
	return p.primary.Close()
}
