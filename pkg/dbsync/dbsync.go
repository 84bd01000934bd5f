package dbsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rsync/pkg/retry"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("baton-rsync/pkg.dbsync")

var (
	ErrClosed       = errors.New("dbsync: database handle is closed")
	ErrQuery        = errors.New("dbsync: query failed")
	ErrInvalidQuery = errors.New("dbsync: invalid query template")
)

const defaultStatementCacheSize = 256

type pragma struct {
	name  string
	value string
}

// DB is a handle to a SQLite database holding one or more synchronized tables.
//
// A DB may be shared by several sync sessions and may be closed independently of them;
// every operation checks liveness first and fails with ErrClosed once Close was called.
type DB struct {
	id     string
	rawDb  *sql.DB
	db     *goqu.Database
	closed atomic.Bool

	// mu serializes multi-step reads (count, split, checksum) against writers.
	mu sync.Mutex

	pragmas            []pragma
	statementCacheSize int
	statements         *otter.Cache[string, string]
	busyRetry          retry.RetryConfig
}

type Option func(*DB)

func WithPragma(name string, value string) Option {
	return func(o *DB) {
		o.pragmas = append(o.pragmas, pragma{name, value})
	}
}

// WithBusyRetry controls how reads are retried while another connection holds a
// conflicting lock on the database file.
func WithBusyRetry(cfg retry.RetryConfig) Option {
	return func(d *DB) {
		d.busyRetry = cfg
	}
}

// WithStatementCacheSize bounds the number of rendered query templates kept in memory.
func WithStatementCacheSize(size int) Option {
	return func(o *DB) {
		o.statementCacheSize = size
	}
}

// Open opens (creating if needed) the SQLite database at dbFilePath.
func Open(ctx context.Context, dbFilePath string, opts ...Option) (*DB, error) {
	ctx, span := tracer.Start(ctx, "dbsync.Open")
	defer span.End()

	rawDB, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, fmt.Errorf("dbsync: could not open database: %w", err)
	}

	d := &DB{
		id:                 uuid.NewString(),
		rawDb:              rawDB,
		db:                 goqu.New("sqlite3", rawDB),
		statementCacheSize: defaultStatementCacheSize,
		busyRetry: retry.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	if err := d.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	ctxzap.Extract(ctx).Debug("dbsync: opened database",
		zap.String("db_id", d.id),
		zap.String("path", dbFilePath),
	)

	return d, nil
}

// OpenMemory opens a private in-memory database. It is mostly useful for tests and
// for short-lived snapshots.
func OpenMemory(ctx context.Context, opts ...Option) (*DB, error) {
	d, err := Open(ctx, ":memory:", opts...)
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a different database.
	d.rawDb.SetMaxOpenConns(1)
	d.rawDb.SetConnMaxLifetime(0)
	d.rawDb.SetMaxIdleConns(1)
	return d, nil
}

func (d *DB) init(ctx context.Context) error {
	cache, err := otter.New(&otter.Options[string, string]{
		MaximumSize: d.statementCacheSize,
	})
	if err != nil {
		return fmt.Errorf("dbsync: could not create statement cache: %w", err)
	}
	d.statements = cache

	for _, p := range d.pragmas {
		_, err := d.rawDb.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return fmt.Errorf("dbsync: could not set pragma %s: %w", p.name, err)
		}
	}

	return nil
}

// ID uniquely identifies this handle for the lifetime of the process.
func (d *DB) ID() string {
	return d.id
}

// Lock acquires exclusive access to the handle. Callers that need several reads to
// observe the same table state hold the lock across all of them.
func (d *DB) Lock() {
	d.mu.Lock()
}

func (d *DB) Unlock() {
	d.mu.Unlock()
}

// Alive reports whether the handle can still be used.
func (d *DB) Alive() bool {
	return d != nil && !d.closed.Load()
}

func (d *DB) checkOpen() error {
	if !d.Alive() {
		return ErrClosed
	}
	return nil
}

// Close releases the underlying database. It is safe to call more than once.
func (d *DB) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.rawDb.Close()
	if err != nil {
		return fmt.Errorf("dbsync: error closing database: %w", err)
	}
	return nil
}

// ExecScript runs one or more SQL statements, e.g. a schema with seed rows.
func (d *DB) ExecScript(ctx context.Context, script string) error {
	ctx, span := tracer.Start(ctx, "dbsync.ExecScript")
	defer span.End()

	if err := d.checkOpen(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.rawDb.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

// Exec runs a single write statement while holding the handle lock.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.rawDb.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return res.RowsAffected()
}
