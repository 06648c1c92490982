// internal/storage/postgres.go
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
)

const (
	// Connection pool limits
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute

	// Timeout for the liveness check run after opening the pool
	connectPingTimeout = 5 * time.Second
)

// Postgres is the database dependency handed to lifecycle managers. The
// connection pool is opened by Connect and released by Close; Query and
// Execute fail with STORAGE_NOT_CONNECTED outside that window.
type Postgres struct {
	cfg    config.DatabaseConfig
	logger *logging.Logger

	// open is swapped out in tests to inject a mock pool.
	open func(driverName, dsn string) (*sqlx.DB, error)

	mu sync.RWMutex
	db *sqlx.DB
}

var _ lifecycle.Database = (*Postgres)(nil)

// NewPostgres creates an unconnected Postgres handle for the given database
// configuration.
func NewPostgres(cfg config.DatabaseConfig, logger *logging.Logger) *Postgres {
	return &Postgres{
		cfg:    cfg,
		logger: logger.WithField("component", "postgres"),
		open:   sqlx.Open,
	}
}

// Connect opens the connection pool and verifies it with a ping. Calling
// Connect on an already connected handle is a no-op.
func (p *Postgres) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}

	db, err := p.open("postgres", p.cfg.DSN())
	if err != nil {
		return errs.StorageWrapWithCode(err, errs.OpConnect, errs.StorageErrConnection,
			fmt.Sprintf("opening postgres database %s", p.cfg.Name))
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return errs.StorageWrapWithCode(err, errs.OpConnect, errs.StorageErrPing,
			fmt.Sprintf("pinging postgres database %s", p.cfg.Name))
	}

	p.db = db
	p.logger.Info("connected", "host", p.cfg.Host, "port", p.cfg.Port, "database", p.cfg.Name)
	return nil
}

// Close releases the connection pool. Closing an unconnected handle is a
// no-op so Stop after a failed Start stays safe.
func (p *Postgres) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	p.db = nil
	if err != nil {
		return errs.StorageWrapWithCode(err, errs.OpDisconnect, errs.StorageErrConnection,
			fmt.Sprintf("closing postgres database %s", p.cfg.Name))
	}

	p.logger.Info("closed")
	return nil
}

// Query runs a statement that returns rows and scans each row into a map.
func (p *Postgres) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	db, err := p.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.StorageWrapWithCode(err, errs.OpQuery, errs.StorageErrQuery,
			"running query")
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, errs.StorageWrapWithCode(err, errs.OpQuery, errs.StorageErrScan,
				"scanning row")
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.StorageWrapWithCode(err, errs.OpQuery, errs.StorageErrQuery,
			"reading rows")
	}

	return results, nil
}

// Execute runs a statement that returns no rows.
func (p *Postgres) Execute(ctx context.Context, stmt string, args ...interface{}) error {
	db, err := p.handle()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return errs.StorageWrapWithCode(err, errs.OpExecute, errs.StorageErrExec,
			"executing statement")
	}
	return nil
}

// Ping verifies the connection is alive. Health checkers call this.
func (p *Postgres) Ping(ctx context.Context) error {
	db, err := p.handle()
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return errs.StorageWrapWithCode(err, errs.OpPing, errs.StorageErrPing,
			fmt.Sprintf("pinging postgres database %s", p.cfg.Name))
	}
	return nil
}

func (p *Postgres) handle() (*sqlx.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, errs.StorageErrorf(errs.StorageErrNotConnected,
			"postgres database %s is not connected", p.cfg.Name)
	}
	return p.db, nil
}
