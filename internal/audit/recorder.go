// internal/audit/recorder.go

// Package audit journals lifecycle state transitions into the database so
// operators can reconstruct what a service did and when.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
)

const (
	createTableStmt = `CREATE TABLE IF NOT EXISTS service_transitions (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`

	insertStmt = `INSERT INTO service_transitions (service, from_status, to_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	historyStmt = `SELECT service, from_status, to_status, reason, occurred_at
		FROM service_transitions WHERE service = $1 ORDER BY occurred_at DESC LIMIT $2`

	// DefaultHistoryLimit caps history reads when the caller does not say.
	DefaultHistoryLimit = 50
)

// TransitionRecord is one journalled state change as read back from the
// database.
type TransitionRecord struct {
	Service    string    `json:"service"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recorder writes every observed transition to the service_transitions
// table. It implements lifecycle.Observer; insert failures are logged and
// swallowed so a journalling problem never fails a lifecycle operation.
type Recorder struct {
	db     lifecycle.Database
	logger *logging.Logger

	mu    sync.Mutex
	ready bool
}

var _ lifecycle.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder writing through the given database.
func NewRecorder(db lifecycle.Database, logger *logging.Logger) *Recorder {
	return &Recorder{
		db:     db,
		logger: logger.WithField("component", "audit"),
	}
}

// EnsureSchema creates the transitions table if it does not exist. Runs at
// most once per recorder; journalling triggers it lazily so transitions
// that happen while the database is still connecting are simply skipped.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}
	if err := r.db.Execute(ctx, createTableStmt); err != nil {
		return fmt.Errorf("creating service_transitions table: %w", err)
	}
	r.ready = true
	return nil
}

// ServiceTransitioned journals one state change.
func (r *Recorder) ServiceTransitioned(ctx context.Context, t lifecycle.Transition) {
	err := r.EnsureSchema(ctx)
	if err == nil {
		err = r.db.Execute(ctx, insertStmt,
			t.Service, string(t.From), string(t.To), t.Reason, t.At)
	}
	if err != nil {
		// The transition already happened; losing the journal row must
		// not fail the lifecycle operation.
		if errs.IsStorageError(err, errs.StorageErrNotConnected) {
			r.logger.Debug("transition not journalled, database offline",
				"service", t.Service, "to", t.To.Lower())
			return
		}
		r.logger.WithError(err).Error("failed to journal transition",
			"service", t.Service, "from", t.From.Lower(), "to", t.To.Lower())
	}
}

// History returns the most recent journalled transitions for a service,
// newest first.
func (r *Recorder) History(ctx context.Context, service string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := r.db.Query(ctx, historyStmt, service, limit)
	if err != nil {
		return nil, fmt.Errorf("reading transition history for %s: %w", service, err)
	}

	records := make([]TransitionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, TransitionRecord{
			Service:    stringField(row, "service"),
			FromStatus: stringField(row, "from_status"),
			ToStatus:   stringField(row, "to_status"),
			Reason:     stringField(row, "reason"),
			OccurredAt: timeField(row, "occurred_at"),
		})
	}
	return records, nil
}

func stringField(row map[string]interface{}, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func timeField(row map[string]interface{}, key string) time.Time {
	if t, ok := row[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}
