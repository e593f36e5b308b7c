package rebalancing

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Run is one recorded rebalancing cycle
type Run struct {
	ID              int64
	StartedAt       time.Time
	FinishedAt      time.Time
	Triggered       bool
	MaxDrift        decimal.Decimal
	OrdersSubmitted int
	OrdersRejected  int
	Error           string
}

// RunRepository stores cycle outcomes in the rebalance_runs table
type RunRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunRepository creates a run repository
func NewRunRepository(db *sql.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("repo", "rebalance_runs").Logger(),
	}
}

// Record inserts a run and returns its id
func (r *RunRepository) Record(run Run) (int64, error) {
	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}

	result, err := r.db.Exec(`
		INSERT INTO rebalance_runs
		(started_at, finished_at, triggered, max_drift, orders_submitted, orders_rejected, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.StartedAt.Unix(),
		run.FinishedAt.Unix(),
		run.Triggered,
		run.MaxDrift.String(),
		run.OrdersSubmitted,
		run.OrdersRejected,
		errText,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record rebalance run: %w", err)
	}
	return result.LastInsertId()
}

// ListRecent returns up to limit runs, newest first
func (r *RunRepository) ListRecent(limit int) ([]Run, error) {
	rows, err := r.db.Query(`
		SELECT id, started_at, finished_at, triggered, max_drift, orders_submitted, orders_rejected, error
		FROM rebalance_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rebalance runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                 Run
			startedAt, finished int64
			maxDrift            string
			errText             sql.NullString
		)
		if err := rows.Scan(&run.ID, &startedAt, &finished, &run.Triggered, &maxDrift,
			&run.OrdersSubmitted, &run.OrdersRejected, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance run: %w", err)
		}
		run.StartedAt = time.Unix(startedAt, 0)
		run.FinishedAt = time.Unix(finished, 0)
		run.Error = errText.String
		if run.MaxDrift, err = decimal.NewFromString(maxDrift); err != nil {
			return nil, fmt.Errorf("invalid max_drift %q: %w", maxDrift, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
