package contest

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/skyduel/skyduel/pkg/observability"
)

// PostgresContestStore is the production ContestStore. DueContests
// over-approximates on purpose: it selects every non-complete contest
// whose next boundary has passed and lets the scheduler decide the
// transition.
type PostgresContestStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPostgresContestStore wires the store to a live connection pool.
func NewPostgresContestStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) *PostgresContestStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &PostgresContestStore{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

// DueContests returns contests whose phase boundary is at or before now.
func (s *PostgresContestStore) DueContests(ctx context.Context, now time.Time) ([]Contest, error) {
	startTime := time.Now()
	success := false
	defer func() {
		s.metrics.RecordDatabaseOperation("due_contests", success, time.Since(startTime).Seconds())
	}()

	query := `
		SELECT id, name, phase, registration_at, starts_at, ends_at
		FROM contests
		WHERE (phase = 'scheduled' AND registration_at <= $1)
		   OR (phase = 'registration' AND starts_at <= $1)
		   OR (phase = 'live' AND ends_at <= $1)
		ORDER BY starts_at ASC
	`

	var due []Contest
	if err := s.db.SelectContext(ctx, &due, query, now); err != nil {
		s.logger.Error("Failed to list due contests", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, errors.Wrap(err, "failed to list due contests")
	}

	success = true
	return due, nil
}

// AdvancePhase applies one transition, guarded by the phase the
// scheduler observed so a concurrent advance cannot double-apply.
func (s *PostgresContestStore) AdvancePhase(ctx context.Context, id string, from, to Phase) error {
	startTime := time.Now()
	success := false
	defer func() {
		s.metrics.RecordDatabaseOperation("advance_contest_phase", success, time.Since(startTime).Seconds())
	}()

	query := `
		UPDATE contests
		SET phase = $1, updated_at = now()
		WHERE id = $2 AND phase = $3
	`

	result, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		s.logger.Error("Failed to advance contest phase", map[string]interface{}{
			"contest_id": id,
			"from":       string(from),
			"to":         string(to),
			"error":      err.Error(),
		})
		return errors.Wrap(err, "failed to advance contest phase")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read advance result")
	}
	if affected == 0 {
		return errors.Errorf("contest %s is no longer in phase %s", id, from)
	}

	success = true
	return nil
}
