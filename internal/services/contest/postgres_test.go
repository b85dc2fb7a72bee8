package contest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyduel/skyduel/pkg/observability"
)

func setupPostgresStore(t *testing.T) (*PostgresContestStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	store := NewPostgresContestStore(sqlxDB, observability.NewStandardLogger("test"), observability.NewNoOpMetricsClient())

	return store, mock
}

func TestPostgresContestStore_DueContests(t *testing.T) {
	t.Run("Returns due contests in start order", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		now := time.Now().UTC()

		rows := sqlmock.NewRows([]string{"id", "name", "phase", "registration_at", "starts_at", "ends_at"}).
			AddRow("c-1", "Solana Sprint", "registration", now.Add(-2*time.Hour), now.Add(-time.Minute), now.Add(time.Hour)).
			AddRow("c-2", "Degen Derby", "live", now.Add(-4*time.Hour), now.Add(-3*time.Hour), now.Add(-time.Minute))

		mock.ExpectQuery("SELECT id, name, phase").
			WithArgs(now).
			WillReturnRows(rows)

		due, err := store.DueContests(context.Background(), now)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "c-1", due[0].ID)
		assert.Equal(t, PhaseRegistration, due[0].Phase)
		assert.Equal(t, "Degen Derby", due[1].Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Wraps query failures", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectQuery("SELECT id, name, phase").
			WillReturnError(pkgerrors.New("connection refused"))

		_, err := store.DueContests(context.Background(), time.Now())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list due contests")
	})
}

func TestPostgresContestStore_AdvancePhase(t *testing.T) {
	t.Run("Applies the guarded transition", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectExec("UPDATE contests").
			WithArgs("live", "c-1", "registration").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.AdvancePhase(context.Background(), "c-1", PhaseRegistration, PhaseLive)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rejects when the observed phase moved underneath", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectExec("UPDATE contests").
			WithArgs("complete", "c-1", "live").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AdvancePhase(context.Background(), "c-1", PhaseLive, PhaseComplete)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no longer in phase live")
	})

	t.Run("Wraps exec failures", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectExec("UPDATE contests").
			WillReturnError(pkgerrors.New("deadlock detected"))

		err := store.AdvancePhase(context.Background(), "c-1", PhaseScheduled, PhaseRegistration)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to advance contest phase")
	})
}
