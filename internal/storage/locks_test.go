package storage_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/storage"
)

func TestStore_Acquire(t *testing.T) {
	upsert := regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")

	t.Run("Granted", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(upsert).
			WithArgs("lock:periodic", storage.LockQueue, "node-a", timeArg(fixedNow), timeArg(fixedNow.Add(30*time.Second))).
			WillReturnRows(sqlmock.NewRows([]string{"lease_owner"}).AddRow("node-a"))

		ok, err := store.Acquire(context.Background(), "periodic", "node-a", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("HeldElsewhere", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(upsert).
			WillReturnRows(sqlmock.NewRows([]string{"lease_owner"}))

		ok, err := store.Acquire(context.Background(), "periodic", "node-b", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("OnlyTakesOverLiveLockRows", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE queue_jobs.queue_name = EXCLUDED.queue_name AND ( queue_jobs.status = 'pending' OR (queue_jobs.status = 'leased' AND (")).
			WillReturnRows(sqlmock.NewRows([]string{"lease_owner"}))

		ok, err := store.Acquire(context.Background(), "periodic", "node-a", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		store, _ := newMockStore(t)

		_, err := store.Acquire(context.Background(), "", "node-a", time.Second)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = store.Acquire(context.Background(), "periodic", "", time.Second)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = store.Acquire(context.Background(), "periodic", "node-a", 0)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestStore_Release(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL")

	mock.ExpectExec(query).
		WithArgs("lock:periodic", "node-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, store.Release(context.Background(), "periodic", "node-a"))

	mock.ExpectExec(query).
		WithArgs("lock:periodic", "node-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Release(context.Background(), "periodic", "node-b"), domain.ErrLeaseLost)

	assert.NoError(t, mock.ExpectationsWereMet())
}
