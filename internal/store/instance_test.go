package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sensiflow/instancectl/internal/apperrors"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db), mock, func() { db.Close() }
}

func TestCreateInsertsRow(t *testing.T) {
	s, mock, closeDB := newTestStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO instance").
		WithArgs(int64(42), string(StatusActive), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Create(context.Background(), Instance{ID: 42, Status: StatusActive})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsUpdatedBeforeCreated(t *testing.T) {
	s, mock, closeDB := newTestStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectRollback()

	now := time.Now().UTC()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Create(context.Background(), Instance{
			ID:        1,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now.Add(-time.Hour),
		})
		return err
	})
	require.True(t, apperrors.IsDomainLogic(err), "expected domain logic error, got %v", err)
}

func TestGetReturnsFalseWhenAbsent(t *testing.T) {
	s, mock, closeDB := newTestStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}))
	mock.ExpectCommit()

	var found bool
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, ok, err := tx.Get(context.Background(), 99)
		found = ok
		return err
	})
	require.NoError(t, err)
	require.False(t, found, "expected instance 99 to be absent")
}

func TestUpdateReportsZeroRowsForMissingID(t *testing.T) {
	s, mock, closeDB := newTestStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instance").
		WithArgs(int64(7), string(StatusInactive), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var rows int64
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		rows, err = tx.Update(context.Background(), 7, StatusInactive)
		return err
	})
	require.NoError(t, err)
	require.Zero(t, rows)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock, closeDB := newTestStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := apperrors.ErrEngineError
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return wantErr
	})
	require.Equal(t, wantErr, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
