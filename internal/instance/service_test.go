package instance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sensiflow/instancectl/internal/apperrors"
	"github.com/sensiflow/instancectl/internal/containerengine"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/store"
)

var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *containerengine.Fake, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	engine := containerengine.NewFake()
	svc := New(store.New(db), engine, RunImage{Image: "worker:latest", Entrypoint: []string{"worker"}}, Config{}, logging.New("test", "error", "text"))
	return svc, engine, mock, func() { db.Close() }
}

func TestStartOnAbsentCreatesRowAndRunsContainer(t *testing.T) {
	svc, engine, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}))
	mock.ExpectExec("INSERT INTO instance").
		WithArgs(int64(42), "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := svc.Start(context.Background(), 42, "rtsp://a/s")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := engine.Get(context.Background(), "instance-42"); err != nil {
		t.Fatalf("expected container instance-42 to exist: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStartOnActiveIsConflict(t *testing.T) {
	svc, _, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(42), "ACTIVE", fixedTime, fixedTime))
	mock.ExpectRollback()

	err := svc.Start(context.Background(), 42, "rtsp://a/s")
	if !apperrors.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestStopOnAbsentIsNotFound(t *testing.T) {
	svc, _, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}))
	mock.ExpectRollback()

	err := svc.Stop(context.Background(), 7)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStopOnInactiveIsNoOp(t *testing.T) {
	svc, _, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(7), "INACTIVE", fixedTime, fixedTime))
	mock.ExpectCommit()

	if err := svc.Stop(context.Background(), 7); err != nil {
		t.Fatalf("stop on inactive: %v", err)
	}
}

func TestStopReportsNotFoundButCommitsRowOnDrift(t *testing.T) {
	svc, engine, mock, closeDB := newTestService(t)
	defer closeDB()
	// No backing container: Remove must still be treated as drift, the row
	// update must commit, and NotFound must be reported to the caller.
	_ = engine

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(42), "ACTIVE", fixedTime, fixedTime))
	mock.ExpectExec("UPDATE instance").
		WithArgs(int64(42), "INACTIVE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM processedstream").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := svc.Stop(context.Background(), 42)
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRemoveOnAbsentIsOkIdempotent(t *testing.T) {
	svc, _, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}))
	mock.ExpectCommit()

	if err := svc.Remove(context.Background(), 99); err != nil {
		t.Fatalf("remove on absent: %v", err)
	}
}

func TestPauseOnPausedIsNoOp(t *testing.T) {
	svc, _, mock, closeDB := newTestService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(5), "PAUSED", fixedTime, fixedTime))
	mock.ExpectCommit()

	if err := svc.Pause(context.Background(), 5); err != nil {
		t.Fatalf("pause on paused: %v", err)
	}
}

func TestExistsReflectsEngineState(t *testing.T) {
	svc, engine, _, closeDB := newTestService(t)
	defer closeDB()

	ok, err := svc.Exists(context.Background(), 1)
	if err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}

	if _, err := engine.Run(context.Background(), containerengine.RunSpec{Name: "instance-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	ok, err = svc.Exists(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("expected present, got ok=%v err=%v", ok, err)
	}
}
