package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sensiflow/instancectl/internal/bus"
	"github.com/sensiflow/instancectl/internal/codec"
	"github.com/sensiflow/instancectl/internal/containerengine"
	"github.com/sensiflow/instancectl/internal/logging"
	"github.com/sensiflow/instancectl/internal/store"
	"github.com/sensiflow/instancectl/internal/workerpool"
)

func newTestLoop(t *testing.T) (*Loop, *containerengine.Fake, *bus.Fake, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	engine := containerengine.NewFake()
	fakeBus := bus.NewFake()
	loop := New(store.New(db), engine, fakeBus, workerpool.New(4), Config{}, logging.New("test", "error", "text"), nil)
	return loop, engine, fakeBus, mock, func() { db.Close() }
}

var scanTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestReapOnceSkipsPassWhenEngineUnreachable(t *testing.T) {
	loop, engine, _, mock, closeDB := newTestLoop(t)
	defer closeDB()
	engine.PingErr = context.DeadlineExceeded

	loop.reapOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no DB queries when ping fails: %v", err)
	}
}

func TestReapOncePausedRowStopsThenMarksInactive(t *testing.T) {
	loop, engine, _, mock, closeDB := newTestLoop(t)
	defer closeDB()

	if _, err := engine.Run(context.Background(), containerengine.RunSpec{Name: "instance-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	engine.SetStatus("instance-1", "paused")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(1), "PAUSED", scanTime, scanTime))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instance").
		WithArgs(int64(1), "INACTIVE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	loop.reapOnce(context.Background())

	c, err := engine.Get(context.Background(), "instance-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != "exited" {
		t.Fatalf("expected stopped container, got status %q", c.Status)
	}
}

func TestScanOnceDeletesRowForMissingContainer(t *testing.T) {
	loop, _, fakeBus, mock, closeDB := newTestLoop(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(99), "ACTIVE", scanTime, scanTime))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM instance").
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	loop.scanOnce(context.Background())

	if len(fakeBus.Notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(fakeBus.Notifications))
	}
	var n codec.Notification
	if err := json.Unmarshal(fakeBus.Notifications[0], &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Action != codec.ActionRemovedInstance || n.Code != codec.CodeRemovedInstance || len(n.DeviceIDs) != 1 || n.DeviceIDs[0] != 99 {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestScanOnceMarksExitedContainerInactive(t *testing.T) {
	loop, engine, fakeBus, mock, closeDB := newTestLoop(t)
	defer closeDB()

	if _, err := engine.Run(context.Background(), containerengine.RunSpec{Name: "instance-42"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	engine.SetStatus("instance-42", "exited")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, status, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).
			AddRow(int64(42), "ACTIVE", scanTime, scanTime))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instance").
		WithArgs(int64(42), "INACTIVE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	loop.scanOnce(context.Background())

	if len(fakeBus.Notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(fakeBus.Notifications))
	}
	var n codec.Notification
	if err := json.Unmarshal(fakeBus.Notifications[0], &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Action != codec.ActionUpdatedInstance || n.Code != codec.CodeUpdatedInstance {
		t.Fatalf("unexpected notification: %+v", n)
	}
}
