package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mx-space/authgate/internal/models"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Set AUTHGATE_TEST_MYSQL_DSN to a disposable database to run these.
func newGormTestManager(t *testing.T) (*Manager, *testClock, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("AUTHGATE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("AUTHGATE_TEST_MYSQL_DSN not set")
	}
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	if err := db.AutoMigrate(&models.RefreshSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.RefreshSession{})
	t.Cleanup(func() {
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.RefreshSession{})
	})

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	mgr := NewManager(NewGormStore(db), WithClock(clock.Now), WithTTL(PurposeRefresh, time.Hour))
	return mgr, clock, db
}

func TestGormStoreLifecycle(t *testing.T) {
	mgr, clock, _ := newGormTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "alice", PurposeRefresh, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	v, err := mgr.ValidateSession(ctx, sess.ID, PurposeRefresh)
	if err != nil || !v.Valid {
		t.Fatalf("validate: %+v err=%v", v, err)
	}
	next, err := mgr.RotateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := mgr.RotateSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}

	reset, _ := mgr.CreateSession(ctx, "alice", PurposePasswordReset, time.Hour)
	if ok, err := mgr.TryConsume(ctx, reset.ID); err != nil || !ok {
		t.Fatalf("consume: %v err=%v", ok, err)
	}
	if ok, err := mgr.TryConsume(ctx, reset.ID); err != nil || ok {
		t.Fatalf("second consume: %v err=%v", ok, err)
	}

	clock.Advance(2 * time.Hour)
	v, _ = mgr.ValidateSession(ctx, next.ID, PurposeRefresh)
	if v.Reason != ReasonExpired {
		t.Fatalf("expected EXPIRED, got %+v", v)
	}
	n, err := mgr.SweepExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
}

func TestGormStoreConcurrentRotation(t *testing.T) {
	mgr, _, _ := newGormTestManager(t)
	assertSingleRotationWinner(t, mgr)
}
