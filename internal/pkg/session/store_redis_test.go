package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:session"), mr
}

// Key expiry in miniredis follows wall time, so these tests start the manager
// clock at now instead of a fixed date.
func newRedisTestManager(t *testing.T) (*Manager, *testClock, *RedisStore, *miniredis.Miniredis) {
	t.Helper()
	store, mr := newRedisTestStore(t)
	clock := &testClock{now: time.Now().Truncate(time.Millisecond)}
	mgr := NewManager(store, WithClock(clock.Now), WithTTL(PurposeRefresh, time.Hour))
	return mgr, clock, store, mr
}

func TestRedisStoreLifecycle(t *testing.T) {
	mgr, clock, _, mr := newRedisTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "alice", PurposeRefresh, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := "test:session:s:" + digest(sess.ID)
	if !mr.Exists(key) {
		t.Fatalf("expected hash %s to exist", key)
	}
	if ttl := mr.TTL(key); ttl <= time.Hour {
		t.Fatalf("hash should outlive the session for expiry reporting, ttl=%s", ttl)
	}
	if ok, _ := mr.SIsMember("test:session:u:alice", digest(sess.ID)); !ok {
		t.Fatal("subject index missing session")
	}

	v, err := mgr.ValidateSession(ctx, sess.ID, PurposeRefresh)
	if err != nil || !v.Valid || v.SubjectID != "alice" {
		t.Fatalf("validate: %+v err=%v", v, err)
	}
	v, _ = mgr.ValidateSession(ctx, sess.ID, PurposePasswordReset)
	if v.Reason != ReasonWrongPurpose {
		t.Fatalf("expected WRONG_PURPOSE, got %+v", v)
	}

	next, err := mgr.RotateSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("rotated session hash must be deleted")
	}
	if ok, _ := mr.SIsMember("test:session:u:alice", digest(sess.ID)); ok {
		t.Fatal("rotated session must leave the subject index")
	}
	if _, err := mgr.RotateSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on replay, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	v, _ = mgr.ValidateSession(ctx, next.ID, PurposeRefresh)
	if v.Reason != ReasonExpired {
		t.Fatalf("expected EXPIRED, got %+v", v)
	}
	if _, err := mgr.RotateSession(ctx, next.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedisStoreConsume(t *testing.T) {
	mgr, _, _, _ := newRedisTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "alice", PurposePasswordReset, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := mgr.TryConsume(ctx, sess.ID)
	if err != nil || !first {
		t.Fatalf("first consume: %v err=%v", first, err)
	}
	second, err := mgr.TryConsume(ctx, sess.ID)
	if err != nil || second {
		t.Fatalf("second consume must lose: %v err=%v", second, err)
	}
	v, _ := mgr.ValidateSession(ctx, sess.ID, PurposePasswordReset)
	if v.Reason != ReasonAlreadyConsumed {
		t.Fatalf("expected ALREADY_CONSUMED, got %+v", v)
	}
	missing, err := mgr.TryConsume(ctx, "unknown")
	if err != nil || missing {
		t.Fatalf("consume unknown: %v err=%v", missing, err)
	}
}

func TestRedisStoreBulkRevocation(t *testing.T) {
	mgr, clock, _, mr := newRedisTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.CreateSession(ctx, "alice", PurposeRefresh, time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	bob, _ := mgr.CreateSession(ctx, "bob", PurposeRefresh, 10*time.Minute)
	carol, _ := mgr.CreateSession(ctx, "carol", PurposeRefresh, 3*time.Hour)

	n, err := mgr.RevokeAllForSubject(ctx, "alice")
	if err != nil || n != 3 {
		t.Fatalf("revoke alice: n=%d err=%v", n, err)
	}
	if mr.Exists("test:session:u:alice") {
		t.Fatal("subject index should be removed")
	}

	// A hash that already vanished from Redis is pruned from every index and counted.
	ghost := "test:session:s:" + digest(bob.ID)
	clock.Advance(time.Hour)
	mr.Del(ghost)
	n, err = mgr.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if ok, _ := mr.SIsMember("test:session:all", digest(bob.ID)); ok {
		t.Fatal("stale id should be pruned from the global index")
	}
	if mr.Exists("test:session:u:bob") {
		t.Fatal("stale id should be pruned from the subject index")
	}

	clock.Advance(3 * time.Hour)
	n, err = mgr.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep carol: n=%d err=%v", n, err)
	}
	v, _ := mgr.ValidateSession(ctx, carol.ID, PurposeRefresh)
	if v.Reason != ReasonNotFound {
		t.Fatalf("swept session should be NOT_FOUND, got %+v", v)
	}

	_, _ = mgr.CreateSession(ctx, "dave", PurposeRefresh, time.Hour)
	_, _ = mgr.CreateSession(ctx, "erin", PurposeRefresh, time.Hour)
	n, err = mgr.RevokeAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
}

func TestRedisStoreSweepAfterKeyExpiry(t *testing.T) {
	mgr, clock, _, mr := newRedisTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := mgr.CreateSession(ctx, "u1", PurposeRefresh, time.Minute); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	keep, err := mgr.CreateSession(ctx, "u2", PurposeRefresh, 24*time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Past expiredRetention Redis has dropped the hashes on its own.
	mr.FastForward(2 * time.Hour)
	clock.Advance(2 * time.Hour)

	n, err := mgr.SweepExpired(ctx)
	if err != nil || n != 5 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if mr.Exists("test:session:u:u1") {
		members, _ := mr.Members("test:session:u:u1")
		t.Fatalf("subject index should be empty, got %v", members)
	}
	if members, _ := mr.Members("test:session:all"); len(members) != 1 || members[0] != digest(keep.ID) {
		t.Fatalf("global index should only hold the live session, got %v", members)
	}
	if mr.HGet("test:session:owner", digest(keep.ID)) != "u2" {
		t.Fatal("owner entry of the live session must survive the sweep")
	}

	n, err = mgr.SweepExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestRedisStoreConcurrentRotation(t *testing.T) {
	mgr, _, _, _ := newRedisTestManager(t)
	assertSingleRotationWinner(t, mgr)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mgr, _, _, mr := newRedisTestManager(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "alice", PurposeRefresh, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.Close()

	if _, err := mgr.ValidateSession(ctx, sess.ID, PurposeRefresh); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from validate, got %v", err)
	}
	if _, err := mgr.RotateSession(ctx, sess.ID); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from rotate, got %v", err)
	}
	if _, err := mgr.CreateSession(ctx, "alice", PurposeRefresh, time.Hour); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from create, got %v", err)
	}
}
