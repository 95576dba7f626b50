package presence

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("alice", "c2")
	r.Register("bob", "c3")

	if !r.IsOnline("alice") || !r.IsOnline("bob") || r.IsOnline("carol") {
		t.Fatal("unexpected online state")
	}
	if got := r.ConnectionCountFor("alice"); got != 2 {
		t.Fatalf("alice connections = %d, want 2", got)
	}
	if r.OnlineCount() != 2 || r.ConnectionCount() != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", r.OnlineCount(), r.ConnectionCount())
	}

	if still := r.Unregister("alice", "c1"); !still {
		t.Fatal("unregister c1 should leave alice online")
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice should still be online")
	}
	if still := r.Unregister("alice", "c2"); still {
		t.Fatal("unregister c2 should take alice offline")
	}
	if r.IsOnline("alice") || r.OnlineCount() != 1 {
		t.Fatal("alice should be offline")
	}

	if still := r.Unregister("carol", "ghost"); still {
		t.Fatal("unknown connection reported online")
	}
	r.Unregister("alice", "c2")
	if r.ConnectionCount() != 1 {
		t.Fatalf("double unregister changed counts: %d", r.ConnectionCount())
	}
}

func TestUnregisterChecksOwner(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("bob", "c2")

	if still := r.Unregister("alice", "c2"); !still {
		t.Fatal("mismatched unregister should report alice's own state")
	}
	if subject, ok := r.SubjectOf("c2"); !ok || subject != "bob" {
		t.Fatalf("c2 must stay with bob, got (%q, %v)", subject, ok)
	}
	if !r.IsOnline("bob") || r.ConnectionCount() != 2 {
		t.Fatal("mismatched unregister must be a no-op")
	}

	// After a move the old subject no longer owns the connection.
	r.Register("carol", "c1")
	r.Unregister("alice", "c1")
	if !r.IsOnline("carol") {
		t.Fatal("stale unregister removed the moved connection")
	}
	r.Unregister("carol", "c1")
	if r.IsOnline("carol") || r.ConnectionCount() != 1 {
		t.Fatalf("carol should be offline, connections=%d", r.ConnectionCount())
	}
}

func TestRegisterIgnoresEmptyIDs(t *testing.T) {
	r := NewRegistry()
	r.Register("", "c1")
	r.Register("alice", "")
	if r.ConnectionCount() != 0 || r.OnlineCount() != 0 {
		t.Fatal("empty ids must not register")
	}
}

func TestReregisterMovesConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("bob", "c1")

	if r.IsOnline("alice") {
		t.Fatal("alice still owns the moved connection")
	}
	if subject, ok := r.SubjectOf("c1"); !ok || subject != "bob" {
		t.Fatalf("SubjectOf = (%q, %v), want bob", subject, ok)
	}
	if r.ConnectionCount() != 1 {
		t.Fatalf("connection count = %d, want 1", r.ConnectionCount())
	}

	r.Register("bob", "c1")
	if got := r.ConnectionCountFor("bob"); got != 1 {
		t.Fatalf("idempotent register gave %d connections", got)
	}
}

func TestConnectionsForReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "c1")
	r.Register("alice", "c2")

	conns := r.ConnectionsFor("alice")
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c1" || conns[1] != "c2" {
		t.Fatalf("connections = %v", conns)
	}
	conns[0] = "mutated"
	r.Unregister("alice", "c2")
	if again := r.ConnectionsFor("alice"); len(again) != 1 || again[0] != "c1" {
		t.Fatalf("registry changed through snapshot: %v", again)
	}
	if got := r.ConnectionsFor("nobody"); len(got) != 0 {
		t.Fatalf("offline subject connections = %v", got)
	}
}

func TestConcurrentMovesKeepOneOwner(t *testing.T) {
	r := NewRegistry()
	const conns, rounds = 16, 50

	var wg sync.WaitGroup
	for c := 0; c < conns; c++ {
		for i := 0; i < rounds; i++ {
			wg.Add(1)
			go func(c, i int) {
				defer wg.Done()
				r.Register(fmt.Sprintf("user-%d", i%4), fmt.Sprintf("conn-%d", c))
			}(c, i)
		}
	}
	wg.Wait()

	if r.ConnectionCount() != conns {
		t.Fatalf("connection count = %d, want %d", r.ConnectionCount(), conns)
	}
	total := 0
	for s := 0; s < 4; s++ {
		total += r.ConnectionCountFor(fmt.Sprintf("user-%d", s))
	}
	if total != conns {
		t.Fatalf("connections across subjects = %d, want %d", total, conns)
	}
	for c := 0; c < conns; c++ {
		id := fmt.Sprintf("conn-%d", c)
		subject, ok := r.SubjectOf(id)
		if !ok {
			t.Fatalf("%s lost its owner", id)
		}
		r.Unregister(subject, id)
	}
	if r.OnlineCount() != 0 || r.ConnectionCount() != 0 {
		t.Fatalf("leftover presence: %d/%d", r.OnlineCount(), r.ConnectionCount())
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	const subjects, perSubject = 50, 8

	var wg sync.WaitGroup
	for s := 0; s < subjects; s++ {
		for c := 0; c < perSubject; c++ {
			wg.Add(1)
			go func(s, c int) {
				defer wg.Done()
				subject := fmt.Sprintf("user-%d", s)
				conn := fmt.Sprintf("%s-conn-%d", subject, c)
				r.Register(subject, conn)
				_ = r.IsOnline(subject)
				_ = r.ConnectionsFor(subject)
			}(s, c)
		}
	}
	wg.Wait()
	if r.OnlineCount() != subjects || r.ConnectionCount() != subjects*perSubject {
		t.Fatalf("counts = %d/%d", r.OnlineCount(), r.ConnectionCount())
	}

	for s := 0; s < subjects; s++ {
		for c := 0; c < perSubject; c++ {
			wg.Add(1)
			go func(s, c int) {
				defer wg.Done()
				subject := fmt.Sprintf("user-%d", s)
				r.Unregister(subject, fmt.Sprintf("%s-conn-%d", subject, c))
			}(s, c)
		}
	}
	wg.Wait()
	if r.OnlineCount() != 0 || r.ConnectionCount() != 0 {
		t.Fatalf("leftover presence: %d/%d", r.OnlineCount(), r.ConnectionCount())
	}
}
