package gateway

import (
	"testing"
	"time"
)

func TestNotifier(t *testing.T) {
	hub, network, codec := newTestHub(t)
	notifier := NewNotifier(hub)
	notifier.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

	a, b := network.conn("a"), network.conn("b")
	hub.HandleConnection(a, issue(t, codec, "alice"))
	hub.HandleConnection(b, issue(t, codec, "bob"))
	if err := hub.Subscribe("b", "ops"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	note := notifier.NotifyNew("alice", Notification{Title: "New reply", Data: map[string]any{"postId": "p1"}})
	if note.ID == "" || note.Type != "system" || !note.CreatedAt.Equal(notifier.now()) {
		t.Fatalf("notification defaults not applied: %+v", note)
	}
	got := a.received(EventNotificationNew)
	if len(got) != 1 {
		t.Fatalf("alice notifications = %d", len(got))
	}
	payload := got[0].Payload.(map[string]any)
	if payload["id"] != note.ID || payload["title"] != "New reply" || payload["createdAt"] != "2026-05-04T10:00:00Z" {
		t.Fatalf("payload = %v", payload)
	}
	if len(b.received(EventNotificationNew)) != 0 {
		t.Fatal("bob received alice's notification")
	}

	notifier.NotifyCountUpdated("alice", -4)
	counts := a.received(EventCountUpdated)
	if len(counts) != 1 || counts[0].Payload.(map[string]any)["count"] != 0 {
		t.Fatalf("count events = %v", counts)
	}

	if err := notifier.NotifyBroadcast("ops", map[string]any{"msg": "deploy"}); err != nil {
		t.Fatalf("room broadcast: %v", err)
	}
	if len(a.received(EventBroadcast)) != 0 || len(b.received(EventBroadcast)) != 1 {
		t.Fatal("room broadcast reached the wrong sockets")
	}
	if err := notifier.NotifyBroadcast("", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(a.received(EventBroadcast)) != 1 || len(b.received(EventBroadcast)) != 2 {
		t.Fatal("global broadcast missed a socket")
	}
	if err := notifier.NotifyBroadcast("user:alice", nil); err == nil {
		t.Fatal("broadcast into a private room must fail")
	}
}
