package app

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mx-space/authgate/internal/config"
	pkgredis "github.com/mx-space/authgate/internal/pkg/redis"
	"github.com/mx-space/authgate/internal/pkg/session"
	"github.com/redis/go-redis/v9"
)

func TestOriginAllowed(t *testing.T) {
	patterns := []string{"https://app.example.com", "*.example.org", "localhost:*"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"https://a.example.org", true},
		{"https://example.org", false},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:5173", false},
	}
	for _, tc := range cases {
		if got := originAllowed(patterns, tc.origin); got != tc.want {
			t.Errorf("originAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestNewSessionStore(t *testing.T) {
	cfg := &config.AppConfig{}

	cfg.Auth.SessionStore = config.SessionStoreMemory
	store, err := newSessionStore(cfg, nil, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*session.MemoryStore); !ok {
		t.Fatalf("memory store type = %T", store)
	}

	cfg.Auth.SessionStore = config.SessionStoreRedis
	if _, err := newSessionStore(cfg, nil, nil); err == nil {
		t.Fatal("redis store without a client must fail")
	}
	mr := miniredis.RunT(t)
	rc := pkgredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer rc.Close()
	store, err = newSessionStore(cfg, nil, rc)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if _, ok := store.(*session.RedisStore); !ok {
		t.Fatalf("redis store type = %T", store)
	}

	cfg.Auth.SessionStore = "postgres"
	if _, err := newSessionStore(cfg, nil, nil); err == nil {
		t.Fatal("unknown store must fail")
	}
}

func TestHumanizeDuration(t *testing.T) {
	cases := map[time.Duration]string{
		1500 * time.Millisecond:       "1s",
		90 * time.Second:              "1m0s",
		3*time.Hour + 20*time.Minute:  "3h0m0s",
		50*time.Hour + 30*time.Minute: "48h0m0s",
	}
	for d, want := range cases {
		if got := humanizeDuration(d); got != want {
			t.Errorf("humanizeDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
