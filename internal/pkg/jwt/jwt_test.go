package jwt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec, err := New(testSecret, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec, clock
}

func TestNewRejectsWeakSecret(t *testing.T) {
	for _, secret := range []string{"", "   ", "short-secret"} {
		if _, err := New(secret); !errors.Is(err, ErrWeakSecret) {
			t.Fatalf("secret %q: expected ErrWeakSecret, got %v", secret, err)
		}
	}
}

func TestIssueVerifyRoundTripUntilExpiry(t *testing.T) {
	codec, clock := newTestCodec(t)

	token, err := codec.Issue("alice", "admin", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.Advance(30 * time.Second)
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}
	if claims.SubjectID != "alice" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.ExpiresAt.After(claims.IssuedAt) {
		t.Fatalf("expected exp after iat, got iat=%s exp=%s", claims.IssuedAt, claims.ExpiresAt)
	}
	if claims.ID == "" {
		t.Fatal("expected jti to be set")
	}

	clock.Advance(2 * time.Minute)
	_, err = codec.Verify(token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after ttl, got %v", err)
	}
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Kind != KindExpired {
		t.Fatalf("expected EXPIRED kind, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	codec, clock := newTestCodec(t)
	other, err := New("ffffffffffffffffffffffffffffffff", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new other codec: %v", err)
	}

	token, err := other.Issue("alice", "user", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := codec.Verify(token); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, err := codec.Issue("alice", "user", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(token, ".")
	forged, err := codec.Issue("mallory", "admin", time.Hour)
	if err != nil {
		t.Fatalf("issue forged: %v", err)
	}
	parts[1] = strings.Split(forged, ".")[1]

	if _, err := codec.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for swapped payload, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	codec, clock := newTestCodec(t)
	now := clock.Now()
	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{
		Role: "admin",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "mallory",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour)),
		},
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.Verify(raw); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for alg none, got %v", err)
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	codec, _ := newTestCodec(t)
	for _, raw := range []string{"", "not-a-token", "a.b.c", "....", "eyJhbGciOiJIUzI1NiJ9.e30"} {
		_, err := codec.Verify(raw)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("input %q: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestVerifyRequiresSubject(t *testing.T) {
	codec, clock := newTestCodec(t)
	now := clock.Now()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour)),
		},
	})
	raw, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Verify(raw); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed without sub, got %v", err)
	}
}

func TestIssuerMismatchRejected(t *testing.T) {
	codec, clock := newTestCodec(t, WithIssuer("authgate"))
	other, err := New(testSecret, WithClock(clock.Now), WithIssuer("someone-else"))
	if err != nil {
		t.Fatalf("new other codec: %v", err)
	}
	token, err := other.Issue("alice", "user", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := codec.Verify(token); err == nil {
		t.Fatal("expected issuer mismatch to fail")
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	codec, _ := newTestCodec(t)
	if _, err := codec.Issue("", "user", time.Hour); err == nil {
		t.Fatal("expected empty subject to fail")
	}
	if _, err := codec.Issue("alice", "user", 0); err == nil {
		t.Fatal("expected zero ttl to fail")
	}
	if _, err := codec.Issue("alice", "user", 500*time.Millisecond); err == nil {
		t.Fatal("expected sub-second ttl to fail")
	}
}

func TestIssueKeepsFullTTLOffSecondBoundary(t *testing.T) {
	codec, clock := newTestCodec(t)
	clock.Advance(900 * time.Millisecond)

	for _, ttl := range []time.Duration{time.Second, 1500 * time.Millisecond, time.Minute} {
		token, err := codec.Issue("alice", "user", ttl)
		if err != nil {
			t.Fatalf("issue ttl=%s: %v", ttl, err)
		}
		if _, err := codec.Verify(token); err != nil {
			t.Fatalf("verify right after issue, ttl=%s: %v", ttl, err)
		}

		clock.Advance(ttl - 10*time.Millisecond)
		claims, err := codec.Verify(token)
		if err != nil {
			t.Fatalf("verify just before ttl elapsed, ttl=%s: %v", ttl, err)
		}
		if !claims.ExpiresAt.After(claims.IssuedAt) {
			t.Fatalf("exp must follow iat, got iat=%s exp=%s", claims.IssuedAt, claims.ExpiresAt)
		}

		clock.Advance(time.Second + 10*time.Millisecond)
		if _, err := codec.Verify(token); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired once ttl elapsed, ttl=%s, got %v", ttl, err)
		}
	}
}

func TestVerifyConcurrent(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, err := codec.Issue("alice", "user", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := codec.Verify(token); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent verify failed: %v", err)
	}
}
