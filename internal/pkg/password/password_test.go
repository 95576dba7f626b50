package password

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	h := New(bcrypt.MinCost)

	hash, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash must not equal the plaintext")
	}
	if err := h.Verify(hash, "correct horse battery"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.Verify(hash, "wrong horse battery"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if err := h.Verify("", "anything"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for empty hash, got %v", err)
	}
	if err := h.Verify("not-a-bcrypt-hash", "anything"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for garbage hash, got %v", err)
	}
}

func TestHashLengthPolicy(t *testing.T) {
	h := New(bcrypt.MinCost)
	if _, err := h.Hash("short"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", MaxLength+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestNewClampsCost(t *testing.T) {
	if got := New(0).Cost(); got != bcrypt.DefaultCost {
		t.Fatalf("expected default cost, got %d", got)
	}
	if got := New(bcrypt.MaxCost + 1).Cost(); got != bcrypt.DefaultCost {
		t.Fatalf("expected default cost, got %d", got)
	}
	if got := New(bcrypt.MinCost).Cost(); got != bcrypt.MinCost {
		t.Fatalf("expected min cost, got %d", got)
	}
}
