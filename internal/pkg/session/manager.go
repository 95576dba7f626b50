package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mx-space/authgate/internal/models"
	"github.com/mx-space/authgate/internal/pkg/metrics"
	"go.uber.org/zap"
)

// Purpose is the use a session was issued for.
type Purpose = models.SessionPurpose

const (
	PurposeRefresh       = models.PurposeRefresh
	PurposePasswordReset = models.PurposePasswordReset
	PurposeEmailVerify   = models.PurposeEmailVerify
)

const (
	// TokenBytes is the entropy of a session id before encoding (256 bits).
	TokenBytes = 32
	// maxTokenLength bounds attacker input before hashing.
	maxTokenLength = 512

	DefaultRefreshTTL       = 30 * 24 * time.Hour
	DefaultPasswordResetTTL = time.Hour
	DefaultEmailVerifyTTL   = 24 * time.Hour
)

// RefreshSession is a session as seen by callers: ID is the opaque token to hand
// to the client. Only its digest reaches the store.
type RefreshSession struct {
	ID         string
	SubjectID  string
	Purpose    Purpose
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Validation is the read-only verdict of ValidateSession.
type Validation struct {
	Valid     bool
	SubjectID string
	Reason    Reason
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTTL sets the lifetime used when rotating sessions of the given purpose.
func WithTTL(purpose Purpose, ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttls[purpose] = ttl
		}
	}
}

// Manager is the only writer of refresh sessions.
type Manager struct {
	store  Store
	now    func() time.Time
	ttls   map[Purpose]time.Duration
	logger *zap.Logger
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
		ttls: map[Purpose]time.Duration{
			PurposeRefresh:       DefaultRefreshTTL,
			PurposePasswordReset: DefaultPasswordResetTTL,
			PurposeEmailVerify:   DefaultEmailVerifyTTL,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("SessionManager")
	return m
}

// TTL returns the configured lifetime for purpose.
func (m *Manager) TTL(purpose Purpose) time.Duration { return m.ttls[purpose] }

// CreateSession persists a new session and returns it with its plaintext id.
func (m *Manager) CreateSession(ctx context.Context, subjectID string, purpose Purpose, ttl time.Duration) (*RefreshSession, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || len(subjectID) > models.MaxSubjectLength {
		return nil, fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidSubject, models.MaxSubjectLength)
	}
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose)
	}
	if ttl <= 0 {
		ttl = m.ttls[purpose]
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := &models.RefreshSession{
		ID:        digest(token),
		SubjectID: subjectID,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		metrics.ObserveSession("create", metrics.OutcomeError)
		return nil, err
	}
	metrics.ObserveSession("create", metrics.OutcomeOK)
	return fromRecord(token, rec), nil
}

// ValidateSession checks a session without mutating it. The error is non-nil
// only for storage failures; every other outcome is expressed in Validation.
func (m *Manager) ValidateSession(ctx context.Context, sessionID string, expected Purpose) (Validation, error) {
	key, ok := lookupKey(sessionID)
	if !ok {
		return Validation{Reason: ReasonNotFound}, nil
	}
	rec, err := m.store.Find(ctx, key)
	if err != nil {
		return Validation{}, err
	}
	if rec == nil {
		return Validation{Reason: ReasonNotFound}, nil
	}
	if rec.Purpose != expected {
		return Validation{Reason: ReasonWrongPurpose}, nil
	}
	if rec.ConsumedAt != nil {
		return Validation{Reason: ReasonAlreadyConsumed}, nil
	}
	if !rec.ExpiresAt.After(m.now()) {
		return Validation{Reason: ReasonExpired}, nil
	}
	return Validation{Valid: true, SubjectID: rec.SubjectID}, nil
}

// RotateSession replaces oldSessionID with a fresh session for the same subject
// and purpose. Of concurrent rotations of one id exactly one succeeds; the rest
// get a RotationError with ReasonNotFound.
func (m *Manager) RotateSession(ctx context.Context, oldSessionID string) (*RefreshSession, error) {
	key, ok := lookupKey(oldSessionID)
	if !ok {
		metrics.ObserveSession("rotate", metrics.OutcomeRejected)
		return nil, &RotationError{Reason: ReasonNotFound}
	}

	old, err := m.store.Take(ctx, key)
	if err != nil {
		metrics.ObserveSession("rotate", metrics.OutcomeError)
		return nil, err
	}
	if old == nil || old.ConsumedAt != nil {
		metrics.ObserveSession("rotate", metrics.OutcomeRejected)
		return nil, &RotationError{Reason: ReasonNotFound}
	}
	if !old.ExpiresAt.After(m.now()) {
		metrics.ObserveSession("rotate", metrics.OutcomeRejected)
		return nil, &RotationError{Reason: ReasonExpired}
	}

	next, err := m.CreateSession(ctx, old.SubjectID, old.Purpose, m.ttls[old.Purpose])
	if err != nil {
		// The old session is gone; the client has to log in again.
		m.logger.Error("rotate: create replacement failed",
			zap.String("subject_id", old.SubjectID), zap.Error(err))
		metrics.ObserveSession("rotate", metrics.OutcomeError)
		return nil, err
	}
	metrics.ObserveSession("rotate", metrics.OutcomeOK)
	return next, nil
}

// ConsumeSession marks a single-use session consumed. Absent or already
// consumed sessions are a no-op.
func (m *Manager) ConsumeSession(ctx context.Context, sessionID string) error {
	_, err := m.TryConsume(ctx, sessionID)
	return err
}

// TryConsume is ConsumeSession that also reports whether this call did the consuming.
func (m *Manager) TryConsume(ctx context.Context, sessionID string) (bool, error) {
	key, ok := lookupKey(sessionID)
	if !ok {
		return false, nil
	}
	consumed, err := m.store.MarkConsumed(ctx, key, m.now())
	if err != nil {
		metrics.ObserveSession("consume", metrics.OutcomeError)
		return false, err
	}
	if consumed {
		metrics.ObserveSession("consume", metrics.OutcomeOK)
	} else {
		metrics.ObserveSession("consume", metrics.OutcomeRejected)
	}
	return consumed, nil
}

func (m *Manager) RevokeSession(ctx context.Context, sessionID string) (bool, error) {
	key, ok := lookupKey(sessionID)
	if !ok {
		return false, nil
	}
	deleted, err := m.store.Delete(ctx, key)
	if err != nil {
		metrics.ObserveSession("revoke", metrics.OutcomeError)
		return false, err
	}
	metrics.ObserveSession("revoke", metrics.OutcomeOK)
	return deleted, nil
}

func (m *Manager) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, nil
	}
	n, err := m.store.DeleteBySubject(ctx, subjectID)
	if err != nil {
		metrics.ObserveSession("revoke_subject", metrics.OutcomeError)
		return 0, err
	}
	metrics.ObserveSession("revoke_subject", metrics.OutcomeOK)
	m.logger.Info("revoked subject sessions", zap.String("subject_id", subjectID), zap.Int64("count", n))
	return n, nil
}

func (m *Manager) RevokeAll(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteAll(ctx)
	if err != nil {
		metrics.ObserveSession("revoke_all", metrics.OutcomeError)
		return 0, err
	}
	metrics.ObserveSession("revoke_all", metrics.OutcomeOK)
	m.logger.Warn("revoked all sessions", zap.Int64("count", n))
	return n, nil
}

// SweepExpired deletes expired sessions and consumed one-time tokens.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		metrics.ObserveSession("sweep", metrics.OutcomeError)
		return 0, err
	}
	metrics.ObserveSession("sweep", metrics.OutcomeOK)
	return n, nil
}

func newToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// lookupKey normalizes client input into a store key. Inputs that cannot be an
// issued token are reported as not found without touching the store.
func lookupKey(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLength {
		return "", false
	}
	return digest(token), true
}

func fromRecord(token string, rec *models.RefreshSession) *RefreshSession {
	return &RefreshSession{
		ID:         token,
		SubjectID:  rec.SubjectID,
		Purpose:    rec.Purpose,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		ConsumedAt: rec.ConsumedAt,
	}
}
