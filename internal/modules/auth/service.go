package auth

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"time"

	"github.com/mx-space/authgate/internal/pkg/mail"
	"github.com/mx-space/authgate/internal/pkg/metrics"
	"github.com/mx-space/authgate/internal/pkg/session"
	"go.uber.org/zap"
)

// AccessTokenIssuer signs short-lived access tokens.
type AccessTokenIssuer interface {
	Issue(subjectID, role string, ttl time.Duration) (string, error)
}

// PasswordHasher hashes and checks passwords. Verify returns nil on a match.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) error
}

// Config holds token lifetimes for the flows the service drives.
type Config struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	PasswordResetTTL time.Duration
	EmailVerifyTTL   time.Duration
	DefaultRole      string
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = session.DefaultRefreshTTL
	}
	if c.PasswordResetTTL <= 0 {
		c.PasswordResetTTL = session.DefaultPasswordResetTTL
	}
	if c.EmailVerifyTTL <= 0 {
		c.EmailVerifyTTL = session.DefaultEmailVerifyTTL
	}
	if c.DefaultRole == "" {
		c.DefaultRole = RoleUser
	}
	return c
}

// Deps are the collaborators the service composes.
type Deps struct {
	Tokens     AccessTokenIssuer
	Sessions   *session.Manager
	Identities IdentityStore
	Hasher     PasswordHasher
	Mailer     mail.Sender
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

const mailTimeout = 30 * time.Second

// Service is the auth orchestrator: it composes the token codec, the session
// manager and the identity, password and mail collaborators.
type Service struct {
	tokens     AccessTokenIssuer
	sessions   *session.Manager
	identities IdentityStore
	hasher     PasswordHasher
	mailer     mail.Sender
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mailWG    sync.WaitGroup
	dummyOnce sync.Once
	dummyHash string
}

func NewService(deps Deps, cfg Config, opts ...Option) *Service {
	s := &Service{
		tokens:     deps.Tokens,
		sessions:   deps.Sessions,
		identities: deps.Identities,
		hasher:     deps.Hasher,
		mailer:     deps.Mailer,
		cfg:        cfg.withDefaults(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("AuthService")
	return s
}

// Login issues an access token and a fresh refresh session for an already
// authenticated subject.
func (s *Service) Login(ctx context.Context, subjectID, role string) (*TokenPair, error) {
	access, err := s.tokens.Issue(subjectID, role, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.sessions.CreateSession(ctx, subjectID, session.PurposeRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.ID,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.cfg.AccessTTL / time.Second),
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// LoginWithPassword checks credentials and logs the identity in. Unknown users
// and wrong passwords are indistinguishable to the caller.
func (s *Service) LoginWithPassword(ctx context.Context, identifier, password string, meta LoginMeta) (*TokenPair, *Identity, error) {
	identity, err := s.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// Burn the same hashing time as a real check.
			_ = s.hasher.Verify(s.dummy(), password)
			metrics.ObserveAuth("login", metrics.OutcomeRejected)
			return nil, nil, ErrInvalidCredentials
		}
		metrics.ObserveAuth("login", metrics.OutcomeError)
		return nil, nil, err
	}
	if err := s.hasher.Verify(identity.PasswordHash, password); err != nil {
		metrics.ObserveAuth("login", metrics.OutcomeRejected)
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.Login(ctx, identity.ID, identity.Role)
	if err != nil {
		metrics.ObserveAuth("login", metrics.OutcomeError)
		return nil, nil, err
	}
	now := s.now()
	if err := s.identities.TouchLogin(ctx, identity.ID, meta.IP, now); err != nil {
		s.logger.Warn("record last login failed", zap.String("user_id", identity.ID), zap.Error(err))
	} else {
		identity.LastLoginTime = &now
	}
	metrics.ObserveAuth("login", metrics.OutcomeOK)
	return pair, identity, nil
}

func (s *Service) lookup(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrIdentityNotFound
	}
	if strings.Contains(identifier, "@") {
		return s.identities.FindByEmail(ctx, identifier)
	}
	return s.identities.FindByUsername(ctx, identifier)
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("authgate-timing-equalizer")
	})
	return s.dummyHash
}

// Register creates an identity, logs it in and sends an email verification link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Identity, *TokenPair, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || strings.Contains(username, "@") {
		return nil, nil, fmt.Errorf("%w: username must be non-empty and must not contain '@'", ErrInvalidInput)
	}
	addr, err := netmail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, err
	}

	identity := &Identity{
		Username:     username,
		Name:         strings.TrimSpace(in.Name),
		Email:        strings.ToLower(addr.Address),
		Role:         s.cfg.DefaultRole,
		PasswordHash: hash,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		metrics.ObserveAuth("register", outcomeOf(err, ErrIdentityExists))
		return nil, nil, err
	}

	pair, err := s.Login(ctx, identity.ID, identity.Role)
	if err != nil {
		metrics.ObserveAuth("register", metrics.OutcomeError)
		return nil, nil, err
	}
	metrics.ObserveAuth("register", metrics.OutcomeOK)

	if err := s.sendOneTimeToken(ctx, identity, session.PurposeEmailVerify); err != nil {
		s.logger.Warn("issue verification token after register failed", zap.String("user_id", identity.ID), zap.Error(err))
	}
	return identity, pair, nil
}

// Refresh rotates a refresh session and issues a new pair. The role comes from
// the identity store, not from the previous access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	v, err := s.sessions.ValidateSession(ctx, refreshToken, session.PurposeRefresh)
	if err != nil {
		metrics.ObserveAuth("refresh", metrics.OutcomeError)
		return nil, err
	}
	if !v.Valid {
		metrics.ObserveAuth("refresh", metrics.OutcomeRejected)
		return nil, fmt.Errorf("%w: %s", ErrInvalidRefresh, v.Reason)
	}

	next, err := s.sessions.RotateSession(ctx, refreshToken)
	if err != nil {
		var rerr *session.RotationError
		if errors.As(err, &rerr) {
			metrics.ObserveAuth("refresh", metrics.OutcomeRejected)
			return nil, fmt.Errorf("%w: %s", ErrInvalidRefresh, rerr.Reason)
		}
		metrics.ObserveAuth("refresh", metrics.OutcomeError)
		return nil, err
	}

	identity, err := s.identities.FindByID(ctx, next.SubjectID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			// The account is gone; do not leave a usable session behind.
			if _, rerr := s.sessions.RevokeSession(ctx, next.ID); rerr != nil {
				s.logger.Error("revoke orphan session failed", zap.String("subject_id", next.SubjectID), zap.Error(rerr))
			}
			metrics.ObserveAuth("refresh", metrics.OutcomeRejected)
			return nil, ErrInvalidRefresh
		}
		metrics.ObserveAuth("refresh", metrics.OutcomeError)
		return nil, err
	}

	access, err := s.tokens.Issue(identity.ID, identity.Role, s.cfg.AccessTTL)
	if err != nil {
		metrics.ObserveAuth("refresh", metrics.OutcomeError)
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	metrics.ObserveAuth("refresh", metrics.OutcomeOK)
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     next.ID,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.cfg.AccessTTL / time.Second),
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes every refresh session of the subject, on every device.
func (s *Service) Logout(ctx context.Context, subjectID string) (int64, error) {
	n, err := s.sessions.RevokeAllForSubject(ctx, subjectID)
	metrics.ObserveAuth("logout", outcomeOf(err))
	return n, err
}

func (s *Service) RevokeAllSessions(ctx context.Context) (int64, error) {
	return s.sessions.RevokeAll(ctx)
}

func (s *Service) RevokeSessionsForUser(ctx context.Context, subjectID string) (int64, error) {
	return s.sessions.RevokeAllForSubject(ctx, subjectID)
}

func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.sessions.SweepExpired(ctx)
}

// IssueOneTimeToken creates a single-use token. A non-positive ttl uses the
// configured lifetime for the purpose.
func (s *Service) IssueOneTimeToken(ctx context.Context, subjectID string, purpose session.Purpose, ttl time.Duration) (*session.RefreshSession, error) {
	if !purpose.SingleUse() {
		return nil, ErrInvalidPurpose
	}
	if ttl <= 0 {
		ttl = s.oneTimeTTL(purpose)
	}
	return s.sessions.CreateSession(ctx, subjectID, purpose, ttl)
}

// ConsumeOneTimeToken checks the token against purpose and consumes it. It
// returns the subject the token was issued to. Of concurrent consumers only one
// succeeds.
func (s *Service) ConsumeOneTimeToken(ctx context.Context, token string, purpose session.Purpose) (string, error) {
	if !purpose.SingleUse() {
		return "", ErrInvalidPurpose
	}
	v, err := s.sessions.ValidateSession(ctx, token, purpose)
	if err != nil {
		return "", err
	}
	if !v.Valid {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, v.Reason)
	}
	consumed, err := s.sessions.TryConsume(ctx, token)
	if err != nil {
		return "", err
	}
	if !consumed {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, session.ReasonAlreadyConsumed)
	}
	return v.SubjectID, nil
}

// ForgotPassword mails a reset link. Unknown addresses succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			metrics.ObserveAuth("forgot_password", metrics.OutcomeRejected)
			return nil
		}
		metrics.ObserveAuth("forgot_password", metrics.OutcomeError)
		return err
	}
	err = s.sendOneTimeToken(ctx, identity, session.PurposePasswordReset)
	metrics.ObserveAuth("forgot_password", outcomeOf(err))
	return err
}

// ResetPassword consumes a reset token, stores the new password and logs the
// subject out everywhere.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	subjectID, err := s.ConsumeOneTimeToken(ctx, token, session.PurposePasswordReset)
	if err != nil {
		metrics.ObserveAuth("reset_password", outcomeOf(err, ErrInvalidToken))
		return err
	}
	if err := s.identities.UpdatePassword(ctx, subjectID, hash); err != nil {
		metrics.ObserveAuth("reset_password", metrics.OutcomeError)
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	n, err := s.sessions.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		metrics.ObserveAuth("reset_password", metrics.OutcomeError)
		return err
	}
	s.logger.Info("password reset", zap.String("user_id", subjectID), zap.Int64("revoked_sessions", n))
	metrics.ObserveAuth("reset_password", metrics.OutcomeOK)
	return nil
}

// SendVerification mails an email verification link. Unknown and already
// verified addresses succeed silently.
func (s *Service) SendVerification(ctx context.Context, email string) error {
	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil
		}
		return err
	}
	if identity.EmailVerifiedAt != nil {
		return nil
	}
	return s.sendOneTimeToken(ctx, identity, session.PurposeEmailVerify)
}

// VerifyEmail consumes a verification token and marks the address verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	subjectID, err := s.ConsumeOneTimeToken(ctx, token, session.PurposeEmailVerify)
	if err != nil {
		metrics.ObserveAuth("verify_email", outcomeOf(err, ErrInvalidToken))
		return err
	}
	if err := s.identities.MarkEmailVerified(ctx, subjectID, s.now()); err != nil {
		metrics.ObserveAuth("verify_email", metrics.OutcomeError)
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	metrics.ObserveAuth("verify_email", metrics.OutcomeOK)
	return nil
}

// Profile returns the identity behind an access token subject.
func (s *Service) Profile(ctx context.Context, subjectID string) (*Identity, error) {
	return s.identities.FindByID(ctx, subjectID)
}

// SetRole changes the role future access tokens of the identity carry.
func (s *Service) SetRole(ctx context.Context, identifier, role string) (*Identity, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	identity, err := s.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if err := s.identities.SetRole(ctx, identity.ID, role); err != nil {
		return nil, err
	}
	identity.Role = role
	return identity, nil
}

// WaitMail blocks until queued mail deliveries finish.
func (s *Service) WaitMail() {
	s.mailWG.Wait()
}

// sendOneTimeToken issues the token synchronously and delivers the mail in the
// background. Delivery failures are logged and never undo the token.
func (s *Service) sendOneTimeToken(ctx context.Context, identity *Identity, purpose session.Purpose) error {
	ttl := s.oneTimeTTL(purpose)
	tok, err := s.IssueOneTimeToken(ctx, identity.ID, purpose, ttl)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}

	kind := mail.KindEmailVerify
	if purpose == session.PurposePasswordReset {
		kind = mail.KindPasswordReset
	}
	vars := mail.Vars{Name: identity.Name, Token: tok.ID, ExpiresIn: ttl}
	recipient, userID := identity.Email, identity.ID

	s.mailWG.Add(1)
	go func() {
		defer s.mailWG.Done()
		mctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()
		res := s.mailer.Send(mctx, kind, recipient, vars)
		if res.Err != nil {
			s.logger.Warn("mail delivery failed",
				zap.String("kind", string(kind)),
				zap.String("user_id", userID),
				zap.Error(res.Err))
		}
	}()
	return nil
}

func (s *Service) oneTimeTTL(purpose session.Purpose) time.Duration {
	if purpose == session.PurposePasswordReset {
		return s.cfg.PasswordResetTTL
	}
	return s.cfg.EmailVerifyTTL
}

// outcomeOf classifies err for metrics; errors matching any of rejected count
// as rejections rather than failures.
func outcomeOf(err error, rejected ...error) metrics.Outcome {
	if err == nil {
		return metrics.OutcomeOK
	}
	for _, r := range rejected {
		if errors.Is(err, r) {
			return metrics.OutcomeRejected
		}
	}
	return metrics.OutcomeError
}
