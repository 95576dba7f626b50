package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HMAC secret the codec accepts.
const MinSecretLength = 32

// MinTTL is the shortest lifetime Issue accepts. iat and exp are whole seconds.
const MinTTL = time.Second

var (
	// ErrWeakSecret is returned by New when the signing secret is missing or too short.
	ErrWeakSecret = errors.New("jwt signing secret is empty or too short")

	ErrExpired      = errors.New("token expired")
	ErrMalformed    = errors.New("token malformed")
	ErrBadSignature = errors.New("token signature invalid")
)

// ErrorKind classifies a verification failure.
type ErrorKind string

const (
	KindExpired      ErrorKind = "EXPIRED"
	KindMalformed    ErrorKind = "MALFORMED"
	KindBadSignature ErrorKind = "BAD_SIGNATURE"
)

// VerificationError is returned by Verify. Callers use Kind (or errors.Is against
// ErrExpired / ErrMalformed / ErrBadSignature) to tell "needs refresh" from "reject".
type VerificationError struct {
	Kind  ErrorKind
	cause error
}

func (e *VerificationError) Error() string {
	if e.cause == nil {
		return "token verification failed: " + string(e.Kind)
	}
	return fmt.Sprintf("token verification failed: %s: %v", e.Kind, e.cause)
}

func (e *VerificationError) Unwrap() error { return e.cause }

func (e *VerificationError) Is(target error) bool {
	switch target {
	case ErrExpired:
		return e.Kind == KindExpired
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrBadSignature:
		return e.Kind == KindBadSignature
	}
	return false
}

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// AccessClaims is the verified identity carried by an access token.
type AccessClaims struct {
	ID        string
	SubjectID string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithIssuer stamps iss on issued tokens and requires it on verify.
func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = strings.TrimSpace(issuer) }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// Codec signs and verifies self-contained access tokens. It holds no mutable
// state after construction and is safe for concurrent use.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwtlib.Parser
}

// New builds a codec for the given HMAC secret.
func New(secret string, opts ...Option) (*Codec, error) {
	if len(strings.TrimSpace(secret)) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(c.issuer))
	}
	c.parser = jwtlib.NewParser(parserOpts...)
	return c, nil
}

// Issue creates a signed access token for subjectID valid for ttl.
func (c *Codec) Issue(subjectID, role string, ttl time.Duration) (string, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", errors.New("jwt: subject is required")
	}
	if ttl < MinTTL {
		return "", fmt.Errorf("jwt: invalid ttl %s, expected at least %s", ttl, MinTTL)
	}

	now := c.now()
	// exp is rounded up so the token never lives shorter than ttl.
	exp := now.Add(ttl)
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		exp = t.Add(time.Second)
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now.Truncate(time.Second)),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify validates a token string and returns its claims. It never panics on
// attacker-controlled input; every failure is a *VerificationError.
func (c *Codec) Verify(tokenStr string) (*AccessClaims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, &VerificationError{Kind: KindMalformed, cause: errors.New("empty token")}
	}

	var claims Claims
	token, err := c.parser.ParseWithClaims(tokenStr, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, &VerificationError{Kind: KindMalformed}
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, &VerificationError{Kind: KindMalformed, cause: errors.New("missing required claims")}
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, &VerificationError{Kind: KindMalformed, cause: errors.New("exp not after iat")}
	}

	return &AccessClaims{
		ID:        claims.ID,
		SubjectID: claims.Subject,
		Role:      claims.Role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func classify(err error) *VerificationError {
	switch {
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return &VerificationError{Kind: KindMalformed, cause: err}
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid), errors.Is(err, jwtlib.ErrTokenUnverifiable):
		return &VerificationError{Kind: KindBadSignature, cause: err}
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return &VerificationError{Kind: KindExpired, cause: err}
	default:
		return &VerificationError{Kind: KindMalformed, cause: err}
	}
}
