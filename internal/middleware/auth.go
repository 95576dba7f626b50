package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/pkg/jwt"
	"github.com/mx-space/authgate/internal/pkg/response"
)

const (
	ContextKeyUserID = "user_id"
	ContextKeyRole   = "role"
	ContextKeyClaims = "claims"
)

// TokenVerifier is the part of the token codec the middleware needs.
type TokenVerifier interface {
	Verify(token string) (*jwt.AccessClaims, error)
}

// Auth rejects requests without a valid access token. Only the signature and
// expiry are checked; revoked refresh sessions do not invalidate live access tokens.
func Auth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := verify(v, ExtractToken(c))
		if err != nil {
			response.Unauthorized(c)
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth sets the claims if a valid token is present, but does not block the request.
func OptionalAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, err := verify(v, ExtractToken(c)); err == nil {
			setClaims(c, claims)
		}
		c.Next()
	}
}

// RequireRole must run after Auth. It answers 403 when the token's role is not
// one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			response.Unauthorized(c)
			return
		}
		if _, ok := allowed[CurrentRole(c)]; !ok {
			response.Forbidden(c)
			return
		}
		c.Next()
	}
}

func verify(v TokenVerifier, token string) (*jwt.AccessClaims, error) {
	if token == "" {
		return nil, jwt.ErrMalformed
	}
	return v.Verify(token)
}

func setClaims(c *gin.Context, claims *jwt.AccessClaims) {
	c.Set(ContextKeyUserID, claims.SubjectID)
	c.Set(ContextKeyRole, claims.Role)
	c.Set(ContextKeyClaims, claims)
}

// CurrentUserID extracts the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// CurrentRole extracts the authenticated role from context.
func CurrentRole(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}

// CurrentClaims returns the verified access claims, or nil.
func CurrentClaims(c *gin.Context) *jwt.AccessClaims {
	v, _ := c.Get(ContextKeyClaims)
	claims, _ := v.(*jwt.AccessClaims)
	return claims
}

// IsAuthenticated returns true if the request has a valid auth token.
func IsAuthenticated(c *gin.Context) bool {
	return CurrentUserID(c) != ""
}

// ExtractToken reads the Authorization header, falling back to ?token=.
func ExtractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return NormalizeToken(auth)
	}
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
