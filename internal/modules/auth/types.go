package auth

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidCredentials never says which check failed.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRefresh     = errors.New("invalid or expired refresh token")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidPurpose     = errors.New("purpose is not a one-time token purpose")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrIdentityExists     = errors.New("username or email already registered")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrUnavailable marks identity store outages.
	ErrUnavailable = errors.New("identity store unavailable")
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the slice of a user record the auth core reads and writes.
type Identity struct {
	ID              string
	Username        string
	Name            string
	Email           string
	Role            string
	PasswordHash    string
	EmailVerifiedAt *time.Time
	LastLoginTime   *time.Time
}

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// LoginMeta is request context recorded on successful password login.
type LoginMeta struct {
	IP        string
	UserAgent string
}

type RegisterInput struct {
	Username string
	Email    string
	Name     string
	Password string
}

type LoginDTO struct {
	// Username accepts either the username or the email address.
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

func (d LoginDTO) identifier() string {
	if v := strings.TrimSpace(d.Username); v != "" {
		return v
	}
	return strings.TrimSpace(d.Email)
}

type RegisterDTO struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email"    binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

type RefreshDTO struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type EmailDTO struct {
	Email string `json:"email" binding:"required"`
}

type ResetPasswordDTO struct {
	Token       string `json:"token"       binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

type TokenDTO struct {
	Token string `json:"token" binding:"required"`
}

type profileResponse struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"emailVerified"`
	LastLoginTime *time.Time `json:"lastLoginTime,omitempty"`
}

type sessionResponse struct {
	SubjectID string           `json:"subjectId"`
	Role      string           `json:"role"`
	IssuedAt  time.Time        `json:"issuedAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      *profileResponse `json:"user,omitempty"`
}

type registerResponse struct {
	User profileResponse `json:"user"`
	TokenPair
}

func toProfile(id *Identity) profileResponse {
	name := id.Name
	if strings.TrimSpace(name) == "" {
		name = id.Username
	}
	return profileResponse{
		ID:            id.ID,
		Username:      id.Username,
		Name:          name,
		Email:         id.Email,
		Role:          id.Role,
		EmailVerified: id.EmailVerifiedAt != nil,
		LastLoginTime: id.LastLoginTime,
	}
}
