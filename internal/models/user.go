package models

import "time"

// UserModel is the identity record the auth core reads roles and emails from.
type UserModel struct {
	Base
	Username        string     `json:"username"          gorm:"uniqueIndex;not null"`
	Name            string     `json:"name"`
	Email           string     `json:"email"             gorm:"uniqueIndex;not null"`
	Role            string     `json:"role"              gorm:"not null;default:user"`
	Password        string     `json:"-"                 gorm:"not null"`
	EmailVerifiedAt *time.Time `json:"email_verified_at"`
	LastLoginTime   *time.Time `json:"last_login_time"`
	LastLoginIP     string     `json:"last_login_ip"`
}

func (UserModel) TableName() string { return "users" }

// IsEmailVerified reports whether the user confirmed their email address.
func (u *UserModel) IsEmailVerified() bool { return u.EmailVerifiedAt != nil }
