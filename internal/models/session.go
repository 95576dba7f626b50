package models

import "time"

// SessionPurpose tags what a stored one-time or refresh credential may be used for.
type SessionPurpose string

const (
	PurposeRefresh       SessionPurpose = "REFRESH"
	PurposePasswordReset SessionPurpose = "PASSWORD_RESET"
	PurposeEmailVerify   SessionPurpose = "EMAIL_VERIFY"
)

// Valid reports whether p is one of the known purposes.
func (p SessionPurpose) Valid() bool {
	switch p {
	case PurposeRefresh, PurposePasswordReset, PurposeEmailVerify:
		return true
	}
	return false
}

// SingleUse reports whether sessions of this purpose are consumed rather than rotated.
func (p SessionPurpose) SingleUse() bool {
	return p == PurposePasswordReset || p == PurposeEmailVerify
}

// MaxSubjectLength bounds RefreshSession.SubjectID. Identity ids are UUIDs;
// the wider column leaves room for subjects issued by other identity sources.
const MaxSubjectLength = 64

// RefreshSession is one active refresh or one-time token. ID holds the SHA-256
// digest of the opaque token handed to the client, never the token itself.
// Rows are hard-deleted, so there is no soft-delete column.
type RefreshSession struct {
	ID         string         `json:"id"          gorm:"type:char(64);primaryKey"`
	SubjectID  string         `json:"subject_id"  gorm:"type:varchar(64);index;not null"`
	Purpose    SessionPurpose `json:"purpose"     gorm:"type:varchar(32);index;not null"`
	CreatedAt  time.Time      `json:"created_at"  gorm:"not null"`
	ExpiresAt  time.Time      `json:"expires_at"  gorm:"index;not null"`
	ConsumedAt *time.Time     `json:"consumed_at" gorm:"index"`
}

func (RefreshSession) TableName() string { return "refresh_sessions" }
