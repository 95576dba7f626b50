package session

import (
	"context"
	"time"

	"github.com/mx-space/authgate/internal/models"
)

// Store is the durable credential store behind the Manager. Implementations key
// records by the digest in RefreshSession.ID and must make Take and MarkConsumed
// atomic per id: of any number of concurrent callers, at most one observes success.
type Store interface {
	Create(ctx context.Context, rec *models.RefreshSession) error
	// Find returns (nil, nil) when the id is unknown.
	Find(ctx context.Context, id string) (*models.RefreshSession, error)
	// Take deletes the record and returns what was deleted, or (nil, nil) if
	// another caller got there first.
	Take(ctx context.Context, id string) (*models.RefreshSession, error)
	// MarkConsumed sets consumed_at only if the record exists and is unconsumed.
	MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteBySubject(ctx context.Context, subjectID string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	// DeleteExpired removes expired records and consumed single-use records.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

func cloneRecord(rec *models.RefreshSession) *models.RefreshSession {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		out.ConsumedAt = &at
	}
	return &out
}

func sweepable(rec *models.RefreshSession, now time.Time) bool {
	return !rec.ExpiresAt.After(now) || rec.ConsumedAt != nil
}
