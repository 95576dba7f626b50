package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mx-space/authgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "authgate:session"
	// expiredRetention keeps an expired hash around long enough for validation
	// to report EXPIRED instead of NOT_FOUND. The sweeper removes it earlier.
	expiredRetention = time.Hour

	fieldSubject  = "subject_id"
	fieldPurpose  = "purpose"
	fieldCreated  = "created_at"
	fieldExpires  = "expires_at"
	fieldConsumed = "consumed_at"
)

const takeSessionScript = `
local data = redis.call("HGETALL", KEYS[1])
if #data == 0 then
  return false
end
redis.call("DEL", KEYS[1])
return data
`

const consumeSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HEXISTS", KEYS[1], "consumed_at") == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "consumed_at", ARGV[1])
return 1
`

var (
	takeSessionLua    = redis.NewScript(takeSessionScript)
	consumeSessionLua = redis.NewScript(consumeSessionScript)
)

// RedisStore keeps each session in a hash, with a per-subject set and a global
// set as indexes for bulk revocation and sweeping. The owner hash maps a
// session id to its subject so that index entries can be pruned after the
// session hash has expired out of Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string         { return s.prefix + ":s:" + id }
func (s *RedisStore) subjectKey(sub string) string { return s.prefix + ":u:" + sub }
func (s *RedisStore) allKey() string               { return s.prefix + ":all" }
func (s *RedisStore) ownerKey() string             { return s.prefix + ":owner" }

func (s *RedisStore) Create(ctx context.Context, rec *models.RefreshSession) error {
	key := s.key(rec.ID)
	fields := map[string]interface{}{
		fieldSubject: rec.SubjectID,
		fieldPurpose: string(rec.Purpose),
		fieldCreated: strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		fieldExpires: strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
	}
	if rec.ConsumedAt != nil {
		fields[fieldConsumed] = strconv.FormatInt(rec.ConsumedAt.UnixNano(), 10)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.PExpireAt(ctx, key, rec.ExpiresAt.Add(expiredRetention))
		pipe.SAdd(ctx, s.subjectKey(rec.SubjectID), rec.ID)
		pipe.SAdd(ctx, s.allKey(), rec.ID)
		pipe.HSet(ctx, s.ownerKey(), rec.ID, rec.SubjectID)
		return nil
	})
	if err != nil {
		return storeError("create", err)
	}
	return nil
}

func (s *RedisStore) Find(ctx context.Context, id string) (*models.RefreshSession, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, storeError("find", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRecord(id, fields)
}

func (s *RedisStore) Take(ctx context.Context, id string) (*models.RefreshSession, error) {
	raw, err := takeSessionLua.Run(ctx, s.rdb, []string{s.key(id)}).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, storeError("take", err)
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		k, _ := raw[i].(string)
		v, _ := raw[i+1].(string)
		fields[k] = v
	}
	rec, err := decodeRecord(id, fields)
	if err != nil {
		return nil, err
	}
	s.dropIndexes(ctx, rec.SubjectID, id)
	return rec, nil
}

func (s *RedisStore) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := consumeSessionLua.Run(ctx, s.rdb, []string{s.key(id)}, strconv.FormatInt(at.UnixNano(), 10)).Int64()
	if err != nil {
		return false, storeError("consume", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	rec, err := s.Take(ctx, id)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *RedisStore) DeleteBySubject(ctx context.Context, subjectID string) (int64, error) {
	ids, err := s.rdb.SMembers(ctx, s.subjectKey(subjectID)).Result()
	if err != nil {
		return 0, storeError("delete by subject", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	dels := make([]*redis.IntCmd, 0, len(ids))
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			dels = append(dels, pipe.Del(ctx, s.key(id)))
		}
		pipe.SRem(ctx, s.subjectKey(subjectID), toArgs(ids)...)
		pipe.SRem(ctx, s.allKey(), toArgs(ids)...)
		pipe.HDel(ctx, s.ownerKey(), ids...)
		return nil
	})
	if err != nil {
		return 0, storeError("delete by subject", err)
	}

	var n int64
	for _, cmd := range dels {
		n += cmd.Val()
	}
	return n, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	_, err := s.scanAll(ctx, func(id string, rec *models.RefreshSession) error {
		deleted, err := s.Delete(ctx, id)
		if err != nil {
			return err
		}
		if deleted {
			n++
		}
		return nil
	})
	return n, err
}

// DeleteExpired counts sessions whose hash Redis already dropped as swept:
// they expired at least expiredRetention ago and only their index entries
// were left.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	pruned, err := s.scanAll(ctx, func(id string, rec *models.RefreshSession) error {
		if !sweepable(rec, now) {
			return nil
		}
		deleted, err := s.Delete(ctx, id)
		if err != nil {
			return err
		}
		if deleted {
			n++
		}
		return nil
	})
	return n + pruned, err
}

// scanAll walks the global index. Ids whose hash already expired out of Redis
// are pruned from every index on the way and reported as the pruned count.
func (s *RedisStore) scanAll(ctx context.Context, fn func(id string, rec *models.RefreshSession) error) (int64, error) {
	ids, err := s.rdb.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, storeError("scan", err)
	}
	var pruned int64
	for _, id := range ids {
		rec, err := s.Find(ctx, id)
		if err != nil {
			return pruned, err
		}
		if rec == nil {
			if err := s.pruneStale(ctx, id); err != nil {
				return pruned, err
			}
			pruned++
			continue
		}
		if err := fn(id, rec); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

func (s *RedisStore) pruneStale(ctx context.Context, id string) error {
	subjectID, err := s.rdb.HGet(ctx, s.ownerKey(), id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeError("scan", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if subjectID != "" {
			pipe.SRem(ctx, s.subjectKey(subjectID), id)
		}
		pipe.SRem(ctx, s.allKey(), id)
		pipe.HDel(ctx, s.ownerKey(), id)
		return nil
	})
	if err != nil {
		return storeError("scan", err)
	}
	return nil
}

func (s *RedisStore) dropIndexes(ctx context.Context, subjectID, id string) {
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.subjectKey(subjectID), id)
		pipe.SRem(ctx, s.allKey(), id)
		pipe.HDel(ctx, s.ownerKey(), id)
		return nil
	})
}

func decodeRecord(id string, fields map[string]string) (*models.RefreshSession, error) {
	created, err := parseUnixNano(fields[fieldCreated])
	if err != nil {
		return nil, storeError("decode", fmt.Errorf("created_at: %w", err))
	}
	expires, err := parseUnixNano(fields[fieldExpires])
	if err != nil {
		return nil, storeError("decode", fmt.Errorf("expires_at: %w", err))
	}
	rec := &models.RefreshSession{
		ID:        id,
		SubjectID: fields[fieldSubject],
		Purpose:   models.SessionPurpose(fields[fieldPurpose]),
		CreatedAt: created,
		ExpiresAt: expires,
	}
	if raw, ok := fields[fieldConsumed]; ok && raw != "" {
		at, err := parseUnixNano(raw)
		if err != nil {
			return nil, storeError("decode", fmt.Errorf("consumed_at: %w", err))
		}
		rec.ConsumedAt = &at
	}
	return rec, nil
}

func parseUnixNano(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func toArgs(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
