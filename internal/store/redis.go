package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"qrattend/internal/attendance"
)

// NewRedisClient connects to redis with short timeouts.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
}

// Healthy verifies redis connectivity.
func Healthy(ctx context.Context, client *redis.Client) bool {
	if client == nil {
		return false
	}
	return client.Ping(ctx).Err() == nil
}

// Insert fails with -1 on a token collision and -2 when the holder index is
// taken.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
if ARGV[2] == 'valid' then
	if redis.call('EXISTS', KEYS[2]) == 1 then return -2 end
	redis.call('SET', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
return 1
`)

var casScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[3])
if ARGV[3] == 'used' then redis.call('HSET', KEYS[1], 'used_at', ARGV[4]) end
if ARGV[2] == 'valid' then
	if redis.call('GET', KEYS[2]) == ARGV[1] then redis.call('DEL', KEYS[2]) end
	redis.call('ZREM', KEYS[3], ARGV[1])
end
if ARGV[3] ~= 'valid' and tonumber(ARGV[5]) > 0 then redis.call('PEXPIREAT', KEYS[1], ARGV[5]) end
return 1
`)

var consumeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'valid' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'used', 'used_at', ARGV[2])
if redis.call('GET', KEYS[2]) == ARGV[1] then redis.call('DEL', KEYS[2]) end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[4], ARGV[3])
if tonumber(ARGV[4]) > 0 then redis.call('PEXPIREAT', KEYS[1], ARGV[4]) end
return 1
`)

// Redis is an attendance.Store on a single redis node. Each state
// transition is one Lua script, so it is atomic with respect to every other
// client. Terminal credentials get a key expiry of ExpiresAt+Retention
// instead of being purged by the sweeper.
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ attendance.Store = (*Redis)(nil)

// NewRedis creates the redis-backed store. prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string, retention time.Duration) *Redis {
	if prefix == "" {
		prefix = "qrattend"
	}
	return &Redis{client: client, prefix: prefix, retention: retention}
}

func (r *Redis) sessionKey(id string) string { return r.prefix + ":session:" + id }
func (r *Redis) credKey(token string) string { return r.prefix + ":cred:" + token }
func (r *Redis) expiryKey() string           { return r.prefix + ":cred:expiry" }
func (r *Redis) recordsKey(sid string) string {
	return r.prefix + ":session:" + sid + ":records"
}
func (r *Redis) holderKey(sessionID, studentID string) string {
	return r.prefix + ":holder:" + sessionID + ":" + studentID
}

func nanosStr(t time.Time) string { return strconv.FormatInt(toNanos(t), 10) }

func parseNanos(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return fromNanos(n)
}

// purgeAt is the absolute unix-millisecond key expiry for a terminal
// credential, or 0 when retention is disabled.
func (r *Redis) purgeAt(expiresAt time.Time) int64 {
	if r.retention <= 0 {
		return 0
	}
	return expiresAt.Add(r.retention).UnixMilli()
}

func (r *Redis) CreateSession(ctx context.Context, s attendance.Session) error {
	err := r.client.HSet(ctx, r.sessionKey(s.ID),
		"id", s.ID,
		"course_id", s.CourseID,
		"created_by", s.CreatedBy,
		"window_start", nanosStr(s.WindowStart),
		"window_end", nanosStr(s.WindowEnd),
		"active", strconv.FormatBool(s.Active),
		"created_at", nanosStr(s.CreatedAt),
	).Err()
	return errors.Wrap(err, "redis create session")
}

func (r *Redis) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	m, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return attendance.Session{}, errors.Wrap(err, "redis get session")
	}
	if len(m) == 0 {
		return attendance.Session{}, attendance.ErrNoSession
	}
	active, _ := strconv.ParseBool(m["active"])
	return attendance.Session{
		ID:          m["id"],
		CourseID:    m["course_id"],
		CreatedBy:   m["created_by"],
		WindowStart: parseNanos(m["window_start"]),
		WindowEnd:   parseNanos(m["window_end"]),
		Active:      active,
		CreatedAt:   parseNanos(m["created_at"]),
	}, nil
}

func (r *Redis) SetSessionActive(ctx context.Context, id string, active bool) error {
	n, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return errors.Wrap(err, "redis session exists")
	}
	if n == 0 {
		return attendance.ErrNoSession
	}
	return errors.Wrap(r.client.HSet(ctx, r.sessionKey(id), "active", strconv.FormatBool(active)).Err(), "redis set session active")
}

func (r *Redis) InsertCredential(ctx context.Context, c attendance.Credential) error {
	args := []interface{}{
		c.Token,
		string(c.State),
		c.ExpiresAt.UnixMilli(),
		"token", c.Token,
		"session_id", c.SessionID,
		"course_id", c.CourseID,
		"student_id", c.StudentID,
		"issued_at", nanosStr(c.IssuedAt),
		"expires_at", nanosStr(c.ExpiresAt),
		"late_after", nanosStr(c.LateAfter),
		"state", string(c.State),
	}
	if c.UsedAt != nil {
		args = append(args, "used_at", nanosStr(*c.UsedAt))
	}
	keys := []string{r.credKey(c.Token), r.holderKey(c.SessionID, c.StudentID), r.expiryKey()}
	res, err := insertScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return errors.Wrap(err, "redis insert credential")
	}
	switch res {
	case -1:
		return attendance.ErrDuplicateToken
	case -2:
		return attendance.ErrHolderExists
	}
	return nil
}

func credentialFromHash(m map[string]string) attendance.Credential {
	c := attendance.Credential{
		Token:     m["token"],
		SessionID: m["session_id"],
		CourseID:  m["course_id"],
		StudentID: m["student_id"],
		IssuedAt:  parseNanos(m["issued_at"]),
		ExpiresAt: parseNanos(m["expires_at"]),
		LateAfter: parseNanos(m["late_after"]),
		State:     attendance.State(m["state"]),
	}
	if v, ok := m["used_at"]; ok && v != "" {
		t := parseNanos(v)
		c.UsedAt = &t
	}
	return c
}

func (r *Redis) GetCredential(ctx context.Context, token string) (attendance.Credential, error) {
	m, err := r.client.HGetAll(ctx, r.credKey(token)).Result()
	if err != nil {
		return attendance.Credential{}, errors.Wrap(err, "redis get credential")
	}
	if len(m) == 0 {
		return attendance.Credential{}, attendance.ErrNoCredential
	}
	return credentialFromHash(m), nil
}

func (r *Redis) HeldCredential(ctx context.Context, sessionID, studentID string) (attendance.Credential, error) {
	token, err := r.client.Get(ctx, r.holderKey(sessionID, studentID)).Result()
	if errors.Is(err, redis.Nil) {
		return attendance.Credential{}, attendance.ErrNoCredential
	}
	if err != nil {
		return attendance.Credential{}, errors.Wrap(err, "redis get holder")
	}
	c, err := r.GetCredential(ctx, token)
	if err != nil {
		return attendance.Credential{}, err
	}
	if c.State != attendance.StateValid {
		return attendance.Credential{}, attendance.ErrNoCredential
	}
	return c, nil
}

func (r *Redis) CompareAndSwapState(ctx context.Context, token string, from, to attendance.State, at time.Time) (bool, error) {
	// session, student and expiry never change, so reading them first is safe
	c, err := r.GetCredential(ctx, token)
	if errors.Is(err, attendance.ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	keys := []string{r.credKey(token), r.holderKey(c.SessionID, c.StudentID), r.expiryKey()}
	res, err := casScript.Run(ctx, r.client, keys, token, string(from), string(to), nanosStr(at), r.purgeAt(c.ExpiresAt)).Int()
	if err != nil {
		return false, errors.Wrap(err, "redis swap credential state")
	}
	return res == 1, nil
}

func (r *Redis) Consume(ctx context.Context, token string, rec attendance.Record) (bool, error) {
	expires, err := r.client.HGet(ctx, r.credKey(token), "expires_at").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "redis get expiry")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, errors.Wrap(err, "encode record")
	}
	keys := []string{
		r.credKey(token),
		r.holderKey(rec.SessionID, rec.StudentID),
		r.expiryKey(),
		r.recordsKey(rec.SessionID),
	}
	res, err := consumeScript.Run(ctx, r.client, keys, token, nanosStr(rec.Timestamp), string(payload), r.purgeAt(parseNanos(expires))).Int()
	if err != nil {
		return false, errors.Wrap(err, "redis consume credential")
	}
	return res == 1, nil
}

func (r *Redis) ListExpirable(ctx context.Context, now time.Time, limit int) ([]attendance.Credential, error) {
	if limit <= 0 {
		limit = 500
	}
	// scores are milliseconds; the exclusive bound keeps entries due later
	// in the same millisecond out of the page
	upper := "(" + strconv.FormatInt(now.UnixMilli(), 10)
	var out []attendance.Credential
	var offset int64
	for len(out) < limit {
		tokens, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    upper,
			Offset: offset,
			Count:  int64(limit - len(out)),
		}).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis range expiry")
		}
		if len(tokens) == 0 {
			break
		}

		cmds := make([]*redis.MapStringStringCmd, len(tokens))
		_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, t := range tokens {
				cmds[i] = pipe.HGetAll(ctx, r.credKey(t))
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "redis load expirable")
		}
		for i, cmd := range cmds {
			m := cmd.Val()
			if len(m) == 0 {
				// purged behind the index; drop the dangling entry
				if err := r.client.ZRem(ctx, r.expiryKey(), tokens[i]).Err(); err != nil {
					return nil, errors.Wrap(err, "redis drop dangling expiry")
				}
				continue
			}
			offset++
			c := credentialFromHash(m)
			if c.State == attendance.StateValid && c.ExpiresAt.Before(now) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// PurgeTerminal is a no-op: terminal credentials carry their own key expiry.
func (r *Redis) PurgeTerminal(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	raw, err := r.client.LRange(ctx, r.recordsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis list records")
	}
	res := make([]attendance.Record, 0, len(raw))
	for _, item := range raw {
		var rec attendance.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, errors.Wrap(err, "decode record")
		}
		res = append(res, rec)
	}
	return res, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the caller and may be shared with
// the delivery queue.
func (r *Redis) Close() error { return nil }
