package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every pending conversation as a field of one hash. Field
// values are JSON {"value", "expired_at", "attempts"} with expired_at in unix
// seconds. All mutations run as Lua scripts, so they are atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
	logger *slog.Logger
}

type redisEntry struct {
	Value     string  `json:"value"`
	ExpiredAt float64 `json:"expired_at"`
	Attempts  float64 `json:"attempts"`
}

// KEYS[1] hash; ARGV id, fragment, now, window
var upsertScript = redis.NewScript(`
local now = tonumber(ARGV[3])
local expires = now + tonumber(ARGV[4])
local value = ARGV[2]
local attempts = 0
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if raw then
	local data = cjson.decode(raw)
	if type(data.value) == 'string' and data.value ~= '' then
		value = data.value .. ' ' .. ARGV[2]
	end
	if tonumber(data.expired_at) and tonumber(data.expired_at) > expires then
		expires = tonumber(data.expired_at)
	end
	attempts = tonumber(data.attempts) or 0
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({value = value, expired_at = expires, attempts = attempts}))
return tostring(expires - now)
`)

// KEYS[1] hash; ARGV now, ids...
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local out = {}
for i = 2, #ARGV do
	local raw = redis.call('HGET', KEYS[1], ARGV[i])
	if raw then
		local data = cjson.decode(raw)
		local expires = tonumber(data.expired_at) or 0
		if expires <= now then
			redis.call('HDEL', KEYS[1], ARGV[i])
			table.insert(out, ARGV[i])
			table.insert(out, raw)
		end
	end
end
return out
`)

// KEYS[1] hash; ARGV id, text, attempts, now, delay
var requeueScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local expires = now + tonumber(ARGV[5])
local value = ARGV[2]
local attempts = tonumber(ARGV[3])
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if raw then
	local data = cjson.decode(raw)
	if type(data.value) == 'string' and data.value ~= '' then
		value = ARGV[2] .. ' ' .. data.value
	end
	if tonumber(data.expired_at) and tonumber(data.expired_at) > expires then
		expires = tonumber(data.expired_at)
	end
	if tonumber(data.attempts) and tonumber(data.attempts) > attempts then
		attempts = tonumber(data.attempts)
	end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({value = value, expired_at = expires, attempts = attempts}))
return 1
`)

func NewRedisStore(client redis.UniversalClient, key string, logger *slog.Logger) *RedisStore {
	if key == "" {
		key = "message_queue"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		key:    key,
		now:    time.Now,
		logger: logger.With("component", "buffer"),
	}
}

func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) UpsertAndExtend(ctx context.Context, conversationID, fragment string, window time.Duration) (time.Duration, error) {
	res, err := upsertScript.Run(ctx, s.client, []string{s.key},
		conversationID,
		fragment,
		unixSeconds(s.now()),
		window.Seconds(),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("%w: upsert: %w", ErrUnavailable, err)
	}

	secs, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("buffer: bad ttl %q: %w", res, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (s *RedisStore) ScanAll(ctx context.Context) (map[string]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", ErrUnavailable, err)
	}

	out := make(map[string]Entry, len(raw))
	for id, value := range raw {
		e, err := decodeRedisEntry(id, value)
		if err != nil {
			s.logger.Warn("skipping malformed buffer entry", "conversation_id", id, "error", err)
			continue
		}
		out[id] = e
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get: %w", ErrUnavailable, err)
	}

	e, err := decodeRedisEntry(conversationID, raw)
	if err != nil {
		// unreadable but present: still pending text for this conversation
		s.logger.Warn("malformed buffer entry", "conversation_id", conversationID, "error", err)
		return Entry{ConversationID: conversationID, PendingText: raw}, true, nil
	}
	return e, true, nil
}

func (s *RedisStore) DeleteMany(ctx context.Context, conversationIDs []string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, conversationIDs...).Err(); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, conversationIDs []string, now time.Time) (map[string]Entry, error) {
	out := make(map[string]Entry, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(conversationIDs)+1)
	args = append(args, unixSeconds(now))
	for _, id := range conversationIDs {
		args = append(args, id)
	}

	pairs, err := claimScript.Run(ctx, s.client, []string{s.key}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %w", ErrUnavailable, err)
	}

	for i := 0; i+1 < len(pairs); i += 2 {
		e, err := decodeRedisEntry(pairs[i], pairs[i+1])
		if err != nil {
			// already removed from redis; keep the text rather than lose it
			s.logger.Warn("claimed malformed buffer entry", "conversation_id", pairs[i], "error", err)
			e = Entry{ConversationID: pairs[i], PendingText: pairs[i+1], ExpiresAt: now}
		}
		out[pairs[i]] = e
	}
	return out, nil
}

func (s *RedisStore) Requeue(ctx context.Context, conversationID, text string, attempts int, delay time.Duration) error {
	err := requeueScript.Run(ctx, s.client, []string{s.key},
		conversationID,
		text,
		attempts,
		unixSeconds(s.now()),
		delay.Seconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: requeue: %w", ErrUnavailable, err)
	}
	return nil
}

func decodeRedisEntry(id, raw string) (Entry, error) {
	var re redisEntry
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return Entry{}, err
	}
	return Entry{
		ConversationID: id,
		PendingText:    re.Value,
		ExpiresAt:      fromUnixSeconds(re.ExpiredAt),
		Attempts:       int(re.Attempts),
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second)))
}
