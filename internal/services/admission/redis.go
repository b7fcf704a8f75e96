package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reserveScript runs the evict, sum, compare and record steps atomically.
// Members are "<id>:<tokens>" scored by arrival time in milliseconds.
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local used = 0
for _, m in ipairs(members) do
  local n = tonumber(string.match(m, ':(%d+)$'))
  if n then used = used + n end
end
if used + tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// RedisWindow shares token windows between gateway processes through a
// sorted set per key.
type RedisWindow struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    *zap.Logger
}

func NewRedisWindow(client *redis.Client, prefix string, log *zap.Logger) *RedisWindow {
	return &RedisWindow{
		client: client,
		prefix: prefix,
		now:    time.Now,
		log:    log,
	}
}

// WithClock overrides the sample clock.
func (r *RedisWindow) WithClock(now func() time.Time) *RedisWindow {
	r.now = now
	return r
}

func (r *RedisWindow) Reserve(ctx context.Context, key string, tokens, limit int) (bool, error) {
	now := r.now().UnixMilli()
	windowStart := now - Window.Milliseconds()
	member := fmt.Sprintf("%s:%d", uuid.NewString(), tokens)

	res, err := reserveScript.Run(ctx, r.client, []string{r.prefix + key},
		windowStart, now, tokens, limit, member, Window.Milliseconds()*2,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve tokens: %w", err)
	}
	return res == 1, nil
}

// Reset clears the window for key.
func (r *RedisWindow) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
