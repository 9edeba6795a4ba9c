package distlock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memberware/treasury/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKeyPrefix = "treasury:lock:"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Log       *zap.Logger
	Cfg       config.Config
}

// Mutex hands out best-effort cross-node locks backed by redis. The locks
// only dedupe sweep work that is safe to run twice, so both the no-redis
// deployment and a redis outage grant every lock instead of stalling.
type Mutex struct {
	log    *zap.Logger
	client *redis.Client
	script *redis.Script
}

func NewMutex(p Params) *Mutex {
	m := &Mutex{log: p.Log.Named("distlock")}

	addr := strings.TrimSpace(p.Cfg.RedisAddr)
	if addr == "" {
		return m
	}

	m.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Cfg.RedisPassword),
		DB:       p.Cfg.RedisDB,
	})
	m.script = redis.NewScript(lockReleaseScript)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.client.Close()
		},
	})
	return m
}

// TryLock attempts the named lock without blocking and reports whether it
// was acquired. The returned release func is always safe to call. The lock
// expires on its own after ttl if the holder dies before releasing.
func (m *Mutex) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool) {
	if m == nil || m.client == nil {
		return func() {}, true
	}

	key := lockKeyPrefix + name
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		m.log.Warn("distlock.acquire_error", zap.String("lock", name), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}

	release := func() {
		// Compare-and-del so an expired lock re-acquired elsewhere is
		// never released by the previous holder.
		if err := m.script.Run(context.Background(), m.client, []string{key}, token).Err(); err != nil {
			m.log.Warn("distlock.release_error", zap.String("lock", name), zap.Error(err))
		}
	}
	return release, true
}
