package slot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lease only if it still holds our token.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisLeases is a Manager backed by Redis keys, shared by every engine
// process using the same key prefix. Held leases are renewed every ttl/3
// so an execution may run for arbitrarily long.
type RedisLeases struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisLeases creates a Redis lease manager. Keys are
// "<keyPrefix>slot:<run id>".
func NewRedisLeases(client redis.Cmdable, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisLeases {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLeases{client: client, keyPrefix: keyPrefix, ttl: ttl, logger: logger}
}

func (m *RedisLeases) key(runID string) string {
	return m.keyPrefix + "slot:" + runID
}

// TryAcquire implements Manager with SET NX PX.
func (m *RedisLeases) TryAcquire(ctx context.Context, runID string) (Lease, bool, error) {
	key := m.key(runID)
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	l := &redisLease{
		manager: m,
		runID:   runID,
		key:     key,
		token:   token,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.renew()
	return l, true, nil
}

type redisLease struct {
	manager *RedisLeases
	runID   string
	key     string
	token   string

	stop chan struct{}
	done chan struct{}

	mu   sync.Mutex
	lost bool

	once sync.Once
	err  error
}

func (l *redisLease) RunID() string { return l.runID }

func (l *redisLease) renew() {
	defer close(l.done)

	ticker := time.NewTicker(l.manager.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.manager.ttl/3)
			n, err := l.manager.client.Eval(ctx, renewScript, []string{l.key}, l.token, l.manager.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.manager.logger.Warn("slot lease renewal failed",
					zap.String("run_id", l.runID), zap.Error(err))
				continue
			}
			if n == 0 {
				l.manager.logger.Error("slot lease lost",
					zap.String("run_id", l.runID))
				l.mu.Lock()
				l.lost = true
				l.mu.Unlock()
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		n, err := l.manager.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
		if err != nil {
			l.err = fmt.Errorf("redis release %q: %w", l.key, err)
			return
		}
		l.mu.Lock()
		lost := l.lost
		l.mu.Unlock()
		if n == 0 || lost {
			l.err = ErrLeaseLost
		}
	})
	return l.err
}
