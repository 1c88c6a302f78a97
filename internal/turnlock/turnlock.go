// Package turnlock gives a call exclusive use of its turn pipeline.
package turnlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rcliao/voicekb/internal/apperr"
)

// Guard grants scoped exclusivity per key. Acquire never waits: a held key
// fails with apperr.ConcurrentTurnConflict. The returned release func is
// idempotent.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local guards keys within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, apperr.New(apperr.ConcurrentTurnConflict, "turn already in progress for %s", key)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Redis guards keys across processes sharing a Redis server. Locks expire
// after ttl so a crashed holder cannot wedge a call.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// NewRedis connects using a redis:// URL.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: redis.NewClient(opts), prefix: "voicekb:turn:", ttl: ttl}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, err, "acquire turn lock")
	}
	if !ok {
		return nil, apperr.New(apperr.ConcurrentTurnConflict, "turn already in progress for %s", key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The turn context may already be cancelled by a hangup.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(ctx, r.client, []string{k}, token)
		})
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
