// Package jobs coordinates scheduler batches across processes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/core"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

// ErrBatchInProgress is returned when another batch holds the lock.
var ErrBatchInProgress = errors.New("a scan batch is already in progress")

const batchLockKey = "wpsentry:lock:batch"

// releaseScript deletes the key only when it still holds our token, so a
// batch that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisLock connects to redis and returns a batch lock. The holder
// refreshes the TTL while the batch runs, so the TTL only bounds how long a
// crashed batch can block the next trigger.
func NewRedisLock(cfg config.RedisConfig, log *logger.Logger) (core.BatchLock, error) {
	if log == nil {
		log = logger.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &redisLock{
		client: client,
		key:    batchLockKey,
		ttl:    ttl,
		logger: log.WithComponent("batch-lock"),
	}, nil
}

func (l *redisLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	if !ok {
		return nil, ErrBatchInProgress
	}
	l.logger.Debugw("Batch lock acquired", "key", l.key, "ttl", l.ttl)

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(token, stop, stopped)

	var once sync.Once
	release := func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-stopped
		})
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release batch lock: %w", err)
		}
		if n == 0 {
			l.logger.Warnw("Batch lock expired before release", "key", l.key, "ttl", l.ttl)
		}
		return nil
	}
	return release, nil
}

// keepAlive extends the lock every third of its TTL until stop is closed or
// the lock is found to belong to someone else.
func (l *redisLock) keepAlive(token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := max(l.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warnw("Failed to refresh batch lock", "key", l.key, "error", err)
			case n == 0:
				l.logger.Errorw("Batch lock lost while batch is running", "key", l.key)
				return
			}
		}
	}
}

// localLock serializes batches within one process when redis is not
// configured.
type localLock struct {
	held chan struct{}
}

func NewLocalLock() core.BatchLock {
	return &localLock{held: make(chan struct{}, 1)}
}

func (l *localLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	select {
	case l.held <- struct{}{}:
		return func(context.Context) error {
			<-l.held
			return nil
		}, nil
	default:
		return nil, ErrBatchInProgress
	}
}
