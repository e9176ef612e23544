package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken before the
// context ended.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// Locker serializes work on one key (a version or a group) across requests.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewLocker returns a Redis lock when client is set and an in-process lock
// otherwise.
func NewLocker(client *redis.Client, ttl time.Duration) Locker {
	if client == nil {
		return NewLocalLocker()
	}
	return &redisLocker{client: client, ttl: ttl, retry: 20 * time.Millisecond}
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	owner, err := randomOwner()
	if err != nil {
		return nil, err
	}
	key = "lock:" + key

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrLockTimeout
			}
			return nil, err
		}
		if ok {
			return func() {
				// a fresh context: release must run even if the request was cancelled
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, l.client, []string{key}, owner)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-ticker.C:
		}
	}
}

func randomOwner() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type localLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() Locker {
	return &localLocker{locks: make(map[string]*localEntry)}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *localLocker) release(key string, e *localEntry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
