package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisLib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redisLib.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisLib.NewClient(&redisLib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestCache_SetGet(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, zap.NewNop())
	ctx := context.Background()

	type payload struct {
		Title string `json:"title"`
	}
	cache.Set(ctx, "k", payload{Title: "NDA"}, time.Minute)

	var got payload
	found, err := cache.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "NDA", got.Title)

	found, err = cache.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_Version(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewCache(client, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, int64(0), cache.GetVersion(ctx, "owner:1:docs:version"))
	cache.IncrementVersion(ctx, "owner:1:docs:version")
	cache.IncrementVersion(ctx, "owner:1:docs:version")
	assert.Equal(t, int64(2), cache.GetVersion(ctx, "owner:1:docs:version"))
}

func TestCache_NilClientAlwaysMisses(t *testing.T) {
	cache := NewCache(nil, zap.NewNop())
	cache.Set(context.Background(), "k", 1, time.Minute)
	var v int
	found, err := cache.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func testMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlock, err := locker.Lock(ctx, "version:1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, client := newTestClient(t)
	testMutualExclusion(t, NewLocker(client, 5*time.Second))
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	testMutualExclusion(t, NewLocker(nil, time.Second))
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLocker(client, 5*time.Second)

	unlock, err := locker.Lock(context.Background(), "group:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "group:1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock2, err := locker.Lock(context.Background(), "group:1")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_ReleaseOnlyOwnLease(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLocker(client, time.Second)

	unlock, err := locker.Lock(context.Background(), "version:2")
	require.NoError(t, err)

	// lease expires and someone else takes it
	mr.FastForward(2 * time.Second)
	unlock2, err := locker.Lock(context.Background(), "version:2")
	require.NoError(t, err)

	unlock()
	assert.True(t, mr.Exists("lock:version:2"))
	unlock2()
	assert.False(t, mr.Exists("lock:version:2"))
}

func TestLocalLocker_TimesOutWhileHeld(t *testing.T) {
	locker := NewLocalLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, ErrLockTimeout)
	unlock()
	unlock()
}
