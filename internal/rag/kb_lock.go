package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy 等待超时仍未拿到知识库锁
var ErrLockBusy = errors.New("rag: knowledge base is busy")

const (
	defaultLockTTL     = 10 * time.Minute
	defaultLockWait    = 30 * time.Second
	lockRetryInterval  = 100 * time.Millisecond
	redisLockKeyPrefix = "kbindex:lock:kb:"
)

// KBLocker 知识库级互斥，保证同一知识库同时只有一个写操作
type KBLocker interface {
	Lock(ctx context.Context, kbID string) (unlock func(context.Context) error, err error)
}

// WithKBLock 在锁内执行 fn，fn 返回后总会释放锁
func WithKBLock(ctx context.Context, locker KBLocker, kbID string, fn func(context.Context) error) (err error) {
	unlock, err := locker.Lock(ctx, kbID)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn(ctx)
}

// releaseScript 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript 只续期自己持有的锁
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// leaseStore 锁租约的底层操作
type leaseStore interface {
	acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

type redisLeaseStore struct {
	client redis.UniversalClient
}

func (s redisLeaseStore) acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

func (s redisLeaseStore) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	return n == 1, err
}

func (s redisLeaseStore) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, token).Err()
}

// RedisKBLocker 基于 Redis SET NX PX 的跨进程锁
// 持有期间每 ttl/3 续期一次，长时间的入库任务不会因租约过期丢锁
type RedisKBLocker struct {
	store leaseStore
	ttl   time.Duration
	wait  time.Duration
}

// NewRedisKBLocker ttl 为单次租约时长，wait 为获取锁的最长等待时间
func NewRedisKBLocker(client redis.UniversalClient, ttl, wait time.Duration) *RedisKBLocker {
	return newLeaseLocker(redisLeaseStore{client: client}, ttl, wait)
}

func newLeaseLocker(store leaseStore, ttl, wait time.Duration) *RedisKBLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &RedisKBLocker{store: store, ttl: ttl, wait: wait}
}

// Lock 轮询获取锁，超过等待时间返回 ErrLockBusy
func (l *RedisKBLocker) Lock(ctx context.Context, kbID string) (func(context.Context) error, error) {
	key := redisLockKeyPrefix + kbID
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.store.acquire(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("获取知识库锁失败: %w", err)
		}
		if ok {
			return l.hold(ctx, key, token), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, kbID)
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// hold 启动续期协程，返回的 unlock 先停止续期再释放
func (l *RedisKBLocker) hold(ctx context.Context, key, token string) func(context.Context) error {
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := l.store.renew(renewCtx, key, token, l.ttl)
				if err == nil && !ok {
					// 租约已被他人持有，继续续期没有意义
					return
				}
			}
		}
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			stop()
			<-done
			if rerr := l.store.release(ctx, key, token); rerr != nil {
				err = fmt.Errorf("释放知识库锁失败: %w", rerr)
			}
		})
		return err
	}
}

// LocalKBLocker 进程内锁，单实例部署与测试使用
type LocalKBLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewLocalKBLocker wait 为获取锁的最长等待时间
func NewLocalKBLocker(wait time.Duration) *LocalKBLocker {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &LocalKBLocker{slots: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalKBLocker) slot(kbID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[kbID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[kbID] = ch
	}
	return ch
}

// Lock 获取锁，ctx 取消或等待超时时返回错误
func (l *LocalKBLocker) Lock(ctx context.Context, kbID string) (func(context.Context) error, error) {
	ch := l.slot(kbID)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, kbID)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}
