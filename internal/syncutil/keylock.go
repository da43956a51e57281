// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyLock serializes work per key (a user ID) over a fixed pool of
// channel-backed mutexes. Distinct keys may share a shard; waiters give up
// when their context ends.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock with n shards. n <= 0 uses 256.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = defaultShards
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires the shard for key. The returned func releases it and must
// be called exactly once. On cancellation Lock returns ctx.Err().
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.shards[l.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyLock) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
