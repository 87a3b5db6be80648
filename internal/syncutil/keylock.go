// Package syncutil provides in-process serialization of per-entity work.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 512

// KeyLock serializes operations on the same entity key (an order ID, a
// withdrawal ID, a user ID) within one process. Keys hash onto a fixed pool
// of channel-backed locks, so memory stays bounded and waiting honors
// context cancellation. Distinct keys may occasionally share a shard.
//
// KeyLock complements, and never replaces, the conditional updates in the
// stores: other processes are only excluded by the database.
type KeyLock struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a ready KeyLock. The zero value is also usable.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	k.init()
	return k
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
			k.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the lock for key, or returns ctx.Err() if the context ends
// first. On success the returned func releases the lock and must be called.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.init()
	ch := k.shards[shardOf(key)]
	select {
	case <-ch:
		var released sync.Once
		return func() { released.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
