// Package syncutil provides shared synchronization helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const numShards = 128

// ShardedMutex serializes operations per string key using a fixed pool of
// mutexes. Memory stays bounded no matter how many entity keys the event
// stream produces; two keys that hash to the same shard occasionally
// contend, which is acceptable for the short critical sections here.
type ShardedMutex struct {
	shards [numShards]sync.Mutex
}

// Lock acquires the mutex covering key and returns its unlock function.
//
//	unlock := locks.Lock(patternHash)
//	defer unlock()
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}
