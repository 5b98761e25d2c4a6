package knowledge

import (
	"hash/fnv"
	"sync"
)

const numShards = 32

// shardedMap spreads keys over independently locked shards so that entries
// with different keys rarely contend. Values are pointers owned by the map;
// callers lock the value itself for mutation.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]*V
}

func newShardedMap[V any]() *shardedMap[V] {
	s := &shardedMap[V]{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*V)
	}
	return s
}

func (s *shardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%numShards]
}

func (s *shardedMap[V]) get(key string) (*V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// getOrCreate returns the value for key, creating it with newV when absent.
// created is true for exactly one caller per key.
func (s *shardedMap[V]) getOrCreate(key string, newV func() *V) (v *V, created bool) {
	if v, ok := s.get(key); ok {
		return v, false
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok {
		return v, false
	}
	v = newV()
	sh.m[key] = v
	return v, true
}

func (s *shardedMap[V]) put(key string, v *V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = v
	sh.mu.Unlock()
}

func (s *shardedMap[V]) remove(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// each calls fn for every entry. fn must not call back into the map.
func (s *shardedMap[V]) each(fn func(key string, v *V)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			fn(k, v)
		}
		sh.mu.RUnlock()
	}
}
