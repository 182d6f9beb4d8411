package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Memory is an in-process Store with sharded maps. It backs single-node
// deployments and every test; a networked store can replace it without
// touching callers.
type Memory struct {
	shards [numShards]*shard

	subMu sync.RWMutex
	subs  map[string][]chan string
}

type shard struct {
	mu     sync.RWMutex
	values map[string]valueEntry
	hashes map[string]map[string]string
}

type valueEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{subs: make(map[string][]chan string)}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard{
			values: make(map[string]valueEntry),
			hashes: make(map[string]map[string]string),
		}
	}
	return m
}

func (m *Memory) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%numShards]
}

func (e valueEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// HGetAll returns a copy of the hash at key.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s := m.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HSet merges fields into the hash at key.
func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// Delete removes key from both the value and hash spaces.
func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.getShard(key)
	s.mu.Lock()
	delete(s.values, key)
	delete(s.hashes, key)
	s.mu.Unlock()
	return nil
}

// SetNX stores value only if key is absent or its previous holder expired.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cur, ok := s.values[key]; ok && !cur.expired(now) {
		return false, nil
	}
	entry := valueEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.values[key] = entry
	return true, nil
}

// CompareAndDelete removes key only when the live value matches.
func (m *Memory) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.values[key]
	if !ok || cur.expired(time.Now()) || cur.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// Publish fans the payload out to subscribers without blocking.
func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep publishing non-blocking
		}
	}
	return nil
}

// Subscribe registers a listener and returns the channel plus an unsubscribe
// function.
func (m *Memory) Subscribe(channel string, buffer int) (<-chan string, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan string, buffer)
	m.subs[channel] = append(m.subs[channel], ch)

	unsub := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				close(c)
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}
