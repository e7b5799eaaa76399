package mediastate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"meshcall/pkg/webrtc/protocol"
)

// Store tracks which media each participant says it is sending.
type Store interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetMedia(ctx context.Context, room, id string, state protocol.MediaState) error
	States(ctx context.Context, room string) (map[string]protocol.MediaState, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]protocol.MediaState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]protocol.MediaState)}
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.rooms = make(map[string]map[string]protocol.MediaState)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePeer(ctx context.Context, room, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.rooms[room]
	delete(states, id)
	if len(states) == 0 {
		delete(s.rooms, room)
	}
	return nil
}

func (s *MemoryStore) SetMedia(ctx context.Context, room, id string, state protocol.MediaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.rooms[room]
	if !ok {
		states = make(map[string]protocol.MediaState)
		s.rooms[room] = states
	}
	states[id] = state
	return nil
}

func (s *MemoryStore) States(ctx context.Context, room string) (map[string]protocol.MediaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.MediaState, len(s.rooms[room]))
	for id, st := range s.rooms[room] {
		out[id] = st
	}
	return out, nil
}

// RedisStore implements Store using a Redis hash per room with JSON values.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "meshcall").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meshcall"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) key(room string) string {
	return fmt.Sprintf("%s:room:%s:media", s.prefix, room)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.key("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, room, id string) error {
	return s.rdb.HDel(ctx, s.key(room), id).Err()
}

func (s *RedisStore) SetMedia(ctx context.Context, room, id string, state protocol.MediaState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key(room), id, string(b)).Err()
}

func (s *RedisStore) States(ctx context.Context, room string) (map[string]protocol.MediaState, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]protocol.MediaState, len(vals))
	for id, raw := range vals {
		var st protocol.MediaState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("media state for %s: %w", id, err)
		}
		out[id] = st
	}
	return out, nil
}
