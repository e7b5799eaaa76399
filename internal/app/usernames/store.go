package usernames

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks participant display names per room.
type Store interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetUsername(ctx context.Context, room, id, username string) error
	Usernames(ctx context.Context, room string) (map[string]string, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]string)}
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.rooms = make(map[string]map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePeer(ctx context.Context, room, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.rooms[room]
	delete(names, id)
	if len(names) == 0 {
		delete(s.rooms, room)
	}
	return nil
}

func (s *MemoryStore) SetUsername(ctx context.Context, room, id, username string) error {
	username = strings.TrimSpace(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if username == "" {
		names := s.rooms[room]
		delete(names, id)
		if len(names) == 0 {
			delete(s.rooms, room)
		}
		return nil
	}
	names, ok := s.rooms[room]
	if !ok {
		names = make(map[string]string)
		s.rooms[room] = names
	}
	names[id] = username
	return nil
}

func (s *MemoryStore) Usernames(ctx context.Context, room string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rooms[room]))
	for id, name := range s.rooms[room] {
		out[id] = name
	}
	return out, nil
}

// RedisStore implements Store using a Redis hash per room.
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
	return fmt.Sprintf("%s:room:%s:usernames", s.prefix, room)
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

func (s *RedisStore) SetUsername(ctx context.Context, room, id, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return s.rdb.HDel(ctx, s.key(room), id).Err()
	}
	return s.rdb.HSet(ctx, s.key(room), id, username).Err()
}

func (s *RedisStore) Usernames(ctx context.Context, room string) (map[string]string, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(room)).Result()
	if err != nil {
		return nil, err
	}
	return vals, nil
}
