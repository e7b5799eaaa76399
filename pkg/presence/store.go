package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store tracks which participants are in which room. Rooms exist only while
// they have members.
type Store interface {
	Reset(ctx context.Context) error
	// Join adds id to room and returns the member snapshot, joiner included.
	// Joining twice replaces the earlier entry.
	Join(ctx context.Context, room, id string) ([]string, error)
	// Leave removes id from room and returns who is left. Unknown ids are a no-op.
	Leave(ctx context.Context, room, id string) ([]string, error)
	Members(ctx context.Context, room string) ([]string, error)
	Rooms(ctx context.Context) ([]string, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.rooms = make(map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Join(ctx context.Context, room, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[room] = members
	}
	members[id] = struct{}{}
	return sortedKeys(members), nil
}

func (s *MemoryStore) Leave(ctx context.Context, room, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.rooms, room)
		return nil, nil
	}
	return sortedKeys(members), nil
}

func (s *MemoryStore) Members(ctx context.Context, room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.rooms[room]), nil
}

func (s *MemoryStore) Rooms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RedisStore implements Store using one Redis set per room plus an index of
// non-empty rooms.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	keyRooms string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "meshcall").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meshcall"
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:rooms", p),
	}
}

func (s *RedisStore) peersKey(room string) string {
	return fmt.Sprintf("%s:room:%s:peers", s.prefix, room)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys := []string{s.keyRooms}
	for _, room := range rooms {
		keys = append(keys, s.peersKey(room))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Join(ctx context.Context, room, id string) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.peersKey(room), id)
	_ = pipe.SAdd(ctx, s.keyRooms, room)
	membersCmd := pipe.SMembers(ctx, s.peersKey(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	members := membersCmd.Val()
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Leave(ctx context.Context, room, id string) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SRem(ctx, s.peersKey(room), id)
	membersCmd := pipe.SMembers(ctx, s.peersKey(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	members := membersCmd.Val()
	if len(members) == 0 {
		// Redis drops empty sets on its own; only the index needs cleaning.
		if err := s.rdb.SRem(ctx, s.keyRooms, room).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Members(ctx context.Context, room string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.peersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	sort.Strings(vals)
	return vals, nil
}

func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}
