package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/redis/go-redis/v9"
)

// codeWords is the number of petname words in a meeting code.
const codeWords = 3

// Room is a minted meeting code. Codes only make rooms shareable; joining a
// room never requires one.
type Room struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store describes meeting code creation and lookup operations.
type Store interface {
	Create(ctx context.Context) (*Room, error)
	Get(ctx context.Context, code string) (*Room, error)
	Delete(ctx context.Context, code string) error
}

// ErrNotFound is returned when a room code does not exist.
var ErrNotFound = errors.New("room not found")

var errCodeSpace = errors.New("failed to generate unique room code")

// NewCode returns a fresh meeting code such as "brave-lucky-otter".
func NewCode() string {
	return petname.Generate(codeWords, "-")
}

// MemoryStore keeps meeting codes in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]Room
	// generate is swapped in tests to force collisions.
	generate func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Room), generate: NewCode}
}

func (s *MemoryStore) Create(ctx context.Context) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 5; i++ {
		code := s.generate()
		if _, exists := s.rooms[code]; exists {
			continue
		}
		r := Room{Code: code, CreatedAt: time.Now().UTC()}
		s.rooms[code] = r
		return &r, nil
	}
	return nil, errCodeSpace
}

func (s *MemoryStore) Get(ctx context.Context, code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[strings.TrimSpace(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = strings.TrimSpace(code)
	if _, ok := s.rooms[code]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, code)
	return nil
}

// RedisStore persists meeting codes in Redis, one hash per code.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	generate func() string
}

// NewRedisStore builds a room store scoped under the provided prefix (e.g., "meshcall").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meshcall"
	}
	return &RedisStore{rdb: rdb, prefix: p, generate: NewCode}
}

func (s *RedisStore) codeKey(code string) string {
	return fmt.Sprintf("%s:codes:%s", s.prefix, code)
}

// Create generates a new room code and stores it. HSETNX on the code field
// claims the key atomically so two servers cannot mint the same code.
func (s *RedisStore) Create(ctx context.Context) (*Room, error) {
	for i := 0; i < 5; i++ {
		code := s.generate()
		key := s.codeKey(code)
		claimed, err := s.rdb.HSetNX(ctx, key, "code", code).Result()
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}
		now := time.Now().UTC()
		if err := s.rdb.HSet(ctx, key, "created_at", now.Format(time.RFC3339)).Err(); err != nil {
			return nil, err
		}
		return &Room{Code: code, CreatedAt: now}, nil
	}
	return nil, errCodeSpace
}

// Get fetches a room by code, returning ErrNotFound when missing.
func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}

	vals, err := s.rdb.HGetAll(ctx, s.codeKey(code)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	createdAt := time.Now().UTC()
	if ts, ok := vals["created_at"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			createdAt = parsed
		}
	}

	return &Room{Code: code, CreatedAt: createdAt}, nil
}

// Delete removes a room by code, returning ErrNotFound when the room does not exist.
func (s *RedisStore) Delete(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNotFound
	}
	deleted, err := s.rdb.Del(ctx, s.codeKey(code)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}
