package usernames

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStores(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for name, s := range map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb, "test"),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.SetUsername(ctx, "r1", "a", "  Alice "); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.SetUsername(ctx, "r1", "b", "Bob"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.SetUsername(ctx, "r2", "a", "Other room"); err != nil {
				t.Fatalf("set: %v", err)
			}

			names, err := s.Usernames(ctx, "r1")
			if err != nil {
				t.Fatalf("usernames: %v", err)
			}
			if names["a"] != "Alice" || names["b"] != "Bob" || len(names) != 2 {
				t.Fatalf("r1 names = %v", names)
			}

			// An empty name clears the entry.
			if err := s.SetUsername(ctx, "r1", "b", " "); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if err := s.RemovePeer(ctx, "r1", "a"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			names, _ = s.Usernames(ctx, "r1")
			if len(names) != 0 {
				t.Fatalf("r1 names after removal = %v", names)
			}

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("reset: %v", err)
			}
			names, _ = s.Usernames(ctx, "r2")
			if len(names) != 0 {
				t.Fatalf("r2 names after reset = %v", names)
			}
		})
	}
}
