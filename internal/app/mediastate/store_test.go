package mediastate

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"meshcall/pkg/webrtc/protocol"
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
			if err := s.SetMedia(ctx, "r1", "a", protocol.MediaState{Audio: true, Video: true}); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.SetMedia(ctx, "r1", "b", protocol.MediaState{Screen: true}); err != nil {
				t.Fatalf("set: %v", err)
			}
			states, err := s.States(ctx, "r1")
			if err != nil {
				t.Fatalf("states: %v", err)
			}
			if !states["a"].Video || !states["a"].Audio || states["a"].Screen {
				t.Fatalf("a = %+v", states["a"])
			}
			if !states["b"].Screen {
				t.Fatalf("b = %+v", states["b"])
			}

			if err := s.RemovePeer(ctx, "r1", "a"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			states, _ = s.States(ctx, "r1")
			if _, ok := states["a"]; ok || len(states) != 1 {
				t.Fatalf("states after remove = %v", states)
			}

			if err := s.Reset(ctx); err != nil {
				t.Fatalf("reset: %v", err)
			}
			states, _ = s.States(ctx, "r1")
			if len(states) != 0 {
				t.Fatalf("states after reset = %v", states)
			}
		})
	}
}
