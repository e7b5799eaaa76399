package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcall/internal/app/httpapi"
	"meshcall/internal/app/rooms"
	"meshcall/pkg/presence"
	"meshcall/pkg/signaling"
	"meshcall/pkg/webrtc/protocol"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRelay(t *testing.T) (wsURL string, members presence.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	members = presence.NewMemoryStore()
	hub := signaling.NewHub(members, signaling.HubOptions{Logger: logger})
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.HTTPHandler())
	mux.Handle("/api/rooms", httpapi.CreateRoomHandler(rooms.NewMemoryStore(), logger))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", members
}

func TestMintRoom(t *testing.T) {
	wsURL, _ := newRelay(t)
	cfg := &PeerConfig{Server: wsURL}
	code, err := mintRoom(context.Background(), cfg.APIBase())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(strings.Split(code, "-")) != 3 {
		t.Fatalf("code = %q", code)
	}
}

func TestRunPeer_ChatAndLeave(t *testing.T) {
	wsURL, members := newRelay(t)
	cfg := &PeerConfig{Server: wsURL, Name: "Tester", Codec: protocol.Msgpack, Mic: true, LogLevel: "error"}

	stdinR, stdinW := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runPeer(context.Background(), cfg, stdinR, out) }()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s; output %q", what, out.String())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor("room minted", func() bool { return strings.Contains(out.String(), "created room ") })
	waitFor("membership", func() bool {
		ids, _ := members.Members(context.Background(), cfg.Room)
		return len(ids) == 1
	})

	if _, err := io.WriteString(stdinW, "hello mesh\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor("chat echo", func() bool { return strings.Contains(out.String(), "<Tester> hello mesh") })

	if _, err := io.WriteString(stdinW, "/leave\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runPeer: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("peer did not leave")
	}
	_ = stdinW.Close()
	waitFor("departure", func() bool {
		ids, _ := members.Members(context.Background(), cfg.Room)
		return len(ids) == 0
	})
}
