package ice

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestResolve(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		name     string
		in       Settings
		wantMode string
		wantURLs [][]string
	}{
		{
			name:     "defaults",
			in:       Settings{},
			wantMode: ModeSTUNTURN,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "stun and turn",
			in:       Settings{STUNURLs: "stun:a:1, ,stun:b:2", TURNURLs: "turn:t:3478", TURNUsername: "u", TURNPassword: "p"},
			wantMode: ModeSTUNTURN,
			wantURLs: [][]string{{"stun:a:1", "stun:b:2"}, {"turn:t:3478"}},
		},
		{
			name:     "stun only ignores turn",
			in:       Settings{Mode: ModeSTUNOnly, TURNURLs: "turn:t:3478"},
			wantMode: ModeSTUNOnly,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "turn only without turn falls back",
			in:       Settings{Mode: ModeTURNOnly, STUNURLs: "stun:a:1"},
			wantMode: ModeTURNOnly,
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "turn only",
			in:       Settings{Mode: ModeTURNOnly, TURNURLs: "turn:t:3478"},
			wantMode: ModeTURNOnly,
			wantURLs: [][]string{{"turn:t:3478"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mode, servers := Resolve(tc.in, quiet)
			if mode != tc.wantMode {
				t.Fatalf("mode = %q, want %q", mode, tc.wantMode)
			}
			var urls [][]string
			for _, s := range servers {
				urls = append(urls, s.URLs)
			}
			if !reflect.DeepEqual(urls, tc.wantURLs) {
				t.Fatalf("urls = %v, want %v", urls, tc.wantURLs)
			}
		})
	}
}

func TestToPion(t *testing.T) {
	_, servers := Resolve(Settings{Mode: ModeTURNOnly, TURNURLs: "turn:t:3478", TURNUsername: "u", TURNPassword: "p"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := ToPion(ModeTURNOnly, servers)
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("policy = %v", cfg.ICETransportPolicy)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "u" || cfg.ICEServers[0].Credential != "p" {
		t.Fatalf("servers = %#v", cfg.ICEServers)
	}
	if ToPion(ModeSTUNTURN, servers).ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("expected default policy")
	}
}
