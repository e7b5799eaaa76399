package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"meshcall/internal/app/usernames"
	"meshcall/pkg/presence"
	relay "meshcall/pkg/signaling"
	"meshcall/pkg/webrtc/protocol"
)

func newRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(presence.NewMemoryStore(), relay.HubOptions{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Usernames:  usernames.NewMemoryStore(),
		ICEServers: []protocol.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		ICEMode:    "stun-only",
	})
	ts := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, codec protocol.Codec) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, Options{
		Codec:  codec,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, c *Client, typ string) protocol.OutboundMessage {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Incoming():
			if !ok {
				t.Fatalf("connection closed while waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestClient_WelcomeCarriesICEConfig(t *testing.T) {
	url := newRelay(t)
	c := dial(t, url, nil)
	welcome := waitFor(t, c, protocol.TypeWelcome)
	if welcome.ID == "" {
		t.Fatalf("missing id")
	}
	if welcome.ICEMode != "stun-only" || len(welcome.ICEServers) != 1 {
		t.Fatalf("ice config = %q %#v", welcome.ICEMode, welcome.ICEServers)
	}
}

func TestClient_SignalRoundTripAcrossCodecs(t *testing.T) {
	url := newRelay(t)
	a := dial(t, url, protocol.JSON)
	b := dial(t, url, protocol.Msgpack)
	aID := waitFor(t, a, protocol.TypeWelcome).ID
	bID := waitFor(t, b, protocol.TypeWelcome).ID

	for _, c := range []*Client{a, b} {
		if err := c.Send(protocol.InboundMessage{Type: protocol.TypeJoinCall, Room: "room"}); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	waitFor(t, a, protocol.TypeUserJoined)
	waitFor(t, b, protocol.TypeUserJoined)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := a.SendSignal(bID, protocol.SDPSignal(offer)); err != nil {
		t.Fatalf("send signal: %v", err)
	}
	got := waitFor(t, b, protocol.TypeSignal)
	if got.From != aID {
		t.Fatalf("from = %q, want %q", got.From, aID)
	}
	sig, err := protocol.DecodeSignal(got.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.SDP == nil || *sig.SDP != offer {
		t.Fatalf("sdp = %#v", sig.SDP)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	url := newRelay(t)
	c := dial(t, url, nil)
	waitFor(t, c, protocol.TypeWelcome)
	c.Close()
	c.Close()

	err := c.Send(protocol.InboundMessage{Type: protocol.TypeLeaveCall})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	select {
	case _, ok := <-c.Incoming():
		for ok {
			_, ok = <-c.Incoming()
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("incoming never closed")
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", Options{}); err == nil {
		t.Fatalf("expected dial error")
	}
}
