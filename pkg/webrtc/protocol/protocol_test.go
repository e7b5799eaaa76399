package protocol

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestDecodeSignal_BrowserShapes(t *testing.T) {
	s, err := DecodeSignal(`{"sdp":{"type":"offer","sdp":"v=0\r\n"}}`)
	if err != nil {
		t.Fatalf("decode sdp: %v", err)
	}
	if s.SDP == nil || s.SDP.Type != webrtc.SDPTypeOffer || s.SDP.SDP != "v=0\r\n" {
		t.Fatalf("unexpected sdp: %#v", s.SDP)
	}

	s, err = DecodeSignal(`{"ice":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	if err != nil {
		t.Fatalf("decode ice: %v", err)
	}
	if s.ICE == nil || s.ICE.SDPMid == nil || *s.ICE.SDPMid != "0" {
		t.Fatalf("unexpected ice: %#v", s.ICE)
	}
}

func TestDecodeSignal_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{name: "not json", data: "{"},
		{name: "empty object", data: "{}"},
		{name: "both", data: `{"sdp":{"type":"offer","sdp":""},"ice":{"candidate":""}}`},
		{name: "rollback", data: `{"sdp":{"type":"rollback","sdp":""}}`},
		{name: "unknown type", data: `{"sdp":{"type":"bogus","sdp":""}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeSignal(tc.data); !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestEncodeSignal_RejectsEmpty(t *testing.T) {
	if _, err := EncodeSignal(Signal{}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
	data, err := EncodeSignal(SDPSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeSignal(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.SDP.Type != webrtc.SDPTypeAnswer || back.SDP.SDP != "x" {
		t.Fatalf("unexpected: %#v", back.SDP)
	}
}

func TestCodecs_PreserveOpaqueData(t *testing.T) {
	payload := "  {\"weird\": \"<&>\"}\n\té "
	for _, c := range []Codec{JSON, Msgpack} {
		t.Run(c.Name(), func(t *testing.T) {
			raw, err := c.Marshal(OutboundMessage{Type: TypeSignal, From: "a", To: "b", Data: payload})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out OutboundMessage
			if err := c.Unmarshal(raw, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Data != payload {
				t.Fatalf("data changed: %q != %q", out.Data, payload)
			}
			if out.From != "a" || out.To != "b" {
				t.Fatalf("routing fields lost: %#v", out)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]Codec{"": JSON, "JSON": JSON, " msgpack ": Msgpack} {
		got, err := CodecByName(name)
		if err != nil || got != want {
			t.Fatalf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestCodec_UnmarshalGarbage(t *testing.T) {
	var msg InboundMessage
	if err := JSON.Unmarshal([]byte("nope"), &msg); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("json: %v", err)
	}
	if err := Msgpack.Unmarshal([]byte{0xc1}, &msg); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("msgpack: %v", err)
	}
}
