package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrMalformedEnvelope is returned when a frame or signal payload cannot be parsed.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Signal is the peer-to-peer payload carried in the data field of a signal
// message. Exactly one of SDP or ICE is set.
type Signal struct {
	SDP *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

// SDPSignal wraps a session description.
func SDPSignal(desc webrtc.SessionDescription) Signal {
	return Signal{SDP: &desc}
}

// ICESignal wraps a candidate.
func ICESignal(c webrtc.ICECandidateInit) Signal {
	return Signal{ICE: &c}
}

// EncodeSignal renders s as the opaque string the relay forwards.
func EncodeSignal(s Signal) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeSignal parses a relayed payload.
func DecodeSignal(data string) (Signal, error) {
	var s Signal
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := s.validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) validate() error {
	switch {
	case s.SDP == nil && s.ICE == nil:
		return fmt.Errorf("%w: signal carries neither sdp nor ice", ErrMalformedEnvelope)
	case s.SDP != nil && s.ICE != nil:
		return fmt.Errorf("%w: signal carries both sdp and ice", ErrMalformedEnvelope)
	case s.SDP != nil:
		if s.SDP.Type != webrtc.SDPTypeOffer && s.SDP.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%w: unsupported sdp type %q", ErrMalformedEnvelope, s.SDP.Type.String())
		}
	}
	return nil
}
