// Package mesh orchestrates one participant's side of a full-mesh call: a
// PeerLink per remote participant, the local media that feeds every link,
// the chat log, and the Session that ties them to the relay connection.
package mesh

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"meshcall/pkg/webrtc/protocol"
)

// PeerConnection is the subset of *webrtc.PeerConnection a PeerLink drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerConnectionFactory builds a fresh PeerConnection for a link.
type PeerConnectionFactory func() (PeerConnection, error)

// NewAPI builds a pion API with the default codecs registered and internal
// logging routed through loggerFactory (nil keeps pion's default). configure
// may adjust the setting engine further.
func NewAPI(loggerFactory logging.LoggerFactory, configure ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if loggerFactory != nil {
		se.LoggerFactory = loggerFactory
	}
	for _, fn := range configure {
		fn(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// PionFactory returns a factory that creates real pion PeerConnections. A nil
// api uses NewAPI with pion's default logging.
func PionFactory(api *webrtc.API, cfg webrtc.Configuration) PeerConnectionFactory {
	if api == nil {
		var err error
		if api, err = NewAPI(nil); err != nil {
			return func() (PeerConnection, error) { return nil, err }
		}
	}
	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return pc, nil
	}
}

// SignalSender delivers a signal to a remote participant through the relay.
type SignalSender func(to string, sig protocol.Signal) error
