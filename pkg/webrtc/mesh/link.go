package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"meshcall/pkg/webrtc/protocol"
)

// DefaultNegotiationTimeout bounds how long a link may wait for the remote
// side to complete an offer/answer exchange.
const DefaultNegotiationTimeout = 15 * time.Second

const linkInboxSize = 64

// ErrLinkClosed is returned when input is delivered to a closed link.
var ErrLinkClosed = errors.New("mesh: link closed")

// State is the negotiation state of a PeerLink.
type State int

const (
	StateNew State = iota
	StateLocalOfferPending
	StateRemoteAnswerPending
	StateRemoteOfferReceived
	StateLocalAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalOfferPending:
		return "local-offer-pending"
	case StateRemoteAnswerPending:
		return "remote-answer-pending"
	case StateRemoteOfferReceived:
		return "remote-offer-received"
	case StateLocalAnswerSent:
		return "local-answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// inFlight reports whether a negotiation is outstanding.
func (s State) inFlight() bool {
	switch s {
	case StateLocalOfferPending, StateRemoteAnswerPending, StateRemoteOfferReceived, StateLocalAnswerSent:
		return true
	}
	return false
}

// Role is the side a link played in its latest negotiation.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// LinkConfig configures a PeerLink.
type LinkConfig struct {
	LocalID  string
	RemoteID string

	NewPeerConnection PeerConnectionFactory
	Send              SignalSender

	// Tracks is the local stream the link starts with. A non-empty stream
	// makes the link offer as soon as it starts.
	Tracks []webrtc.TrackLocal

	// NegotiationTimeout defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration

	OnTrack       func(remoteID string, track *webrtc.TrackRemote)
	OnStateChange func(remoteID string, state State)
	// OnPeerState reports transport state of the underlying PeerConnection.
	OnPeerState   func(remoteID string, state webrtc.PeerConnectionState)
	Logger        *slog.Logger
}

type eventKind int

const (
	evStart eventKind = iota
	evSignal
	evStream
	evTimeout
)

type linkEvent struct {
	kind   eventKind
	signal protocol.Signal
	tracks []webrtc.TrackLocal
	seq    uint64
}

// PeerLink owns the connection to one remote participant. All negotiation
// runs on the link's own goroutine; callers only post events.
type PeerLink struct {
	localID  string
	remoteID string
	factory  PeerConnectionFactory
	send     SignalSender
	timeout  time.Duration
	onTrack  func(string, *webrtc.TrackRemote)
	onState  func(string, State)
	onPeer   func(string, webrtc.PeerConnectionState)
	logger   *slog.Logger

	inbox     chan linkEvent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state State
	role  Role

	// gen identifies the current PeerConnection so callbacks from a replaced
	// one are ignored.
	gen atomic.Uint64

	// Owned by the run goroutine.
	pc            PeerConnection
	tracks        []webrtc.TrackLocal
	senders       []*webrtc.RTPSender
	pendingICE    []webrtc.ICECandidateInit
	renegotiate   bool
	pendingTracks []webrtc.TrackLocal
	hasPending    bool
	negSeq        uint64
	timer         *time.Timer
}

// NewPeerLink creates the link's PeerConnection, attaches the initial tracks
// and starts the link goroutine.
func NewPeerLink(cfg LinkConfig) (*PeerLink, error) {
	if cfg.NewPeerConnection == nil {
		return nil, errors.New("mesh: link needs a peer connection factory")
	}
	if cfg.Send == nil {
		return nil, errors.New("mesh: link needs a signal sender")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}

	l := &PeerLink{
		localID:  cfg.LocalID,
		remoteID: cfg.RemoteID,
		factory:  cfg.NewPeerConnection,
		send:     cfg.Send,
		timeout:  timeout,
		onTrack:  cfg.OnTrack,
		onState:  cfg.OnStateChange,
		onPeer:   cfg.OnPeerState,
		logger:   logger.With("peer", cfg.RemoteID),
		inbox:    make(chan linkEvent, linkInboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		tracks:   append([]webrtc.TrackLocal(nil), cfg.Tracks...),
	}
	if err := l.newPeerConnection(); err != nil {
		return nil, err
	}

	l.inbox <- linkEvent{kind: evStart}
	go l.run()
	return l, nil
}

// RemoteID returns the participant this link connects to.
func (l *PeerLink) RemoteID() string { return l.remoteID }

// State returns the current negotiation state.
func (l *PeerLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Role returns the side the link played in its latest negotiation.
func (l *PeerLink) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

// HandleSignal queues a signal received from the remote participant.
func (l *PeerLink) HandleSignal(sig protocol.Signal) error {
	return l.post(linkEvent{kind: evSignal, signal: sig})
}

// AttachStream replaces the local stream sent on this link and renegotiates.
// While a negotiation is in flight the request waits, and only the latest
// stream is applied once the link settles.
func (l *PeerLink) AttachStream(tracks []webrtc.TrackLocal) error {
	return l.post(linkEvent{kind: evStream, tracks: append([]webrtc.TrackLocal(nil), tracks...)})
}

// Close tears the link down without telling the remote side. In-flight work
// is discarded.
func (l *PeerLink) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
}

// Done is closed once the link has released its PeerConnection.
func (l *PeerLink) Done() <-chan struct{} {
	return l.done
}

func (l *PeerLink) post(ev linkEvent) error {
	select {
	case <-l.quit:
		return ErrLinkClosed
	default:
	}
	select {
	case l.inbox <- ev:
		return nil
	case <-l.quit:
		return ErrLinkClosed
	}
}

func (l *PeerLink) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			l.teardown()
			return
		case ev := <-l.inbox:
			select {
			case <-l.quit:
				l.teardown()
				return
			default:
			}
			l.handle(ev)
		}
	}
}

func (l *PeerLink) handle(ev linkEvent) {
	switch ev.kind {
	case evStart:
		if len(l.tracks) > 0 {
			l.startOffer()
		}
	case evSignal:
		switch {
		case ev.signal.SDP != nil:
			l.handleDescription(*ev.signal.SDP)
		case ev.signal.ICE != nil:
			l.handleCandidate(*ev.signal.ICE)
		}
	case evStream:
		l.handleStream(ev.tracks)
	case evTimeout:
		if ev.seq != l.negSeq || !l.State().inFlight() {
			return
		}
		l.logger.Warn("negotiation timed out; rebuilding peer connection", "state", l.State().String())
		l.restart()
	}
}

func (l *PeerLink) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev == s {
		return
	}
	l.logger.Debug("link state", "from", prev.String(), "to", s.String())
	if s == StateConnected || s == StateNew || s == StateClosed {
		l.stopTimer()
	}
	if l.onState != nil {
		l.onState(l.remoteID, s)
	}
}

func (l *PeerLink) setRole(r Role) {
	l.mu.Lock()
	l.role = r
	l.mu.Unlock()
}

// startOffer runs the offerer side: create, apply and relay a local offer.
func (l *PeerLink) startOffer() {
	l.renegotiate = false
	l.setRole(RoleOfferer)
	l.setState(StateLocalOfferPending)
	l.armTimer()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.logger.Error("create offer failed", "err", err)
		l.fail()
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.logger.Error("set local offer failed", "err", err)
		l.fail()
		return
	}
	if err := l.send(l.remoteID, protocol.SDPSignal(offer)); err != nil {
		l.logger.Warn("relay offer failed", "err", err)
	}
	l.setState(StateRemoteAnswerPending)
}

func (l *PeerLink) handleDescription(desc webrtc.SessionDescription) {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.handleOffer(desc)
	case webrtc.SDPTypeAnswer:
		l.handleAnswer(desc)
	default:
		l.logger.Debug("ignoring session description", "type", desc.Type.String())
	}
}

func (l *PeerLink) handleOffer(offer webrtc.SessionDescription) {
	state := l.State()
	if state == StateLocalOfferPending || state == StateRemoteAnswerPending {
		// Glare: the smaller id keeps its offer.
		if l.localID < l.remoteID {
			l.logger.Debug("glare: keeping local offer")
			return
		}
		l.logger.Debug("glare: rolling back local offer")
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			l.logger.Warn("rollback failed; rebuilding peer connection", "err", err)
			l.reset()
		}
		// The discarded offer carried our stream; send it again once settled.
		l.renegotiate = true
	}

	if err := l.answer(offer); err != nil {
		l.logger.Warn("accepting offer failed; retrying on a fresh peer connection", "err", err)
		l.reset()
		if err := l.answer(offer); err != nil {
			l.logger.Error("accepting offer failed", "err", err)
			l.fail()
			return
		}
	}
	l.settled()
}

// answer runs the answerer side for one remote offer.
func (l *PeerLink) answer(offer webrtc.SessionDescription) error {
	l.setRole(RoleAnswerer)
	l.setState(StateRemoteOfferReceived)
	l.armTimer()

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := l.send(l.remoteID, protocol.SDPSignal(answer)); err != nil {
		l.logger.Warn("relay answer failed", "err", err)
	}
	l.setState(StateLocalAnswerSent)
	return nil
}

func (l *PeerLink) handleAnswer(answer webrtc.SessionDescription) {
	if l.State() != StateRemoteAnswerPending {
		l.logger.Debug("ignoring unexpected answer", "state", l.State().String())
		return
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		l.logger.Error("set remote answer failed", "err", err)
		l.restart()
		return
	}
	l.flushCandidates()
	l.settled()
}

// settled marks the negotiation complete and runs a queued renegotiation.
func (l *PeerLink) settled() {
	l.setState(StateConnected)
	if l.hasPending {
		l.replaceTracks(l.pendingTracks)
		l.pendingTracks, l.hasPending = nil, false
		l.renegotiate = true
	}
	if l.renegotiate {
		l.startOffer()
	}
}

func (l *PeerLink) handleCandidate(c webrtc.ICECandidateInit) {
	if l.pc.RemoteDescription() == nil {
		l.pendingICE = append(l.pendingICE, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.logger.Debug("add candidate failed", "err", err)
	}
}

// flushCandidates applies queued candidates in arrival order. It must only
// run after a remote description is set.
func (l *PeerLink) flushCandidates() {
	queued := l.pendingICE
	l.pendingICE = nil
	for _, c := range queued {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Debug("add queued candidate failed", "err", err)
		}
	}
}

func (l *PeerLink) handleStream(tracks []webrtc.TrackLocal) {
	state := l.State()
	if state.inFlight() {
		l.pendingTracks, l.hasPending = tracks, true
		l.renegotiate = true
		return
	}
	hadTracks := len(l.tracks) > 0
	l.replaceTracks(tracks)
	if state == StateConnected || hadTracks || len(tracks) > 0 {
		l.startOffer()
	}
}

// replaceTracks removes the previous stream's senders and adds tracks.
func (l *PeerLink) replaceTracks(tracks []webrtc.TrackLocal) {
	for _, s := range l.senders {
		if err := l.pc.RemoveTrack(s); err != nil {
			l.logger.Debug("remove track failed", "err", err)
		}
	}
	l.senders = nil
	l.tracks = tracks
	l.addTracks()
}

func (l *PeerLink) addTracks() {
	for _, t := range l.tracks {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			l.logger.Warn("add track failed", "track", t.ID(), "err", err)
			continue
		}
		l.senders = append(l.senders, sender)
	}
}

// newPeerConnection builds a PeerConnection, wires its callbacks and attaches
// the current stream.
func (l *PeerLink) newPeerConnection() error {
	pc, err := l.factory()
	if err != nil {
		return err
	}
	gen := l.gen.Add(1)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || l.gen.Load() != gen || l.isClosing() {
			return
		}
		if err := l.send(l.remoteID, protocol.ICESignal(c.ToJSON())); err != nil {
			l.logger.Debug("relay candidate failed", "err", err)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if l.gen.Load() != gen {
			return
		}
		l.logger.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		if l.onTrack != nil {
			l.onTrack(l.remoteID, track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if l.gen.Load() != gen {
			return
		}
		l.logger.Debug("peer connection state", "state", s.String())
		if l.onPeer != nil {
			l.onPeer(l.remoteID, s)
		}
	})

	l.pc = pc
	l.senders = nil
	l.addTracks()
	return nil
}

// reset replaces the PeerConnection and clears per-negotiation state.
func (l *PeerLink) reset() {
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			l.logger.Debug("close peer connection", "err", err)
		}
	}
	l.pendingICE = nil
	if l.hasPending {
		l.tracks = l.pendingTracks
		l.pendingTracks, l.hasPending = nil, false
	}
	if err := l.newPeerConnection(); err != nil {
		// The closed connection stays in place and fails every call.
		l.logger.Error("rebuild peer connection failed", "err", err)
	}
}

// fail abandons the current negotiation on a fresh connection.
func (l *PeerLink) fail() {
	l.reset()
	l.renegotiate = false
	l.setState(StateNew)
}

// restart rebuilds the connection and offers again if there is anything to send.
func (l *PeerLink) restart() {
	l.fail()
	if len(l.tracks) > 0 {
		l.startOffer()
	}
}

func (l *PeerLink) armTimer() {
	l.stopTimer()
	l.negSeq++
	seq := l.negSeq
	l.timer = time.AfterFunc(l.timeout, func() {
		_ = l.post(linkEvent{kind: evTimeout, seq: seq})
	})
}

func (l *PeerLink) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *PeerLink) isClosing() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

func (l *PeerLink) teardown() {
	l.stopTimer()
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			l.logger.Debug("close peer connection", "err", err)
		}
	}
	l.pendingICE = nil
	l.setState(StateClosed)
}
