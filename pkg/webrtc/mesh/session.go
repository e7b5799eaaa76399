package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"meshcall/pkg/webrtc/ice"
	"meshcall/pkg/webrtc/protocol"
)

// ErrRelayClosed is returned by Run when the relay connection ends.
var ErrRelayClosed = errors.New("mesh: relay connection closed")

// Relay is the session's connection to the signaling relay.
type Relay interface {
	Send(msg protocol.InboundMessage) error
	Incoming() <-chan protocol.OutboundMessage
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Relay Relay
	// Media defaults to an empty LocalMedia with the DefaultCapturer.
	Media    *LocalMedia
	Username string

	// NewPeerConnection overrides how links build connections. By default
	// one is derived from the ICE servers in the relay's welcome, using API.
	NewPeerConnection PeerConnectionFactory
	API               *webrtc.API

	NegotiationTimeout time.Duration
	OnTrack            func(remoteID string, track *webrtc.TrackRemote)
	OnPeerState        func(remoteID string, state webrtc.PeerConnectionState)
	Logger             *slog.Logger

	// OnChat runs for every chat line after it is appended to the log.
	OnChat func(ChatMessage)
}

// Session is one participant's view of a call: its links to every other room
// member, its local media and its chat log.
type Session struct {
	cfg    SessionConfig
	relay  Relay
	media  *LocalMedia
	logger *slog.Logger
	chat   ChatLog

	ready     chan struct{}
	readyOnce sync.Once
	stopMedia func()

	mu          sync.Mutex
	selfID      string
	room        string
	username    string
	factory     PeerConnectionFactory
	links       map[string]*PeerLink
	names       map[string]string
	remoteMedia map[string]protocol.MediaState
}

// NewSession wires a session to its relay and local media. Call Run to start
// processing relay messages.
func NewSession(cfg SessionConfig) *Session {
	media := cfg.Media
	if media == nil {
		media = NewLocalMedia(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:         cfg,
		relay:       cfg.Relay,
		media:       media,
		logger:      logger,
		ready:       make(chan struct{}),
		username:    cfg.Username,
		factory:     cfg.NewPeerConnection,
		links:       make(map[string]*PeerLink),
		names:       make(map[string]string),
		remoteMedia: make(map[string]protocol.MediaState),
	}
	s.stopMedia = media.Subscribe(s.onMedia)
	return s
}

// Run dispatches relay messages until ctx is done or the relay closes. Every
// link is closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeLinks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.relay.Incoming():
			if !ok {
				return ErrRelayClosed
			}
			s.handle(msg)
		}
	}
}

// WaitReady blocks until the relay has assigned this session an id.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join enters room. Links are created as the relay reports the membership.
func (s *Session) Join(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("mesh: room is required")
	}
	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.room = room
	name := s.username
	s.mu.Unlock()
	if err := s.relay.Send(protocol.InboundMessage{Type: protocol.TypeJoinCall, Room: room, Username: name}); err != nil {
		return err
	}
	state := s.media.State()
	return s.relay.Send(protocol.InboundMessage{Type: protocol.TypeMediaState, Media: &state})
}

// Leave exits the room, closes every link and releases local media.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.room = ""
	s.mu.Unlock()
	err := s.relay.Send(protocol.InboundMessage{Type: protocol.TypeLeaveCall})
	s.closeLinks()
	s.media.Release()
	return err
}

// Close stops following local media and closes every link.
func (s *Session) Close() {
	if s.stopMedia != nil {
		s.stopMedia()
	}
	s.closeLinks()
}

// SendChat posts text to the room. The relay echoes it back to the sender.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	name := s.username
	s.mu.Unlock()
	return s.relay.Send(protocol.InboundMessage{Type: protocol.TypeChatMessage, Text: text, Username: name})
}

// SetUsername changes the display name shown to the room.
func (s *Session) SetUsername(name string) error {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
	return s.relay.Send(protocol.InboundMessage{Type: protocol.TypeSetUsername, Username: name})
}

// ID returns the relay-assigned participant id, empty before the welcome.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Media returns the local media feeding every link.
func (s *Session) Media() *LocalMedia { return s.media }

// Chat returns the session's chat log.
func (s *Session) Chat() *ChatLog { return &s.chat }

// Links returns the sorted ids of the participants currently linked.
func (s *Session) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Link returns the link to id.
func (s *Session) Link(id string) (*PeerLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	return l, ok
}

// Username returns the display name last reported for id.
func (s *Session) Username(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[id]
}

// RemoteMedia returns the media flags last advertised by id.
func (s *Session) RemoteMedia(id string) (protocol.MediaState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.remoteMedia[id]
	return st, ok
}

func (s *Session) handle(msg protocol.OutboundMessage) {
	switch msg.Type {
	case protocol.TypeWelcome:
		s.onWelcome(msg)
	case protocol.TypeUserJoined:
		s.onJoined(msg)
	case protocol.TypeUserLeft:
		s.onLeft(msg.ID)
	case protocol.TypeSignal:
		s.onSignal(msg)
	case protocol.TypeChatMessage:
		line := ChatMessage{SenderID: msg.From, SenderName: msg.Username, Text: msg.Text}
		s.chat.Append(line)
		if s.cfg.OnChat != nil {
			s.cfg.OnChat(line)
		}
	case protocol.TypeMediaState:
		if msg.Media != nil {
			s.mu.Lock()
			s.remoteMedia[msg.ID] = *msg.Media
			s.mu.Unlock()
		}
	case protocol.TypeUsernames:
		s.mu.Lock()
		s.names = copyNames(msg.Usernames)
		s.mu.Unlock()
	case protocol.TypeError:
		s.logger.Warn("relay reported an error", "error", msg.Error)
	default:
		s.logger.Debug("ignoring relay message", "type", msg.Type)
	}
}

func (s *Session) onWelcome(msg protocol.OutboundMessage) {
	s.mu.Lock()
	s.selfID = msg.ID
	if s.factory == nil {
		s.factory = PionFactory(s.cfg.API, ice.ToPion(msg.ICEMode, msg.ICEServers))
	}
	s.mu.Unlock()
	s.chat.SetSelf(msg.ID)
	s.logger.Info("connected to relay", "id", msg.ID, "iceMode", msg.ICEMode)
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) onJoined(msg protocol.OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The relay may have queued snapshots before it processed our leave.
	if s.room == "" {
		s.logger.Debug("ignoring membership outside a room", "id", msg.ID)
		return
	}
	if msg.Usernames != nil {
		s.names = copyNames(msg.Usernames)
	}
	for id, st := range msg.MediaState {
		s.remoteMedia[id] = st
	}
	for _, id := range msg.Peers {
		if id == s.selfID || s.links[id] != nil {
			continue
		}
		if err := s.openLinkLocked(id); err != nil {
			s.logger.Error("open link failed", "peer", id, "err", err)
		}
	}
}

// openLinkLocked creates the link to id. Holding s.mu keeps the initial
// stream consistent with concurrent media updates.
func (s *Session) openLinkLocked(id string) error {
	l, err := NewPeerLink(LinkConfig{
		LocalID:            s.selfID,
		RemoteID:           id,
		NewPeerConnection:  s.factory,
		Send:               s.sendSignal,
		Tracks:             s.media.Tracks(),
		NegotiationTimeout: s.cfg.NegotiationTimeout,
		OnTrack:            s.cfg.OnTrack,
		OnPeerState:        s.cfg.OnPeerState,
		Logger:             s.logger,
	})
	if err != nil {
		return err
	}
	s.links[id] = l
	s.logger.Debug("link opened", "peer", id, "links", len(s.links))
	return nil
}

func (s *Session) onLeft(id string) {
	s.mu.Lock()
	l := s.links[id]
	delete(s.links, id)
	delete(s.names, id)
	delete(s.remoteMedia, id)
	s.mu.Unlock()
	if l != nil {
		l.Close()
		s.logger.Debug("link closed", "peer", id)
	}
}

func (s *Session) onSignal(msg protocol.OutboundMessage) {
	s.mu.Lock()
	l, ok := s.links[msg.From]
	inRoom := s.room != ""
	s.mu.Unlock()
	if !inRoom || !ok {
		s.logger.Debug("dropping signal from unknown participant", "from", msg.From)
		return
	}
	sig, err := protocol.DecodeSignal(msg.Data)
	if err != nil {
		s.logger.Warn("dropping malformed signal", "from", msg.From, "err", err)
		return
	}
	if err := l.HandleSignal(sig); err != nil {
		s.logger.Debug("signal for closed link", "from", msg.From, "err", err)
	}
}

func (s *Session) sendSignal(to string, sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return s.relay.Send(protocol.InboundMessage{Type: protocol.TypeSignal, To: to, Data: data})
}

// onMedia pushes a replaced stream to every link and advertises the flags.
func (s *Session) onMedia(u MediaUpdate) {
	s.mu.Lock()
	links := make([]*PeerLink, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	inRoom := s.room != ""
	s.mu.Unlock()

	if u.StreamChanged {
		for _, l := range links {
			if err := l.AttachStream(u.Tracks); err != nil {
				s.logger.Debug("attach stream failed", "peer", l.RemoteID(), "err", err)
			}
		}
	}
	if inRoom {
		state := u.State
		if err := s.relay.Send(protocol.InboundMessage{Type: protocol.TypeMediaState, Media: &state}); err != nil {
			s.logger.Debug("advertise media state failed", "err", err)
		}
	}
}

func (s *Session) closeLinks() {
	s.mu.Lock()
	links := s.links
	s.links = make(map[string]*PeerLink)
	s.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

func copyNames(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
