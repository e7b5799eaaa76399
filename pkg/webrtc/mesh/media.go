package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"meshcall/pkg/webrtc/protocol"
)

// ErrMediaDenied is returned by a Capturer when a device cannot be used.
var ErrMediaDenied = errors.New("mesh: media acquisition denied")

// Kind is a local media source.
type Kind string

const (
	KindCamera     Kind = "camera"
	KindMicrophone Kind = "microphone"
	KindScreen     Kind = "screen"
)

// Capturer acquires a local track for one kind of source.
type Capturer interface {
	Capture(ctx context.Context, kind Kind) (webrtc.TrackLocal, error)
}

// SampleTrack is a sample track that drops writes while muted. Muting never
// changes the negotiated stream.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample
	muted atomic.Bool
}

// WriteSample sends s unless the track is muted.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	if t.muted.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *SampleTrack) SetMuted(muted bool) { t.muted.Store(muted) }

func (t *SampleTrack) Muted() bool { return t.muted.Load() }

// muter is implemented by tracks that can be silenced in place.
type muter interface {
	SetMuted(bool)
}

// DefaultCapturer creates SampleTracks that the caller feeds with encoded
// media: VP8 for camera and screen, Opus for the microphone.
type DefaultCapturer struct {
	StreamID string
	// Deny lists kinds that report ErrMediaDenied.
	Deny map[Kind]bool
}

// Capture implements Capturer.
func (c DefaultCapturer) Capture(_ context.Context, kind Kind) (webrtc.TrackLocal, error) {
	if c.Deny[kind] {
		return nil, fmt.Errorf("%s: %w", kind, ErrMediaDenied)
	}
	streamID := c.StreamID
	if streamID == "" {
		streamID = "meshcall"
	}
	var capability webrtc.RTPCodecCapability
	switch kind {
	case KindCamera, KindScreen:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case KindMicrophone:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleTrack{TrackLocalStaticSample: track}, nil
}

// MediaUpdate is what LocalMedia subscribers receive after every change.
type MediaUpdate struct {
	// Tracks is the outgoing stream.
	Tracks []webrtc.TrackLocal
	// StreamChanged is false for in-place changes such as muting.
	StreamChanged bool
	State         protocol.MediaState
}

// Capabilities reports which directions the local participant can send.
type Capabilities struct {
	Audio bool
	Video bool
}

// Mode names the degraded mode the capabilities imply.
func (c Capabilities) Mode() string {
	switch {
	case c.Audio && c.Video:
		return "full"
	case c.Audio:
		return "audio-only"
	case c.Video:
		return "video-only"
	default:
		return "receive-only"
	}
}

// LocalMedia holds the participant's own tracks. At most one track exists
// per kind, and camera and screen never send at the same time.
type LocalMedia struct {
	capturer Capturer

	// notifyMu is held from snapshot to delivery so subscribers see updates
	// in the order the changes happened. Subscribers must not change media
	// from inside the callback.
	notifyMu sync.Mutex

	mu          sync.Mutex
	tracks      map[Kind]webrtc.TrackLocal
	muted       map[Kind]bool
	denied      map[Kind]bool
	cameraAside bool
	subs        map[int]func(MediaUpdate)
	nextSub     int
}

// NewLocalMedia returns an empty LocalMedia. A nil capturer uses DefaultCapturer.
func NewLocalMedia(capturer Capturer) *LocalMedia {
	if capturer == nil {
		capturer = DefaultCapturer{}
	}
	return &LocalMedia{
		capturer: capturer,
		tracks:   make(map[Kind]webrtc.TrackLocal),
		muted:    make(map[Kind]bool),
		denied:   make(map[Kind]bool),
		subs:     make(map[int]func(MediaUpdate)),
	}
}

// Subscribe registers fn for every change and returns a cancel function.
func (m *LocalMedia) Subscribe(fn func(MediaUpdate)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// EnableCamera acquires the camera. An active screen share is stopped.
func (m *LocalMedia) EnableCamera(ctx context.Context) error {
	return m.enable(ctx, KindCamera)
}

// DisableCamera stops the camera track.
func (m *LocalMedia) DisableCamera() {
	m.disable(KindCamera)
}

// EnableMicrophone acquires the microphone.
func (m *LocalMedia) EnableMicrophone(ctx context.Context) error {
	return m.enable(ctx, KindMicrophone)
}

// DisableMicrophone stops the microphone track.
func (m *LocalMedia) DisableMicrophone() {
	m.disable(KindMicrophone)
}

// StartScreenShare replaces the camera with a screen track. The camera comes
// back when the share stops.
func (m *LocalMedia) StartScreenShare(ctx context.Context) error {
	return m.enable(ctx, KindScreen)
}

// StopScreenShare ends the screen share and restores the camera if it was on.
func (m *LocalMedia) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	restore := m.cameraAside
	m.cameraAside = false
	m.mu.Unlock()

	m.disable(KindScreen)
	if restore {
		return m.enable(ctx, KindCamera)
	}
	return nil
}

func (m *LocalMedia) enable(ctx context.Context, kind Kind) error {
	m.mu.Lock()
	_, have := m.tracks[kind]
	m.mu.Unlock()
	if have {
		return nil
	}

	track, err := m.capturer.Capture(ctx, kind)
	if err != nil {
		if errors.Is(err, ErrMediaDenied) {
			m.mu.Lock()
			m.denied[kind] = true
			m.mu.Unlock()
		}
		return fmt.Errorf("enable %s: %w", kind, err)
	}

	m.mu.Lock()
	delete(m.denied, kind)
	m.tracks[kind] = track
	m.muted[kind] = false
	switch kind {
	case KindScreen:
		if _, ok := m.tracks[KindCamera]; ok {
			delete(m.tracks, KindCamera)
			m.cameraAside = true
		}
	case KindCamera:
		delete(m.tracks, KindScreen)
		m.cameraAside = false
	}
	m.mu.Unlock()

	m.notify(true)
	return nil
}

func (m *LocalMedia) disable(kind Kind) {
	m.mu.Lock()
	_, had := m.tracks[kind]
	delete(m.tracks, kind)
	delete(m.muted, kind)
	if kind == KindCamera {
		m.cameraAside = false
	}
	m.mu.Unlock()
	if had {
		m.notify(true)
	}
}

// SetMuted toggles a track in place. The stream is unchanged, so links do not
// renegotiate. Tracks that support it stop sending samples while muted; for
// other capturers the writer is expected to check Muted.
func (m *LocalMedia) SetMuted(kind Kind, muted bool) {
	m.mu.Lock()
	track, have := m.tracks[kind]
	changed := have && m.muted[kind] != muted
	if changed {
		m.muted[kind] = muted
		if t, ok := track.(muter); ok {
			t.SetMuted(muted)
		}
	}
	m.mu.Unlock()
	if changed {
		m.notify(false)
	}
}

// Muted reports whether kind is present and muted.
func (m *LocalMedia) Muted(kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted[kind]
}

// Track returns the track for kind, if any.
func (m *LocalMedia) Track(kind Kind) (webrtc.TrackLocal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	return t, ok
}

// Tracks returns the outgoing stream: the microphone then the video source.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracksLocked()
}

func (m *LocalMedia) tracksLocked() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, kind := range []Kind{KindMicrophone, KindCamera, KindScreen} {
		if t, ok := m.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// State returns the flags advertised to the room.
func (m *LocalMedia) State() protocol.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *LocalMedia) stateLocked() protocol.MediaState {
	_, mic := m.tracks[KindMicrophone]
	_, cam := m.tracks[KindCamera]
	_, screen := m.tracks[KindScreen]
	return protocol.MediaState{
		Audio:  mic && !m.muted[KindMicrophone],
		Video:  cam && !m.muted[KindCamera],
		Screen: screen,
	}
}

// Capabilities reports which kinds have not been denied.
func (m *LocalMedia) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Capabilities{
		Audio: !m.denied[KindMicrophone],
		Video: !m.denied[KindCamera],
	}
}

// Release drops every track. Subscribers see an empty stream.
func (m *LocalMedia) Release() {
	m.mu.Lock()
	had := len(m.tracks) > 0
	m.tracks = make(map[Kind]webrtc.TrackLocal)
	m.muted = make(map[Kind]bool)
	m.cameraAside = false
	m.mu.Unlock()
	if had {
		m.notify(true)
	}
}

func (m *LocalMedia) notify(streamChanged bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	update := MediaUpdate{
		Tracks:        m.tracksLocked(),
		StreamChanged: streamChanged,
		State:         m.stateLocked(),
	}
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(MediaUpdate), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}
