package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshcall/pkg/presence"
	"meshcall/pkg/webrtc/protocol"
)

const (
	defaultReadLimit   = 64 * 1024
	defaultSendBuffer  = 256
	pingInterval       = 40 * time.Second
	pongWait           = 60 * time.Second
	writeTimeout       = 10 * time.Second
	storeTimeout       = 5 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// UsernameStore is an optional store for display names.
type UsernameStore interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetUsername(ctx context.Context, room, id, username string) error
	Usernames(ctx context.Context, room string) (map[string]string, error)
}

// MediaStore is an optional store for advertised media flags.
type MediaStore interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetMedia(ctx context.Context, room, id string, state protocol.MediaState) error
	States(ctx context.Context, room string) (map[string]protocol.MediaState, error)
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *slog.Logger
	Upgrader   *websocket.Upgrader
	Usernames  UsernameStore
	Media      MediaStore
	// SendBuffer is the per-client outbound queue length.
	SendBuffer int
	// OnRoomEmpty runs after the last member of a room leaves.
	OnRoomEmpty func(room string)
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated participant ID (useful for authenticated callers).
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
	// Codec selects the frame encoding (defaults to JSON).
	Codec protocol.Codec
}

// Hub relays signaling between participants of the same room. Membership
// changes, relays and chat for one room are serialized by a per-room lock;
// different rooms never contend.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*client
	presence    presence.Store
	usernames   UsernameStore
	media       MediaStore
	locks       *roomLocks
	iceServers  []protocol.ICEServer
	iceMode     string
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	sendBuffer  int
	onRoomEmpty func(room string)
}

type client struct {
	id     string
	conn   *websocket.Conn
	codec  protocol.Codec
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// room is guarded by Hub.mu and only changes under that room's lock.
	room string
}

// NewHub builds a signaling Hub with the provided presence store and options.
func NewHub(presenceStore presence.Store, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	return &Hub{
		clients:     make(map[string]*client),
		presence:    presenceStore,
		usernames:   opts.Usernames,
		media:       opts.Media,
		locks:       newRoomLocks(),
		iceServers:  opts.ICEServers,
		iceMode:     opts.ICEMode,
		upgrader:    upgrader,
		logger:      logger,
		sendBuffer:  sendBuffer,
		onRoomEmpty: opts.OnRoomEmpty,
	}
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
// The optional codec query parameter selects json (default) or msgpack frames.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("ws upgrade failed", "err", err)
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{Codec: codec}); err != nil {
			h.logger.Error("ws accept failed", "err", err)
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection (useful when auth/guards are handled elsewhere).
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	c := &client{
		id:     id,
		conn:   conn,
		codec:  codec,
		send:   make(chan []byte, h.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if _, exists := h.clients[id]; exists {
		h.mu.Unlock()
		cancel()
		return errors.New("participant id already connected")
	}
	h.clients[id] = c
	h.deliverLocked(c, protocol.OutboundMessage{
		Type:       protocol.TypeWelcome,
		ID:         id,
		ICEServers: h.iceServers,
		ICEMode:    h.iceMode,
	})
	h.mu.Unlock()

	h.logger.Info("ws: connected", "id", id, "codec", codec.Name())

	go c.writePump()
	go c.readPump(h)
	return nil
}

// Connected reports whether id currently has an open connection.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

func (h *Hub) unregister(c *client) {
	h.leave(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.logger.Info("ws: disconnected", "id", c.id)
}

func (h *Hub) handleInbound(c *client, msg protocol.InboundMessage) {
	h.logger.Debug("ws: inbound", "type", msg.Type, "from", c.id, "to", msg.To)
	switch msg.Type {
	case protocol.TypeJoinCall:
		room := strings.TrimSpace(msg.Room)
		if room == "" {
			h.sendError(c, "join-call requires a room")
			return
		}
		h.join(c, room, msg.Username)
	case protocol.TypeLeaveCall:
		h.leave(c)
	case protocol.TypeSignal:
		if msg.To == "" || msg.Data == "" {
			return
		}
		h.forwardSignal(c, msg.To, msg.Data)
	case protocol.TypeChatMessage:
		if msg.Text == "" {
			return
		}
		h.relayChat(c, msg.Text, msg.Username)
	case protocol.TypeMediaState:
		if msg.Media == nil || h.media == nil {
			return
		}
		h.updateMedia(c, *msg.Media)
	case protocol.TypeSetUsername:
		if h.usernames == nil {
			return
		}
		h.updateUsername(c, msg.Username)
	default:
		h.logger.Warn("unknown message type", "from", c.id, "type", msg.Type)
	}
}

func (h *Hub) roomOf(c *client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

func (h *Hub) join(c *client, room, username string) {
	if prev := h.roomOf(c); prev != "" {
		if prev == room {
			// Re-join replaces the prior entry; the snapshot is re-announced below.
			h.logger.Debug("ws: rejoin", "id", c.id, "room", room)
		} else {
			h.leave(c)
		}
	}

	unlock := h.locks.lock(room)
	defer unlock()

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	members, err := h.presence.Join(ctx, room, c.id)
	if err != nil {
		h.logger.Error("presence join", "room", room, "id", c.id, "err", err)
		h.sendError(c, "join failed")
		return
	}

	h.mu.Lock()
	c.room = room
	h.mu.Unlock()

	if h.usernames != nil && strings.TrimSpace(username) != "" {
		if err := h.usernames.SetUsername(ctx, room, c.id, username); err != nil {
			h.logger.Error("username set", "room", room, "id", c.id, "err", err)
		}
	}

	names, states := h.roomState(ctx, room)
	h.logger.Info("ws: joined", "id", c.id, "room", room, "members", len(members))

	// Everyone including the newcomer gets the snapshot; the newcomer builds
	// its links from it, existing members add one link toward the new id.
	h.deliverToMembers(room, members, protocol.OutboundMessage{
		Type:       protocol.TypeUserJoined,
		ID:         c.id,
		Peers:      members,
		Usernames:  names,
		MediaState: states,
	}, "")
}

func (h *Hub) leave(c *client) {
	room := h.roomOf(c)
	if room == "" {
		return
	}

	unlock := h.locks.lock(room)
	defer unlock()

	h.mu.Lock()
	if c.room != room {
		// Lost a race with another leave for the same client.
		h.mu.Unlock()
		return
	}
	c.room = ""
	h.mu.Unlock()

	// Leaving must finish even when the connection context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	remaining, leaveErr := h.presence.Leave(ctx, room, c.id)
	if leaveErr != nil {
		h.logger.Error("presence leave", "room", room, "id", c.id, "err", leaveErr)
	}
	if h.usernames != nil {
		if err := h.usernames.RemovePeer(ctx, room, c.id); err != nil {
			h.logger.Error("username remove", "room", room, "id", c.id, "err", err)
		}
	}
	if h.media != nil {
		if err := h.media.RemovePeer(ctx, room, c.id); err != nil {
			h.logger.Error("media state remove", "room", room, "id", c.id, "err", err)
		}
	}

	h.logger.Info("ws: left", "id", c.id, "room", room, "remaining", len(remaining))
	h.deliverToMembers(room, remaining, protocol.OutboundMessage{
		Type:  protocol.TypeUserLeft,
		ID:    c.id,
		Peers: remaining,
	}, c.id)

	// A failed leave says nothing about who is left, so the room is not
	// treated as empty.
	if leaveErr == nil && len(remaining) == 0 && h.onRoomEmpty != nil {
		h.onRoomEmpty(room)
	}
}

// forwardSignal delivers data to `to` only when both ends are in the same
// room. Anything else is dropped without telling the sender.
func (h *Hub) forwardSignal(from *client, to, data string) {
	room := h.roomOf(from)
	if room == "" {
		h.logger.Debug("ws: signal from participant outside any room", "from", from.id)
		return
	}

	unlock := h.locks.lock(room)
	defer unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	target := h.clients[to]
	if target == nil || target.room != room || from.room != room {
		h.logger.Debug("ws: forward signal target missing", "from", from.id, "to", to, "room", room)
		return
	}
	h.deliverLocked(target, protocol.OutboundMessage{
		Type: protocol.TypeSignal,
		From: from.id,
		To:   to,
		Data: data,
	})
}

func (h *Hub) relayChat(from *client, text, username string) {
	room := h.roomOf(from)
	if room == "" {
		return
	}

	unlock := h.locks.lock(room)
	defer unlock()

	ctx, cancel := context.WithTimeout(from.ctx, storeTimeout)
	defer cancel()

	members, err := h.presence.Members(ctx, room)
	if err != nil {
		h.logger.Error("presence members", "room", room, "err", err)
		return
	}
	if strings.TrimSpace(username) == "" && h.usernames != nil {
		if names, err := h.usernames.Usernames(ctx, room); err == nil {
			username = names[from.id]
		}
	}

	h.deliverToMembers(room, members, protocol.OutboundMessage{
		Type:     protocol.TypeChatMessage,
		From:     from.id,
		Text:     text,
		Username: username,
	}, "")
}

func (h *Hub) updateMedia(c *client, state protocol.MediaState) {
	room := h.roomOf(c)
	if room == "" {
		return
	}

	unlock := h.locks.lock(room)
	defer unlock()

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	if err := h.media.SetMedia(ctx, room, c.id, state); err != nil {
		h.logger.Error("media state update", "room", room, "id", c.id, "err", err)
		return
	}
	members, err := h.presence.Members(ctx, room)
	if err != nil {
		h.logger.Error("presence members", "room", room, "err", err)
		return
	}
	h.deliverToMembers(room, members, protocol.OutboundMessage{
		Type:  protocol.TypeMediaState,
		ID:    c.id,
		Media: &state,
	}, c.id)
}

func (h *Hub) updateUsername(c *client, username string) {
	room := h.roomOf(c)
	if room == "" {
		return
	}

	unlock := h.locks.lock(room)
	defer unlock()

	ctx, cancel := context.WithTimeout(c.ctx, storeTimeout)
	defer cancel()

	if err := h.usernames.SetUsername(ctx, room, c.id, username); err != nil {
		h.logger.Error("username set", "room", room, "id", c.id, "err", err)
	}
	members, err := h.presence.Members(ctx, room)
	if err != nil {
		h.logger.Error("presence members", "room", room, "err", err)
		return
	}
	names, _ := h.roomState(ctx, room)
	h.deliverToMembers(room, members, protocol.OutboundMessage{
		Type:      protocol.TypeUsernames,
		ID:        c.id,
		Usernames: names,
	}, "")
}

func (h *Hub) roomState(ctx context.Context, room string) (map[string]string, map[string]protocol.MediaState) {
	var (
		names  map[string]string
		states map[string]protocol.MediaState
		err    error
	)
	if h.usernames != nil {
		names, err = h.usernames.Usernames(ctx, room)
		if err != nil {
			h.logger.Error("username state", "room", room, "err", err)
		}
	}
	if h.media != nil {
		states, err = h.media.States(ctx, room)
		if err != nil {
			h.logger.Error("media state", "room", room, "err", err)
		}
	}
	return names, states
}

// deliverToMembers sends msg to every listed member that is connected here
// and still in room. Callers hold the room lock.
func (h *Hub) deliverToMembers(room string, members []string, msg protocol.OutboundMessage, skipID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range members {
		if id == skipID {
			continue
		}
		cl := h.clients[id]
		if cl == nil || cl.room != room {
			continue
		}
		h.deliverLocked(cl, msg)
	}
}

func (h *Hub) sendError(c *client, text string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.id] != c {
		return
	}
	h.deliverLocked(c, protocol.OutboundMessage{Type: protocol.TypeError, Error: text})
}

// deliverLocked queues msg on c. Callers hold h.mu (read or write) so the send
// channel cannot be closed underneath them.
func (h *Hub) deliverLocked(c *client, msg protocol.OutboundMessage) {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal outbound", "type", msg.Type, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client send buffer full, dropping message", "id", c.id, "type", msg.Type)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.mu.Lock()
		close(c.send)
		h.mu.Unlock()
		c.cancel()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("read error", "id", c.id, "err", err)
			}
			return
		}

		var msg protocol.InboundMessage
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("bad payload", "id", c.id, "err", err)
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(frameType, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
