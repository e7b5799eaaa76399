package protocol

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message types sent by clients.
const (
	TypeJoinCall    = "join-call"
	TypeLeaveCall   = "leave-call"
	TypeSignal      = "signal"
	TypeChatMessage = "chat-message"
	TypeMediaState  = "media-state"
	TypeSetUsername = "set-username"
)

// Message types sent by the relay. Signal, chat-message and media-state are
// shared with the client direction.
const (
	TypeWelcome    = "welcome"
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
	TypeUsernames  = "usernames"
	TypeError      = "error"
)

// MediaState advertises which kinds of media a participant is sending.
type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// InboundMessage is the payload clients send to the signaling service.
type InboundMessage struct {
	Type     string      `json:"type"`
	Room     string      `json:"room,omitempty"`
	To       string      `json:"to,omitempty"`
	Data     string      `json:"data,omitempty"`
	Text     string      `json:"text,omitempty"`
	Username string      `json:"username,omitempty"`
	Media    *MediaState `json:"media,omitempty"`
}

// OutboundMessage is everything the relay sends to clients. Which fields are
// set depends on Type.
type OutboundMessage struct {
	Type       string                `json:"type"`
	ID         string                `json:"id,omitempty"`
	From       string                `json:"from,omitempty"`
	To         string                `json:"to,omitempty"`
	Data       string                `json:"data,omitempty"`
	Text       string                `json:"text,omitempty"`
	Username   string                `json:"username,omitempty"`
	Peers      []string              `json:"peers,omitempty"`
	Usernames  map[string]string     `json:"usernames,omitempty"`
	Media      *MediaState           `json:"media,omitempty"`
	MediaState map[string]MediaState `json:"mediaState,omitempty"`
	ICEServers []ICEServer           `json:"iceServers,omitempty"`
	ICEMode    string                `json:"iceMode,omitempty"`
	Error      string                `json:"error,omitempty"`
}
