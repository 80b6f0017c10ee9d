package whatsapp

// Frames exchanged with the WhatsApp-Web bridge. Every frame is one JSON
// text message with a "type" discriminator.
const (
	frameConnect    = "connect"
	frameDisconnect = "disconnect"
	frameSend       = "send"
	framePresence   = "presence"
	frameRead       = "read"

	frameQR         = "qr"
	frameConnection = "connection"
	frameMessage    = "message"
	frameSent       = "sent"
	frameError      = "error"
)

// Connection states and close reasons reported by the bridge.
const (
	stateOpen       = "open"
	stateConnecting = "connecting"
	stateClose      = "close"

	reasonLoggedOut       = "loggedOut"
	reasonRestartRequired = "restartRequired"
)

// outFrame is written to the bridge.
type outFrame struct {
	Type      string `json:"type"`
	Session   string `json:"session,omitempty"`
	AuthDir   string `json:"authDir,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text,omitempty"`
	Media     *media `json:"media,omitempty"`
	Quoted    string `json:"quoted,omitempty"`
	State     string `json:"state,omitempty"`
	ID        string `json:"id,omitempty"`
}

// inFrame is read from the bridge. Fields are populated per type.
type inFrame struct {
	Type string `json:"type"`

	// qr
	QR string `json:"qr,omitempty"`

	// connection
	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	Me     string `json:"me,omitempty"`

	// message
	ID        string `json:"id,omitempty"`
	Chat      string `json:"chat,omitempty"`
	Sender    string `json:"sender,omitempty"`
	PushName  string `json:"pushName,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Media     *media `json:"media,omitempty"`

	// sent, error
	RequestID string `json:"requestId,omitempty"`
}

// media carries base64 payloads in both directions.
type media struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data"`
	Caption  string `json:"caption,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

// Media kinds.
const (
	kindImage    = "image"
	kindAudio    = "audio"
	kindDocument = "document"
)
