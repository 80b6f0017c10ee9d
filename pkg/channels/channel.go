package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies a chat platform.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
)

// Valid reports whether the channel type is one of the supported platforms.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelWhatsApp, ChannelTelegram, ChannelSlack, ChannelDiscord:
		return true
	default:
		return false
	}
}

// Status is the live state of a connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Active reports whether the status is connecting or connected.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Direction of a logged channel message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AttachmentType classifies an attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Attachment is a binary payload carried by an inbound or outbound message.
type Attachment struct {
	Type     AttachmentType
	Filename string
	MimeType string
	Data     []byte
}

// WhatsAppConfig configures a WhatsApp connection.
type WhatsAppConfig struct {
	// BridgeURL overrides the globally configured bridge endpoint.
	BridgeURL string `json:"bridge_url,omitempty" yaml:"bridge_url,omitempty"`
	// SelfChat processes messages the paired account sends to itself.
	SelfChat bool `json:"self_chat,omitempty" yaml:"self_chat,omitempty"`
}

// TelegramConfig configures a Telegram connection.
type TelegramConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
}

// SlackConfig configures a Slack socket-mode connection.
type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	AppToken string `json:"app_token" yaml:"app_token"`
}

// DiscordConfig configures a Discord bot connection.
type DiscordConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	GuildID  string `json:"guild_id,omitempty" yaml:"guild_id,omitempty"`
}

// ConnectionConfig holds protocol-specific options. Exactly the member matching
// the connection's channel type is expected to be set.
type ConnectionConfig struct {
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty" yaml:"whatsapp,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty"`
}

// Validate checks that the config carries credentials for channelType.
func (c ConnectionConfig) Validate(channelType ChannelType) error {
	switch channelType {
	case ChannelWhatsApp:
		// WhatsApp pairs by QR code; an empty config is valid.
		return nil
	case ChannelTelegram:
		if c.Telegram == nil || strings.TrimSpace(c.Telegram.BotToken) == "" {
			return fmt.Errorf("telegram bot token is required")
		}
	case ChannelSlack:
		if c.Slack == nil || strings.TrimSpace(c.Slack.BotToken) == "" {
			return fmt.Errorf("slack bot token is required")
		}
		if strings.TrimSpace(c.Slack.AppToken) == "" {
			return fmt.Errorf("slack app token is required for socket mode")
		}
	case ChannelDiscord:
		if c.Discord == nil || strings.TrimSpace(c.Discord.BotToken) == "" {
			return fmt.Errorf("discord bot token is required")
		}
	default:
		return fmt.Errorf("unsupported channel type %q", channelType)
	}
	return nil
}

// Secrets lists the credentials carried by the config.
func (c ConnectionConfig) Secrets() []string {
	var out []string
	if c.Telegram != nil {
		out = append(out, c.Telegram.BotToken)
	}
	if c.Slack != nil {
		out = append(out, c.Slack.BotToken, c.Slack.AppToken)
	}
	if c.Discord != nil {
		out = append(out, c.Discord.BotToken)
	}
	return out
}

// ChannelConnection is a persisted connection plus its live status.
type ChannelConnection struct {
	ID          string           `json:"id" yaml:"id"`
	UserID      string           `json:"user_id" yaml:"user_id"`
	CharacterID string           `json:"character_id" yaml:"character_id"`
	ChannelType ChannelType      `json:"channel_type" yaml:"channel_type"`
	Config      ConnectionConfig `json:"config" yaml:"config"`
	Status      Status           `json:"status" yaml:"-"`
	LastError   string           `json:"last_error,omitempty" yaml:"-"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"-"`
}

// InboundMessage is the normalized ingress payload from any connector.
type InboundMessage struct {
	ConnectionID string
	CharacterID  string
	ChannelType  ChannelType
	PeerID       string
	PeerName     string
	// ChatName names the conversation when it is not the sender, such as a
	// group title or a Slack channel.
	ChatName    string
	ThreadID    string
	MessageID   string
	Text        string
	Attachments []Attachment
	FromSelf    bool
	Timestamp   time.Time
}

// Key returns the conversation key of the message.
func (m InboundMessage) Key() ConversationKey {
	return ConversationKey{ConnectionID: m.ConnectionID, PeerID: m.PeerID, ThreadID: m.ThreadID}
}

// RootThread is the sentinel used in keys when a message has no thread.
const RootThread = "root"

// ConversationKey identifies one ordered stream of messages.
type ConversationKey struct {
	ConnectionID string
	PeerID       string
	ThreadID     string
}

// String renders the key as connectionId:peerId:threadId.
func (k ConversationKey) String() string {
	thread := k.ThreadID
	if thread == "" {
		thread = RootThread
	}
	return k.ConnectionID + ":" + k.PeerID + ":" + thread
}

// ChannelConversation binds a conversation key to one internal session.
type ChannelConversation struct {
	ID            string
	ConnectionID  string
	CharacterID   string
	ChannelType   ChannelType
	PeerID        string
	PeerName      string
	ThreadID      string
	SessionID     string
	LastMessageAt time.Time
}

// ChannelMessage is a logged inbound or outbound message used for dedup.
type ChannelMessage struct {
	ID             string
	ConnectionID   string
	ChannelType    ChannelType
	ExternalID     string
	Direction      Direction
	ConversationID string
	PeerID         string
	Text           string
	CreatedAt      time.Time
}

// SendPayload is the channel-agnostic outbound instruction.
type SendPayload struct {
	PeerID           string
	Text             string
	ThreadID         string
	Attachments      []Attachment
	ReplyToMessageID string
	ChunkIndex       int
	TotalChunks      int
}

// Attachment returns the first attachment, the only one connectors deliver.
func (p SendPayload) Attachment() *Attachment {
	if len(p.Attachments) == 0 {
		return nil
	}
	return &p.Attachments[0]
}

// SendResult is the platform's answer to a send. A payload the platform
// splits into several messages reports the first id in ExternalMessageID
// and the rest, in send order, in AdditionalMessageIDs.
type SendResult struct {
	ExternalMessageID    string
	AdditionalMessageIDs []string
	ChunkIndex           int
	TotalChunks          int
}

// AddMessageID records the id of one platform message produced by the send.
func (r *SendResult) AddMessageID(id string) {
	switch {
	case id == "":
	case r.ExternalMessageID == "":
		r.ExternalMessageID = id
	default:
		r.AdditionalMessageIDs = append(r.AdditionalMessageIDs, id)
	}
}

// MessageIDs returns every platform message id, first one first.
func (r *SendResult) MessageIDs() []string {
	if r == nil || r.ExternalMessageID == "" {
		return nil
	}
	return append([]string{r.ExternalMessageID}, r.AdditionalMessageIDs...)
}

// InteractiveQuestion is one normalized multiple-choice prompt.
type InteractiveQuestion struct {
	Prompt      string
	Header      string
	Options     []string
	MultiSelect bool
}

// InteractiveQuestionPayload asks one or more questions in a conversation.
type InteractiveQuestionPayload struct {
	PeerID    string
	ThreadID  string
	ToolUseID string
	Questions []InteractiveQuestion
}

// InteractiveAnswer is a native button selection reported by a connector.
type InteractiveAnswer struct {
	PeerID        string
	ThreadID      string
	ToolUseID     string
	QuestionIndex int
	OptionIndex   int
}

// InteractiveAnswerHandler receives native button selections.
type InteractiveAnswerHandler func(answer InteractiveAnswer)

// Connector owns one platform connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, payload SendPayload) (*SendResult, error)
	Status() Status
}

// TypingSender is implemented by connectors that can show a typing indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, peerID, threadID string) error
}

// ReadMarker is implemented by connectors that can send read receipts.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, peerID, messageID string) error
}

// QRProvider is implemented by connectors that pair with a scannable code.
type QRProvider interface {
	QRCode() string
}

// InteractiveSender is implemented by connectors with native button support.
type InteractiveSender interface {
	SendInteractiveQuestion(ctx context.Context, payload InteractiveQuestionPayload) error
	SetInteractiveAnswerHandler(handler InteractiveAnswerHandler)
}

// InboundHandler receives normalized messages from connectors.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg InboundMessage)

// HandleInbound calls f.
func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg InboundMessage) {
	f(ctx, msg)
}
