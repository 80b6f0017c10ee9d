// Package inbound processes messages arriving from channel connectors:
// dedup, commands, session binding, agent dispatch and reply delivery.
package inbound

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/agentapi"
	"github.com/harun/relay/pkg/attachments"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/commandqueue"
	"github.com/harun/relay/pkg/interactive"
	"github.com/harun/relay/pkg/outbound"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/tasks"
	"github.com/harun/relay/pkg/transcription"
	"github.com/rs/zerolog"
)

const DefaultTypingInterval = 4 * time.Second

// DefaultQuestionTools are the tool names treated as interactive questions.
var DefaultQuestionTools = []string{"ask_user_question", "AskUserQuestion"}

// ConversationStore binds channel conversations to sessions.
type ConversationStore interface {
	FindConversation(ctx context.Context, key channels.ConversationKey) (*channels.ChannelConversation, error)
	CreateConversation(ctx context.Context, conv channels.ChannelConversation) (*channels.ChannelConversation, error)
	UpdateConversation(ctx context.Context, conv channels.ChannelConversation) error
}

// MessageStore records platform message ids for dedup.
type MessageStore interface {
	FindMessage(ctx context.Context, connectionID string, channelType channels.ChannelType, externalID string, direction channels.Direction) (*channels.ChannelMessage, error)
	CreateMessage(ctx context.Context, msg channels.ChannelMessage) (bool, error)
}

// SessionStore is the subset of session.Store the pipeline uses.
type SessionStore interface {
	CreateSession(ctx context.Context, characterID string, metadata map[string]interface{}) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	MergeSessionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error
	AppendMessage(ctx context.Context, msg session.Message) (*session.Message, error)
	GetMessages(ctx context.Context, sessionID string) ([]session.Message, error)
}

// FileStorage persists inbound media.
type FileStorage interface {
	SaveFile(data []byte, sessionID, filename, kind string) (*attachments.Saved, error)
}

// Transcriber converts voice notes to text.
type Transcriber interface {
	IsAvailable() bool
	Transcribe(ctx context.Context, data []byte, mimeType, filename string) (*transcription.Result, error)
}

// TaskRegistry tracks and aborts agent turns.
type TaskRegistry interface {
	Register(ctx context.Context, params tasks.Params) (context.Context, *tasks.Record, error)
	UpdateStatus(runID string, status tasks.Status, data map[string]interface{}) error
	List(filter tasks.Filter) []tasks.Record
	AbortSession(sessionID, reason string) int
}

// AgentClient is the downstream agent API.
type AgentClient interface {
	Chat(ctx context.Context, req agentapi.ChatRequest, onEvent agentapi.EventHandler) (*agentapi.Response, error)
	Answer(ctx context.Context, req agentapi.AnswerRequest) error
	Compact(ctx context.Context, req agentapi.CompactRequest) error
}

// Channels sends on connections. *channels.Manager satisfies it.
type Channels interface {
	SendMessage(ctx context.Context, connectionID string, payload channels.SendPayload) (*channels.SendResult, error)
	SendTyping(ctx context.Context, connectionID, peerID, threadID string) error
	MarkAsRead(ctx context.Context, connectionID, peerID, messageID string) error
}

// QuestionBridge asks interactive questions. *interactive.Bridge satisfies it.
type QuestionBridge interface {
	Ask(ctx context.Context, req interactive.Request) (map[string]string, error)
	HandleReply(key channels.ConversationKey, text string) bool
}

// Options configures a Pipeline.
type Options struct {
	Conversations ConversationStore
	Messages      MessageStore
	Sessions      SessionStore
	Storage       FileStorage
	Transcriber   Transcriber
	Tasks         TaskRegistry
	Agent         AgentClient
	Channels      Channels
	Bridge        QuestionBridge
	Resolver      *outbound.Resolver
	Queue         *commandqueue.Queue
	Logger        zerolog.Logger

	TypingInterval time.Duration
	// SilentNewChannels lists channel types where /new sends no reply. Nil
	// means WhatsApp only.
	SilentNewChannels []channels.ChannelType
	QuestionTools     []string
}

// Pipeline is the inbound message processor. It implements
// channels.InboundHandler.
type Pipeline struct {
	conversations ConversationStore
	messages      MessageStore
	sessions      SessionStore
	storage       FileStorage
	transcriber   Transcriber
	tasks         TaskRegistry
	agent         AgentClient
	channels      Channels
	bridge        QuestionBridge
	deliverer     *outbound.Deliverer
	queue         *commandqueue.Queue
	logger        zerolog.Logger

	typingInterval time.Duration
	silentNew      map[channels.ChannelType]bool
	questionTools  map[string]bool
	now            func() time.Time
}

// New creates a Pipeline. Conversations, Messages, Sessions, Tasks, Agent
// and Channels are required.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Conversations == nil:
		return nil, errors.New("conversation store is required")
	case opts.Messages == nil:
		return nil, errors.New("message store is required")
	case opts.Sessions == nil:
		return nil, errors.New("session store is required")
	case opts.Tasks == nil:
		return nil, errors.New("task registry is required")
	case opts.Agent == nil:
		return nil, errors.New("agent client is required")
	case opts.Channels == nil:
		return nil, errors.New("channels are required")
	}

	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.SilentNewChannels == nil {
		opts.SilentNewChannels = []channels.ChannelType{channels.ChannelWhatsApp}
	}
	if len(opts.QuestionTools) == 0 {
		opts.QuestionTools = DefaultQuestionTools
	}
	if opts.Queue == nil {
		opts.Queue = commandqueue.New(commandqueue.Options{Name: "inbound"})
	}

	p := &Pipeline{
		conversations:  opts.Conversations,
		messages:       opts.Messages,
		sessions:       opts.Sessions,
		storage:        opts.Storage,
		transcriber:    opts.Transcriber,
		tasks:          opts.Tasks,
		agent:          opts.Agent,
		channels:       opts.Channels,
		bridge:         opts.Bridge,
		queue:          opts.Queue,
		logger:         opts.Logger.With().Str("component", "inbound").Logger(),
		typingInterval: opts.TypingInterval,
		silentNew:      make(map[channels.ChannelType]bool),
		questionTools:  make(map[string]bool),
		now:            time.Now,
	}
	p.deliverer = outbound.NewDeliverer(opts.Channels, opts.Resolver, opts.Logger)
	for _, t := range opts.SilentNewChannels {
		p.silentNew[t] = true
	}
	for _, name := range opts.QuestionTools {
		p.questionTools[name] = true
	}
	return p, nil
}

// Queue returns the per-conversation queue.
func (p *Pipeline) Queue() *commandqueue.Queue {
	return p.queue
}

// HandleInbound implements channels.InboundHandler. It returns once the
// message is dropped, handled out of band, or queued.
func (p *Pipeline) HandleInbound(ctx context.Context, msg channels.InboundMessage) {
	if _, err := p.Handle(ctx, msg); err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Error().
			Err(err).
			Str("connection_id", msg.ConnectionID).
			Msg("Failed to handle inbound message")
	}
}

// Handle runs the pre-queue steps and queues the message. The returned
// channel receives the result of the queued processing; it is nil when the
// message was dropped or handled out of band.
func (p *Pipeline) Handle(ctx context.Context, msg channels.InboundMessage) (<-chan error, error) {
	key := msg.Key()
	ctx = tracing.NewInboundContext(ctx, msg.ConnectionID, key.String())
	logger := tracing.LoggerFromContext(ctx, p.logger)
	channel := string(msg.ChannelType)

	if msg.FromSelf && msg.MessageID != "" {
		echo, err := p.messages.FindMessage(ctx, msg.ConnectionID, msg.ChannelType, msg.MessageID, channels.DirectionOutbound)
		if err != nil {
			logger.Warn().Err(err).Msg("Self-echo lookup failed")
		} else if echo != nil {
			observability.RecordInbound(channel, "self_echo")
			logger.Debug().Str("message_id", msg.MessageID).Msg("Dropping echo of our own message")
			return nil, nil
		}
	}

	claimed, claimErr := p.claim(ctx, msg)
	if claimErr == nil && !claimed {
		observability.RecordInbound(channel, "duplicate")
		logger.Debug().Str("message_id", msg.MessageID).Msg("Dropping redelivered message")
		return nil, nil
	}

	text := strings.TrimSpace(msg.Text)
	if isStop(text) {
		observability.RecordInbound(channel, "stop")
		p.handleStop(ctx, msg)
		return nil, nil
	}

	// The turn that raised the question occupies the queue, so its answer
	// cannot wait behind it.
	if p.bridge != nil && text != "" && p.bridge.HandleReply(key, text) {
		observability.RecordInbound(channel, "interactive_reply")
		return nil, nil
	}

	task := func(taskCtx context.Context) error {
		return p.process(taskCtx, msg)
	}
	queueCtx := tracing.Detach(ctx)

	if claimErr != nil {
		logger.Warn().Err(claimErr).Msg("Message claim failed, falling back to in-memory dedup")
		dedupID := msg.ConnectionID + "|" + channel + "|" + msg.MessageID
		done := make(chan error, 1)
		accepted, err := p.queue.SubmitOnce(queueCtx, key.String(), dedupID, func(taskCtx context.Context) (err error) {
			defer func() { done <- err }()
			return task(taskCtx)
		})
		if err != nil {
			return nil, err
		}
		if !accepted {
			observability.RecordInbound(channel, "duplicate")
			return nil, nil
		}
		observability.RecordInbound(channel, "queued")
		return done, nil
	}

	done, err := p.queue.Submit(queueCtx, key.String(), task)
	if err != nil {
		return nil, err
	}
	observability.RecordInbound(channel, "queued")
	return done, nil
}

// claim records the inbound message id. Messages without an id cannot be
// deduplicated and are always claimed.
func (p *Pipeline) claim(ctx context.Context, msg channels.InboundMessage) (bool, error) {
	if msg.MessageID == "" {
		return true, nil
	}
	return p.messages.CreateMessage(ctx, channels.ChannelMessage{
		ConnectionID: msg.ConnectionID,
		ChannelType:  msg.ChannelType,
		ExternalID:   msg.MessageID,
		Direction:    channels.DirectionInbound,
		PeerID:       msg.PeerID,
		Text:         msg.Text,
	})
}

// Close stops accepting messages.
func (p *Pipeline) Close() error {
	return p.queue.Close()
}
