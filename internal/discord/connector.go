// Package discord connects a Discord bot through the gateway. Reconnects
// are left to discordgo.
package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
)

// session is the part of *discordgo.Session the connector calls.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Options configures connectors built by NewFactory.
type Options struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Connector is one Discord bot connection.
type Connector struct {
	*channels.StatusTracker

	conn    channels.ChannelConnection
	guildID string
	inbound channels.InboundHandler
	opts    Options
	logger  zerolog.Logger

	raw     *discordgo.Session
	session session
	live    atomic.Bool

	mu        sync.RWMutex
	botUserID string
	answers   channels.InteractiveAnswerHandler
	parents   map[string]string

	// queue feeds gateway messages, in arrival order, to the worker that
	// resolves channels and downloads attachments.
	queueMu    sync.RWMutex
	queue      chan *discordgo.Message
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

const queueSize = 256

// NewFactory returns a channels.Factory for Discord connections.
func NewFactory(opts Options) channels.Factory {
	return func(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler) (channels.Connector, error) {
		return New(conn, sink, inbound, opts)
	}
}

// New creates a disconnected connector. Gateway handlers are attached here,
// once, so reconnects never add duplicates.
func New(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler, opts Options) (*Connector, error) {
	if err := conn.Config.Validate(channels.ChannelDiscord); err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Minute}
	}

	s, err := discordgo.New("Bot " + conn.Config.Discord.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	// Handlers run on the gateway goroutine so messages keep their order.
	s.SyncEvents = true

	c := newConnector(conn, sink, inbound, opts, s)
	c.raw = s
	s.AddHandler(c.onReady)
	s.AddHandler(c.onDisconnect)
	s.AddHandler(c.onResumed)
	s.AddHandler(c.onMessageCreate)
	s.AddHandler(c.onInteraction)
	return c, nil
}

func newConnector(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler, opts Options, s session) *Connector {
	return &Connector{
		StatusTracker: channels.NewStatusTracker(conn.ID, sink),
		conn:          conn,
		guildID:       conn.Config.Discord.GuildID,
		inbound:       inbound,
		opts:          opts,
		logger: opts.Logger.With().
			Str("component", "discord").
			Str("connection_id", conn.ID).
			Logger(),
		session: s,
		parents: make(map[string]string),
	}
}

// Connect opens the gateway.
func (c *Connector) Connect(_ context.Context) error {
	if !c.BeginConnect() {
		return nil
	}
	if err := c.session.Open(); err != nil {
		err = fmt.Errorf("failed to open discord gateway: %w", err)
		c.SetStatus(channels.StatusError, err)
		return err
	}
	if c.raw != nil && c.raw.State != nil && c.raw.State.User != nil {
		c.setBotUser(c.raw.State.User.ID)
	}

	c.startWorker()
	c.live.Store(true)
	c.logger.Info().Str("bot_user_id", c.selfID()).Msg("Discord gateway connected")
	c.SetStatus(channels.StatusConnected, nil)
	return nil
}

// Disconnect closes the gateway.
func (c *Connector) Disconnect(ctx context.Context) error {
	wasLive := c.live.Swap(false)
	if wasLive {
		if err := c.session.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close discord gateway")
		}
	}
	c.stopQueue(ctx)
	c.SetStatus(channels.StatusDisconnected, nil)
	return nil
}

func (c *Connector) startWorker() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queue != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan *discordgo.Message, queueSize)
	done := make(chan struct{})
	c.queue, c.stopWorker, c.workerDone = queue, cancel, done

	go func() {
		defer close(done)
		for m := range queue {
			c.handleMessage(ctx, m)
		}
	}()
}

// enqueue hands m to the worker. Messages arriving while disconnected are
// dropped.
func (c *Connector) enqueue(m *discordgo.Message) {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queue == nil {
		return
	}
	c.queue <- m
}

// stopQueue lets the worker finish what is queued, aborting downloads
// when ctx ends first.
func (c *Connector) stopQueue(ctx context.Context) {
	c.queueMu.Lock()
	queue, cancel, done := c.queue, c.stopWorker, c.workerDone
	c.queue, c.stopWorker, c.workerDone = nil, nil, nil
	c.queueMu.Unlock()
	if queue == nil {
		return
	}
	close(queue)
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
}

func (c *Connector) setBotUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botUserID = id
}

func (c *Connector) selfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botUserID
}

func (c *Connector) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		c.setBotUser(r.User.ID)
	}
	if c.live.Load() && c.Status() != channels.StatusConnected {
		c.SetStatus(channels.StatusConnected, nil)
	}
}

// onDisconnect reports the library's reconnect as connecting.
func (c *Connector) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if c.live.Load() {
		c.logger.Warn().Msg("Discord gateway dropped, reconnecting")
		c.SetStatus(channels.StatusConnecting, nil)
	}
}

func (c *Connector) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	if c.live.Load() {
		c.SetStatus(channels.StatusConnected, nil)
	}
}

func (c *Connector) ready() error {
	if !c.live.Load() {
		return channels.ErrNotConnected
	}
	return nil
}

// SendTyping triggers the typing indicator in the channel or thread.
func (c *Connector) SendTyping(ctx context.Context, peerID, threadID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.session.ChannelTyping(target(peerID, threadID), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send typing: %w", err)
	}
	return nil
}

// target is the channel a reply goes to: the thread when there is one.
func target(peerID, threadID string) string {
	if threadID != "" {
		return threadID
	}
	return peerID
}
