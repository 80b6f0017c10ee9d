// Package slack connects a Slack app over Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

const DefaultConnectTimeout = 30 * time.Second

// Options configures connectors built by NewFactory.
type Options struct {
	// APIURL overrides the Web API base, e.g. for tests. It must end in "/".
	APIURL         string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Connector is one Slack socket-mode connection.
type Connector struct {
	*channels.StatusTracker

	conn     channels.ChannelConnection
	botToken string
	appToken string
	inbound  channels.InboundHandler
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	api       *slackgo.Client
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
	live      atomic.Bool

	namesMu sync.Mutex
	names   map[string]string
	chats   map[string]string
	answers channels.InteractiveAnswerHandler
}

// NewFactory returns a channels.Factory for Slack connections.
func NewFactory(opts Options) channels.Factory {
	return func(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler) (channels.Connector, error) {
		return New(conn, sink, inbound, opts)
	}
}

// New creates a disconnected connector.
func New(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler, opts Options) (*Connector, error) {
	if err := conn.Config.Validate(channels.ChannelSlack); err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	return &Connector{
		StatusTracker: channels.NewStatusTracker(conn.ID, sink),
		conn:          conn,
		botToken:      conn.Config.Slack.BotToken,
		appToken:      conn.Config.Slack.AppToken,
		inbound:       inbound,
		opts:          opts,
		logger: opts.Logger.With().
			Str("component", "slack").
			Str("connection_id", conn.ID).
			Logger(),
		names: make(map[string]string),
		chats: make(map[string]string),
	}, nil
}

func (c *Connector) newClient() *slackgo.Client {
	options := []slackgo.Option{
		slackgo.OptionAppLevelToken(c.appToken),
		slackgo.OptionHTTPClient(c.opts.HTTPClient),
	}
	if c.opts.APIURL != "" {
		options = append(options, slackgo.OptionAPIURL(c.opts.APIURL))
	}
	return slackgo.New(c.botToken, options...)
}

// Connect authenticates, opens the socket and waits for the connected
// event.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.BeginConnect() {
		return nil
	}

	api := c.newClient()
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return c.failConnect(fmt.Errorf("slack auth failed: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sm := socketmode.New(api)
	ready := make(chan error, 1)
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := sm.RunContext(runCtx)
		if runCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("socket mode connection closed")
		}
		signal(err)
		if c.live.Load() {
			c.logger.Error().Err(err).Msg("Socket mode stopped")
			c.SetStatus(channels.StatusError, err)
		}
	}()
	go c.events(runCtx, sm, signal)

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case err = <-ready:
	case <-timer.C:
		err = fmt.Errorf("socket mode did not connect within %s", c.opts.ConnectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		<-done
		return c.failConnect(fmt.Errorf("slack socket mode: %w", err))
	}

	c.mu.Lock()
	c.api = api
	c.botUserID = auth.UserID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()
	c.live.Store(true)

	c.logger.Info().
		Str("bot_user_id", auth.UserID).
		Str("team", auth.Team).
		Msg("Slack socket mode connected")
	c.SetStatus(channels.StatusConnected, nil)
	return nil
}

func (c *Connector) failConnect(err error) error {
	c.SetStatus(channels.StatusError, err)
	return err
}

// Disconnect closes the socket and waits for it to stop.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.live.Store(false)
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.api, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.SetStatus(channels.StatusDisconnected, nil)
	return nil
}

func (c *Connector) client() (*slackgo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, channels.ErrNotConnected
	}
	return c.api, nil
}

// events acknowledges every socket-mode envelope and dispatches messages.
func (c *Connector) events(ctx context.Context, sm *socketmode.Client, signal func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sm.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				if c.live.Load() {
					c.SetStatus(channels.StatusConnecting, nil)
				}
			case socketmode.EventTypeConnected:
				signal(nil)
				if c.live.Load() && c.Status() != channels.StatusConnected {
					c.SetStatus(channels.StatusConnected, nil)
				}
			case socketmode.EventTypeConnectionError:
				c.logger.Warn().Interface("data", evt.Data).Msg("Socket mode connection error")
			case socketmode.EventTypeInvalidAuth:
				err := errors.New("invalid app token")
				signal(err)
				if c.live.Load() {
					c.SetStatus(channels.StatusError, err)
				}
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				c.handleEventsAPI(ctx, evt)
			case socketmode.EventTypeInteractive:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
				if cb, ok := evt.Data.(slackgo.InteractionCallback); ok {
					c.handleInteraction(cb)
				}
			default:
				if evt.Request != nil {
					sm.Ack(*evt.Request)
				}
			}
		}
	}
}
