// Package telegram connects a Telegram bot to the channel manager. It runs
// its own long-polling loop and sends through the raw Bot API so forum
// topics are supported.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultPollTimeout  = 30
	DefaultRetryBackoff = 2 * time.Second
	maxRetryBackoff     = time.Minute
)

// Options configures connectors built by NewFactory.
type Options struct {
	// APIEndpoint and FileEndpoint default to the public Bot API.
	APIEndpoint  string
	FileEndpoint string
	HTTPClient   *http.Client
	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout  int
	RetryBackoff time.Duration
	Logger       zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.APIEndpoint == "" {
		o.APIEndpoint = tgbotapi.APIEndpoint
	}
	if o.FileEndpoint == "" {
		o.FileEndpoint = tgbotapi.FileEndpoint
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
}

// Connector is one Telegram bot connection.
type Connector struct {
	*channels.StatusTracker

	conn    channels.ChannelConnection
	token   string
	inbound channels.InboundHandler
	opts    Options
	logger  zerolog.Logger

	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	answers channels.InteractiveAnswerHandler
}

// NewFactory returns a channels.Factory for Telegram connections.
func NewFactory(opts Options) channels.Factory {
	return func(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler) (channels.Connector, error) {
		return New(conn, sink, inbound, opts)
	}
}

// New creates a disconnected connector.
func New(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler, opts Options) (*Connector, error) {
	if err := conn.Config.Validate(channels.ChannelTelegram); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	return &Connector{
		StatusTracker: channels.NewStatusTracker(conn.ID, sink),
		conn:          conn,
		token:         conn.Config.Telegram.BotToken,
		inbound:       inbound,
		opts:          opts,
		logger: opts.Logger.With().
			Str("component", "telegram").
			Str("connection_id", conn.ID).
			Logger(),
	}, nil
}

// ctxClient binds every Bot API request to the connection lifetime so a
// pending long poll ends on disconnect.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Connect authenticates the token and starts polling. It is a no-op while
// already connecting or connected.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.BeginConnect() {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	api, err := tgbotapi.NewBotAPIWithClient(c.token, c.opts.APIEndpoint, ctxClient{ctx: runCtx, client: c.opts.HTTPClient})
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		err = fmt.Errorf("failed to authenticate telegram bot: %w", err)
		c.SetStatus(channels.StatusError, err)
		return err
	}

	c.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	if err := registerCommands(api); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to register bot commands")
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.api = api
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.poll(runCtx, api, done)

	c.SetStatus(channels.StatusConnected, nil)
	return nil
}

// Disconnect stops polling and waits for the loop to exit.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.api, c.runCtx, c.cancel, c.done = nil, nil, nil, nil
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

// client returns a copy of the bot whose requests end with ctx or with the
// connection, whichever ends first. release must be called when done.
func (c *Connector) client(ctx context.Context) (api *tgbotapi.BotAPI, release func(), err error) {
	c.mu.Lock()
	shared, runCtx := c.api, c.runCtx
	c.mu.Unlock()
	if shared == nil {
		return nil, nil, channels.ErrNotConnected
	}

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancel)
	bound := *shared
	bound.Client = ctxClient{ctx: reqCtx, client: c.opts.HTTPClient}
	return &bound, func() {
		stop()
		cancel()
	}, nil
}

// poll runs getUpdates until ctx is done. A 409 means another process holds
// the long poll; the loop keeps retrying so it takes over once that process
// goes away.
func (c *Connector) poll(ctx context.Context, api *tgbotapi.BotAPI, done chan struct{}) {
	defer close(done)

	offset := 0
	delay := c.opts.RetryBackoff
	conflicted := false

	for ctx.Err() == nil {
		updates, raw, err := c.getUpdates(api, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
				if !conflicted {
					c.logger.Warn().Msg("Another instance owns polling for this bot; retrying")
					conflicted = true
				}
				if c.Status() != channels.StatusConnected {
					c.SetStatus(channels.StatusConnected, nil)
				}
			} else {
				c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Telegram poll failed")
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, maxRetryBackoff)
			continue
		}

		if conflicted {
			c.logger.Info().Msg("Polling ownership acquired")
			conflicted = false
		}
		delay = c.opts.RetryBackoff

		for i, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if update.CallbackQuery != nil {
				thread := gjson.GetBytes(raw, strconv.Itoa(i)+".callback_query.message.message_thread_id").Int()
				c.handleCallback(api, update.CallbackQuery, thread)
				continue
			}
			thread := gjson.GetBytes(raw, strconv.Itoa(i)+".message.message_thread_id").Int()
			c.handleUpdate(ctx, api, update, thread)
		}
	}
}

// getUpdates returns the decoded updates and the raw result, which carries
// fields tgbotapi does not model.
func (c *Connector) getUpdates(api *tgbotapi.BotAPI, offset int) ([]tgbotapi.Update, json.RawMessage, error) {
	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", c.opts.PollTimeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return nil, nil, err
	}

	resp, err := api.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, nil, err
	}
	var updates []tgbotapi.Update
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, resp.Result, nil
}

// SendTyping shows the typing indicator in a chat or topic.
func (c *Connector) SendTyping(ctx context.Context, peerID, threadID string) error {
	api, release, err := c.client(ctx)
	if err != nil {
		return err
	}
	defer release()
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", peerID, err)
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("action", tgbotapi.ChatTyping)
	params.AddNonZero("message_thread_id", atoi(threadID))
	if _, err := api.MakeRequest("sendChatAction", params); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
