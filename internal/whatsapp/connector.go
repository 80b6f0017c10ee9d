// Package whatsapp drives a WhatsApp-Web bridge process over a websocket.
// The bridge owns the WhatsApp socket; this package owns the session
// lifecycle, pairing and reconnect policy.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
)

const (
	DefaultBridgeURL    = "ws://localhost:3001"
	DefaultReadyTimeout = 30 * time.Second
	DefaultSendTimeout  = 60 * time.Second
	DefaultBaseBackoff  = 2 * time.Second
	DefaultMaxBackoff   = time.Minute
	DefaultMaxRestarts  = 5

	writeTimeout = 10 * time.Second
	dialTimeout  = 30 * time.Second
	inboxSize    = 256
)

var errStopped = errors.New("connector stopped")

// Options configures connectors built by NewFactory.
type Options struct {
	// BridgeURL is used when the connection does not override it.
	BridgeURL string
	// DataDir holds auth state under whatsapp/<connection id>.
	DataDir      string
	ReadyTimeout time.Duration
	SendTimeout  time.Duration
	// Restart-required reconnects back off from BaseBackoff, doubling up
	// to MaxBackoff, and give up after MaxRestarts cycles without an open.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRestarts int
	Dialer      *websocket.Dialer
	Logger      zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.BridgeURL == "" {
		o.BridgeURL = DefaultBridgeURL
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// cycle is one bridge websocket plus the session it carries. ready closes
// on "open"; done closes when the websocket is gone. inbox carries message
// frames, in arrival order, from readLoop to deliverLoop so handlers can send
// while readLoop keeps resolving acks.
type cycle struct {
	ws        *websocket.Conn
	ready     chan struct{}
	done      chan struct{}
	inbox     chan inFrame
	readyOnce sync.Once
	doneOnce  sync.Once
	closing   atomic.Bool

	mu      sync.Mutex
	pending map[string]chan inFrame
}

func newCycle(ws *websocket.Conn) *cycle {
	return &cycle{
		ws:      ws,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		inbox:   make(chan inFrame, inboxSize),
		pending: make(map[string]chan inFrame),
	}
}

func (cy *cycle) markReady() { cy.readyOnce.Do(func() { close(cy.ready) }) }

func (cy *cycle) end() {
	cy.doneOnce.Do(func() {
		_ = cy.ws.Close()
		close(cy.done)
	})
}

func (cy *cycle) register(id string) chan inFrame {
	ch := make(chan inFrame, 1)
	cy.mu.Lock()
	cy.pending[id] = ch
	cy.mu.Unlock()
	return ch
}

func (cy *cycle) unregister(id string) {
	cy.mu.Lock()
	delete(cy.pending, id)
	cy.mu.Unlock()
}

func (cy *cycle) resolve(f inFrame) bool {
	cy.mu.Lock()
	ch, ok := cy.pending[f.RequestID]
	cy.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// Connector is one WhatsApp session.
type Connector struct {
	*channels.StatusTracker

	conn      channels.ChannelConnection
	bridgeURL string
	authDir   string
	selfChat  bool
	inbound   channels.InboundHandler
	opts      Options
	logger    zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	cycle        *cycle
	changed      chan struct{}
	qr           string
	me           string
	stopped      bool
	reconnecting bool
	restarts     int
	timer        *time.Timer
}

// NewFactory returns a channels.Factory for WhatsApp connections.
func NewFactory(opts Options) channels.Factory {
	return func(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler) (channels.Connector, error) {
		return New(conn, sink, inbound, opts)
	}
}

// New creates a disconnected connector.
func New(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler, opts Options) (*Connector, error) {
	if err := conn.Config.Validate(channels.ChannelWhatsApp); err != nil {
		return nil, err
	}
	if opts.DataDir == "" {
		return nil, errors.New("whatsapp data dir is required")
	}
	opts.applyDefaults()

	c := &Connector{
		StatusTracker: channels.NewStatusTracker(conn.ID, sink),
		conn:          conn,
		bridgeURL:     opts.BridgeURL,
		authDir:       filepath.Join(opts.DataDir, "whatsapp", conn.ID),
		inbound:       inbound,
		opts:          opts,
		logger: opts.Logger.With().
			Str("component", "whatsapp").
			Str("connection_id", conn.ID).
			Logger(),
		changed: make(chan struct{}),
	}
	if wa := conn.Config.WhatsApp; wa != nil {
		if wa.BridgeURL != "" {
			c.bridgeURL = wa.BridgeURL
		}
		c.selfChat = wa.SelfChat
	}
	return c, nil
}

// AuthDir is where the bridge keeps this session's credentials.
func (c *Connector) AuthDir() string {
	return c.authDir
}

// QRCode returns the latest pairing code, or "" once paired.
func (c *Connector) QRCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr
}

// Connect dials the bridge and starts the session. It returns once the
// session is requested; the status becomes connected when the bridge
// reports the socket open, possibly after a QR pairing.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.BeginConnect() {
		return nil
	}
	c.mu.Lock()
	c.stopped = false
	c.restarts = 0
	c.mu.Unlock()

	if err := c.startCycle(ctx); err != nil {
		c.SetStatus(channels.StatusError, err)
		return err
	}
	return nil
}

func (c *Connector) startCycle(ctx context.Context) error {
	if err := os.MkdirAll(c.authDir, 0o700); err != nil {
		return fmt.Errorf("failed to create auth dir: %w", err)
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial whatsapp bridge: %w", err)
	}
	cy := newCycle(ws)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cy.end()
		return errStopped
	}
	c.cycle = cy
	c.reconnecting = false
	c.timer = nil
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(cy)
	go c.deliverLoop(cy)

	if err := c.write(cy, outFrame{Type: frameConnect, Session: c.conn.ID, AuthDir: c.authDir}); err != nil {
		cy.closing.Store(true)
		cy.end()
		return fmt.Errorf("failed to start whatsapp session: %w", err)
	}
	c.logger.Info().Str("bridge_url", c.bridgeURL).Msg("WhatsApp session requested")
	return nil
}

// Disconnect ends the session without logging out.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	c.reconnecting = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	cy := c.cycle
	c.cycle = nil
	c.qr = ""
	c.mu.Unlock()

	if cy != nil {
		cy.closing.Store(true)
		if err := c.write(cy, outFrame{Type: frameDisconnect, Session: c.conn.ID}); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to notify bridge of disconnect")
		}
		cy.end()
		select {
		case <-cy.done:
		case <-ctx.Done():
		}
	}
	c.SetStatus(channels.StatusDisconnected, nil)
	return nil
}

func (c *Connector) write(cy *cycle, frame outFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = cy.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cy.ws.WriteJSON(frame)
}

func (c *Connector) current(cy *cycle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle == cy
}

func (c *Connector) readLoop(cy *cycle) {
	defer close(cy.inbox)
	defer cy.end()
	for {
		_, raw, err := cy.ws.ReadMessage()
		if err != nil {
			if !cy.closing.Load() && c.current(cy) {
				c.logger.Warn().Err(err).Msg("WhatsApp bridge connection lost")
				c.SetStatus(channels.StatusError, fmt.Errorf("bridge connection lost: %w", err))
			}
			return
		}
		var f inFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed bridge frame")
			continue
		}
		c.handleFrame(cy, f)
	}
}

// deliverLoop hands message frames to the inbound handler one at a time.
func (c *Connector) deliverLoop(cy *cycle) {
	for f := range cy.inbox {
		c.handleMessage(context.Background(), f)
	}
}

func (c *Connector) handleFrame(cy *cycle, f inFrame) {
	switch f.Type {
	case frameQR:
		c.mu.Lock()
		c.qr = f.QR
		c.mu.Unlock()
		c.logger.Info().Msg("WhatsApp pairing code updated")
		c.EmitQR(f.QR)
	case frameConnection:
		c.handleConnection(cy, f)
	case frameMessage:
		cy.inbox <- f
	case frameSent, frameError:
		if f.RequestID != "" && cy.resolve(f) {
			return
		}
		if f.Type == frameError {
			c.logger.Error().Str("error", f.Error).Msg("WhatsApp bridge error")
		}
	default:
		c.logger.Debug().Str("type", f.Type).Msg("Ignoring bridge frame")
	}
}

func (c *Connector) handleConnection(cy *cycle, f inFrame) {
	switch f.State {
	case stateOpen:
		c.mu.Lock()
		c.me = f.Me
		c.qr = ""
		c.restarts = 0
		c.mu.Unlock()
		cy.markReady()
		c.logger.Info().Str("me", f.Me).Msg("WhatsApp connected")
		c.SetStatus(channels.StatusConnected, nil)
	case stateConnecting:
		if c.Status() != channels.StatusConnecting {
			c.SetStatus(channels.StatusConnecting, nil)
		}
	case stateClose:
		cy.closing.Store(true)
		cy.end()
		c.handleClose(f)
	}
}

func (c *Connector) handleClose(f inFrame) {
	switch f.Reason {
	case reasonLoggedOut:
		c.mu.Lock()
		c.qr = ""
		c.me = ""
		c.mu.Unlock()
		if err := os.RemoveAll(c.authDir); err != nil {
			c.logger.Error().Err(err).Msg("Failed to wipe auth state")
		}
		c.logger.Warn().Msg("WhatsApp logged out, pairing required")
		c.SetStatus(channels.StatusDisconnected, nil)
	case reasonRestartRequired:
		c.scheduleReconnect()
	default:
		msg := f.Error
		if msg == "" {
			msg = "connection closed"
			if f.Reason != "" {
				msg += ": " + f.Reason
			}
		}
		c.logger.Error().Str("reason", f.Reason).Str("error", f.Error).Msg("WhatsApp connection closed")
		c.SetStatus(channels.StatusError, errors.New(msg))
	}
}

// scheduleReconnect arms a single delayed reconnect. Calls while one is
// pending are ignored.
func (c *Connector) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.restarts++
	attempt := c.restarts
	if attempt > c.opts.MaxRestarts {
		c.mu.Unlock()
		c.logger.Error().Int("attempts", attempt-1).Msg("WhatsApp restart loop, giving up")
		c.SetStatus(channels.StatusError, fmt.Errorf("gave up after %d restart cycles", attempt-1))
		return
	}
	c.reconnecting = true
	delay := c.backoff(attempt)
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("WhatsApp restart required, reconnecting")
	c.SetStatus(channels.StatusConnecting, nil)
}

func (c *Connector) backoff(attempt int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return d
}

func (c *Connector) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	err := c.startCycle(ctx)
	if err == nil || errors.Is(err, errStopped) {
		return
	}

	c.mu.Lock()
	c.reconnecting = false
	c.timer = nil
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("WhatsApp reconnect failed")
	c.scheduleReconnect()
}

// waitReady blocks until the current cycle is open. A reconnect replaces
// the cycle, so waiters follow it until the timeout.
func (c *Connector) waitReady(ctx context.Context) (*cycle, error) {
	timer := time.NewTimer(c.opts.ReadyTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		cy, changed, stopped, reconnecting := c.cycle, c.changed, c.stopped, c.reconnecting
		c.mu.Unlock()
		if stopped || cy == nil {
			return nil, channels.ErrNotConnected
		}

		select {
		case <-cy.done:
			status := c.Status()
			if !reconnecting && !status.Active() {
				return nil, channels.ErrNotConnected
			}
			select {
			case <-changed:
				continue
			case <-timer.C:
				return nil, fmt.Errorf("%w: not ready after %s", channels.ErrNotConnected, c.opts.ReadyTimeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
		}

		select {
		case <-cy.ready:
			return cy, nil
		case <-cy.done:
		case <-changed:
		case <-timer.C:
			return nil, fmt.Errorf("%w: not ready after %s", channels.ErrNotConnected, c.opts.ReadyTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// live returns the open cycle without waiting.
func (c *Connector) live() (*cycle, error) {
	c.mu.Lock()
	cy := c.cycle
	c.mu.Unlock()
	if cy == nil {
		return nil, channels.ErrNotConnected
	}
	select {
	case <-cy.done:
		return nil, channels.ErrNotConnected
	default:
	}
	select {
	case <-cy.ready:
		return cy, nil
	default:
		return nil, channels.ErrNotConnected
	}
}
