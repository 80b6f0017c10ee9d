package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownConnection is returned for a connection id the store does not know.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotConnected is returned when no live connector is available.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrUnsupported is returned when a connector lacks a capability.
	ErrUnsupported = errors.New("operation not supported by channel")
)

// ConnectionStore persists connections and their status.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*ChannelConnection, error)
	ListConnections(ctx context.Context, userID string) ([]ChannelConnection, error)
	UpdateConnectionStatus(ctx context.Context, id string, status Status, lastError string) error
}

// MessageLog records sent messages so their echoes can be recognized.
type MessageLog interface {
	CreateMessage(ctx context.Context, msg ChannelMessage) (bool, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store    ConnectionStore
	Messages MessageLog
	Registry *Registry
	Inbound  InboundHandler
	Logger   zerolog.Logger
	// StatusTimeout bounds status persistence from connector callbacks.
	StatusTimeout time.Duration
}

// Manager owns the live connectors for all configured connections.
type Manager struct {
	store         ConnectionStore
	messages      MessageLog
	registry      *Registry
	inbound       InboundHandler
	logger        zerolog.Logger
	statusTimeout time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	qr        map[string]string
	meta      map[string]ChannelConnection
	answers   func(connectionID string, answer InteractiveAnswer)
	listeners []EventSink
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	observability.EnsureRegistered()

	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 5 * time.Second
	}
	return &Manager{
		store:         opts.Store,
		messages:      opts.Messages,
		registry:      opts.Registry,
		inbound:       opts.Inbound,
		logger:        opts.Logger.With().Str("component", "channel-manager").Logger(),
		statusTimeout: opts.StatusTimeout,
		qr:            make(map[string]string),
		meta:          make(map[string]ChannelConnection),
	}
}

// SetInboundHandler sets the handler given to connectors created afterwards.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = h
}

// SetInteractiveAnswerHandler routes native button answers from every connector.
func (m *Manager) SetInteractiveAnswerHandler(h func(connectionID string, answer InteractiveAnswer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = h
}

// Subscribe adds an observer for every connector event.
func (m *Manager) Subscribe(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, sink)
}

// Registry exposes the connector registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect establishes the connection with id. Concurrent calls for the same
// id share one attempt.
func (m *Manager) Connect(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("connection id is required")
	}

	ch := m.group.DoChan(id, func() (interface{}, error) {
		return nil, m.connect(tracing.Detach(ctx), id)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.channels", "channels.connect", attribute.String("connection_id", id))
	defer func() { tracing.EndSpan(span, err) }()

	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	logger := m.logger.With().Str("connection_id", id).Str("channel", string(conn.ChannelType)).Logger()

	if existing, ok := m.registry.Get(id); ok {
		if existing.Status() == StatusConnected {
			return nil
		}
		logger.Debug().Str("status", string(existing.Status())).Msg("Replacing stale connector")
		m.registry.Remove(id, existing)
		if derr := existing.Disconnect(ctx); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to disconnect stale connector")
		}
	}

	if err := conn.Config.Validate(conn.ChannelType); err != nil {
		m.persistStatus(id, StatusError, err.Error())
		return fmt.Errorf("invalid config for connection %q: %w", id, err)
	}

	factory, ok := m.registry.Factory(conn.ChannelType)
	if !ok {
		err := fmt.Errorf("%w: no connector for %q", ErrUnsupported, conn.ChannelType)
		m.persistStatus(id, StatusError, err.Error())
		return err
	}

	m.mu.Lock()
	m.meta[id] = *conn
	inbound := m.inbound
	m.mu.Unlock()

	sink := &connectorSink{manager: m, id: id}
	c, err := factory(*conn, sink, inbound)
	if err != nil {
		m.persistStatus(id, StatusError, err.Error())
		return fmt.Errorf("failed to create connector %q: %w", id, err)
	}
	sink.connector = c

	if is, ok := c.(InteractiveSender); ok {
		is.SetInteractiveAnswerHandler(func(answer InteractiveAnswer) {
			m.mu.RLock()
			h := m.answers
			m.mu.RUnlock()
			if h != nil {
				h(id, answer)
			}
		})
	}

	m.registry.Put(id, c)
	logger.Info().Msg("Connecting")

	if err := c.Connect(ctx); err != nil {
		m.registry.Remove(id, c)
		_ = c.Disconnect(ctx)
		m.persistStatus(id, StatusError, err.Error())
		m.refreshGauge()
		observability.RecordConnectionAudit(ctx, "connect", id, err, nil)
		logger.Error().Err(err).Msg("Connect failed")
		return fmt.Errorf("failed to connect %q: %w", id, err)
	}

	m.refreshGauge()
	observability.RecordConnectionAudit(ctx, "connect", id, nil, map[string]interface{}{"channel": string(conn.ChannelType)})
	return nil
}

// Disconnect tears down the live connector, if any, and records disconnected.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	c, ok := m.registry.Remove(id, nil)
	var err error
	if ok {
		err = c.Disconnect(ctx)
	}

	m.mu.Lock()
	delete(m.qr, id)
	m.mu.Unlock()

	m.persistStatus(id, StatusDisconnected, "")
	m.refreshGauge()
	observability.RecordConnectionAudit(ctx, "disconnect", id, err, nil)
	if err != nil {
		return fmt.Errorf("failed to disconnect %q: %w", id, err)
	}
	return nil
}

// Reconnect disconnects then connects id.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	if err := m.Disconnect(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("connection_id", id).Msg("Disconnect before reconnect failed")
	}
	return m.Connect(ctx, id)
}

// Bootstrap connects every connection of userID in parallel. Individual
// failures are logged and do not stop the others.
func (m *Manager) Bootstrap(ctx context.Context, userID string) error {
	conns, err := m.store.ListConnections(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	var g errgroup.Group
	for _, conn := range conns {
		id := conn.ID
		g.Go(func() error {
			if err := m.Connect(ctx, id); err != nil {
				m.logger.Error().Err(err).Str("connection_id", id).Msg("Bootstrap connect failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().Int("connections", len(conns)).Msg("Bootstrap completed")
	return nil
}

// Shutdown disconnects all live connectors concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.registry.IDs() {
		id := id
		g.Go(func() error {
			return m.Disconnect(ctx, id)
		})
	}
	return g.Wait()
}

// live returns the connector for id, connecting it if none is registered.
func (m *Manager) live(ctx context.Context, id string) (Connector, error) {
	if c, ok := m.registry.Get(id); ok {
		return c, nil
	}
	if err := m.Connect(ctx, id); err != nil {
		return nil, err
	}
	if c, ok := m.registry.Get(id); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
}

// ChannelType returns the channel type of a known connection.
func (m *Manager) ChannelType(id string) ChannelType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[id].ChannelType
}

// SendMessage delivers payload on connection id and logs the outbound message.
func (m *Manager) SendMessage(ctx context.Context, id string, payload SendPayload) (*SendResult, error) {
	c, err := m.live(ctx, id)
	if err != nil {
		return nil, err
	}

	channelType := m.ChannelType(id)
	res, err := c.SendMessage(ctx, payload)
	observability.RecordOutboundSend(string(channelType), err == nil)
	if err != nil {
		return nil, fmt.Errorf("send on %q failed: %w", id, err)
	}

	if m.messages == nil {
		return res, nil
	}
	// Every platform message is logged so self-chat echoes of any of them
	// are recognized as ours.
	for _, ext := range res.MessageIDs() {
		_, lerr := m.messages.CreateMessage(ctx, ChannelMessage{
			ConnectionID: id,
			ChannelType:  channelType,
			ExternalID:   ext,
			Direction:    DirectionOutbound,
			PeerID:       payload.PeerID,
			Text:         payload.Text,
		})
		if lerr != nil {
			m.logger.Warn().Err(lerr).Str("connection_id", id).Str("external_id", ext).Msg("Failed to log outbound message")
		}
	}
	return res, nil
}

// SendTyping shows a typing indicator when the connector supports it.
func (m *Manager) SendTyping(ctx context.Context, id, peerID, threadID string) error {
	c, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	if ts, ok := c.(TypingSender); ok {
		return ts.SendTyping(ctx, peerID, threadID)
	}
	return nil
}

// MarkAsRead sends a read receipt when the connector supports it.
func (m *Manager) MarkAsRead(ctx context.Context, id, peerID, messageID string) error {
	c, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	if rm, ok := c.(ReadMarker); ok {
		return rm.MarkAsRead(ctx, peerID, messageID)
	}
	return nil
}

// SupportsInteractive reports whether the live connector renders native questions.
func (m *Manager) SupportsInteractive(id string) bool {
	c, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	_, ok = c.(InteractiveSender)
	return ok
}

// SendInteractiveQuestion renders a native question on connection id.
func (m *Manager) SendInteractiveQuestion(ctx context.Context, id string, payload InteractiveQuestionPayload) error {
	c, err := m.live(ctx, id)
	if err != nil {
		return err
	}
	is, ok := c.(InteractiveSender)
	if !ok {
		return fmt.Errorf("%w: interactive questions on %q", ErrUnsupported, id)
	}
	return is.SendInteractiveQuestion(ctx, payload)
}

// QRCode returns the latest pairing code for id, or "".
func (m *Manager) QRCode(id string) string {
	m.mu.RLock()
	code := m.qr[id]
	m.mu.RUnlock()
	if code != "" {
		return code
	}
	if c, ok := m.registry.Get(id); ok {
		if qp, ok := c.(QRProvider); ok {
			return qp.QRCode()
		}
	}
	return ""
}

// Status returns the live status for id, falling back to the stored one.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	if c, ok := m.registry.Get(id); ok {
		return c.Status(), nil
	}
	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return "", err
	}
	return conn.Status, nil
}

// Connections lists userID's connections with live statuses overlaid.
func (m *Manager) Connections(ctx context.Context, userID string) ([]ChannelConnection, error) {
	conns, err := m.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		if c, ok := m.registry.Get(conns[i].ID); ok {
			conns[i].Status = c.Status()
		}
	}
	return conns, nil
}

func (m *Manager) persistStatus(id string, status Status, lastError string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.statusTimeout)
	defer cancel()
	if err := m.store.UpdateConnectionStatus(ctx, id, status, lastError); err != nil {
		m.logger.Warn().Err(err).Str("connection_id", id).Str("status", string(status)).Msg("Failed to persist connection status")
	}
}

func (m *Manager) refreshGauge() {
	counts := map[string]map[string]int{}
	for _, id := range m.registry.IDs() {
		c, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		channel := string(m.ChannelType(id))
		if counts[channel] == nil {
			counts[channel] = map[string]int{}
		}
		counts[channel][string(c.Status())]++
	}
	observability.SetConnections(counts)
}

// handleEvent applies a connector event. Events from connectors that have
// been replaced are dropped.
func (m *Manager) handleEvent(c Connector, event Event) {
	if c != nil && !m.registry.IsCurrent(event.ConnectionID, c) {
		return
	}

	switch event.Type {
	case EventQR:
		m.mu.Lock()
		m.qr[event.ConnectionID] = event.QR
		m.mu.Unlock()
		m.logger.Info().Str("connection_id", event.ConnectionID).Msg("Pairing code updated")
	case EventStatus:
		if event.Status == StatusConnected || event.Status == StatusDisconnected {
			m.mu.Lock()
			delete(m.qr, event.ConnectionID)
			m.mu.Unlock()
		}
		lastError := ""
		if event.Err != nil {
			lastError = event.Err.Error()
		}
		m.persistStatus(event.ConnectionID, event.Status, lastError)
		m.refreshGauge()
		m.logger.Debug().
			Str("connection_id", event.ConnectionID).
			Str("status", string(event.Status)).
			Str("error", lastError).
			Msg("Connection status changed")
	}

	m.mu.RLock()
	listeners := append([]EventSink(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l.Emit(event)
	}
}

// connectorSink binds events to the connector that produced them.
type connectorSink struct {
	manager   *Manager
	id        string
	connector Connector
}

func (s *connectorSink) Emit(event Event) {
	if event.ConnectionID == "" {
		event.ConnectionID = s.id
	}
	s.manager.handleEvent(s.connector, event)
}
