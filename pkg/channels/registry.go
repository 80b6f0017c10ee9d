package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a connector for one connection. The connector reports
// status through sink and delivers messages to inbound.
type Factory func(conn ChannelConnection, sink EventSink, inbound InboundHandler) (Connector, error)

// Registry stores connector factories by channel type and live connectors by
// connection id.
type Registry struct {
	mu        sync.RWMutex
	factories map[ChannelType]Factory
	live      map[string]Connector
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[ChannelType]Factory),
		live:      make(map[string]Connector),
	}
}

// RegisterFactory adds the factory for a channel type.
func (r *Registry) RegisterFactory(channelType ChannelType, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory is required")
	}
	if !channelType.Valid() {
		return fmt.Errorf("unsupported channel type %q", channelType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[channelType]; exists {
		return fmt.Errorf("channel %q already registered", channelType)
	}
	r.factories[channelType] = factory
	return nil
}

// Factory returns the factory for channelType.
func (r *Registry) Factory(channelType ChannelType) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[channelType]
	return f, ok
}

// ChannelTypes returns sorted channel types with a registered factory.
func (r *Registry) ChannelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for t := range r.factories {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// Get returns the live connector for a connection id.
func (r *Registry) Get(connectionID string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.live[strings.TrimSpace(connectionID)]
	return c, ok
}

// Put stores c as the live connector for connectionID, returning the one it replaced.
func (r *Registry) Put(connectionID string, c Connector) Connector {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.live[connectionID]
	r.live[connectionID] = c
	return prev
}

// Remove drops the live connector for connectionID. When expected is non-nil
// the entry is only removed if it still holds expected.
func (r *Registry) Remove(connectionID string, expected Connector) (Connector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live[connectionID]
	if !ok || (expected != nil && c != expected) {
		return nil, false
	}
	delete(r.live, connectionID)
	return c, true
}

// IsCurrent reports whether c is the live connector for connectionID.
func (r *Registry) IsCurrent(connectionID string, c Connector) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[connectionID] == c
}

// IDs returns sorted connection ids with a live connector.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DisconnectAll disconnects and removes every live connector, returning the
// first error.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	live := r.live
	r.live = make(map[string]Connector)
	r.mu.Unlock()

	var firstErr error
	for id, c := range live {
		if err := c.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to disconnect %q: %w", id, err)
		}
	}
	return firstErr
}
