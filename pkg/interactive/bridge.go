package interactive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long a question waits for an answer before it is purged.
const DefaultTTL = 5 * time.Minute

// ErrNoQuestions is returned when Ask is called without questions.
var ErrNoQuestions = errors.New("no questions to ask")

// Sender delivers prompts on a connection.
type Sender interface {
	SendMessage(ctx context.Context, connectionID string, payload channels.SendPayload) (*channels.SendResult, error)
	SupportsInteractive(connectionID string) bool
	SendInteractiveQuestion(ctx context.Context, connectionID string, payload channels.InteractiveQuestionPayload) error
}

// Request describes a question raised by the agent in one conversation.
type Request struct {
	Key       channels.ConversationKey
	SessionID string
	ToolUseID string
	Questions []channels.InteractiveQuestion
}

// Pending is a question waiting for its answer.
type Pending struct {
	Request
	CreatedAt time.Time

	selections map[int][]string
	answer     chan map[string]string
}

// Bridge tracks pending questions and matches replies to them.
type Bridge struct {
	sender Sender
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(b *Bridge) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a Bridge that sends prompts through sender.
func NewBridge(sender Sender, logger zerolog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		sender:  sender,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  logger.With().Str("component", "interactive").Logger(),
		pending: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ask sends the questions and blocks until they are answered, purged or ctx
// is done. A purged question yields an empty answer map and no error.
func (b *Bridge) Ask(ctx context.Context, req Request) (map[string]string, error) {
	if len(req.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	p := &Pending{
		Request:    req,
		CreatedAt:  b.now(),
		selections: make(map[int][]string),
		answer:     make(chan map[string]string, 1),
	}
	key := req.Key.String()

	b.mu.Lock()
	previous := b.pending[key]
	b.pending[key] = p
	b.mu.Unlock()

	if previous != nil {
		// A newer question supersedes the old one in the same conversation.
		previous.answer <- map[string]string{}
		observability.RecordInteractive("superseded")
	}

	if err := b.send(ctx, req); err != nil {
		b.remove(key, p)
		return nil, err
	}

	b.logger.Debug().
		Str("conversation", key).
		Str("tool_use_id", req.ToolUseID).
		Int("questions", len(req.Questions)).
		Msg("Interactive question pending")

	select {
	case answers := <-p.answer:
		return answers, nil
	case <-ctx.Done():
		b.remove(key, p)
		return nil, ctx.Err()
	}
}

func (b *Bridge) send(ctx context.Context, req Request) error {
	connID := req.Key.ConnectionID
	if b.sender.SupportsInteractive(connID) {
		err := b.sender.SendInteractiveQuestion(ctx, connID, channels.InteractiveQuestionPayload{
			PeerID:    req.Key.PeerID,
			ThreadID:  req.Key.ThreadID,
			ToolUseID: req.ToolUseID,
			Questions: req.Questions,
		})
		if err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Str("connection_id", connID).Msg("Native question failed, falling back to text")
	}

	_, err := b.sender.SendMessage(ctx, connID, channels.SendPayload{
		PeerID:   req.Key.PeerID,
		ThreadID: req.Key.ThreadID,
		Text:     RenderText(req.Questions),
	})
	if err != nil {
		return fmt.Errorf("failed to send question: %w", err)
	}
	return nil
}

func (b *Bridge) remove(key string, p *Pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[key] == p {
		delete(b.pending, key)
	}
}

// resolve removes p and delivers answers. It reports false if p was already gone.
func (b *Bridge) resolve(key string, p *Pending, answers map[string]string) bool {
	b.mu.Lock()
	if b.pending[key] != p {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, key)
	b.mu.Unlock()

	p.answer <- answers
	return true
}

// HasPending reports whether key has an unanswered question.
func (b *Bridge) HasPending(key channels.ConversationKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[key.String()]
	return ok
}

// PendingCount returns the number of unanswered questions.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HandleReply resolves the pending question for key from a text reply. It
// reports whether the reply was consumed.
func (b *Bridge) HandleReply(key channels.ConversationKey, text string) bool {
	k := key.String()
	b.mu.Lock()
	p, ok := b.pending[k]
	b.mu.Unlock()
	if !ok {
		return false
	}

	if !b.resolve(k, p, ParseReply(p.Questions, text)) {
		return false
	}
	observability.RecordInteractive("text")
	return true
}

// HandleButton records a native button selection. The pending question
// resolves once every question has a selection.
func (b *Bridge) HandleButton(connectionID string, answer channels.InteractiveAnswer) bool {
	key := channels.ConversationKey{ConnectionID: connectionID, PeerID: answer.PeerID, ThreadID: answer.ThreadID}.String()

	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok || p.ToolUseID != answer.ToolUseID {
		b.mu.Unlock()
		b.logger.Debug().Str("conversation", key).Str("tool_use_id", answer.ToolUseID).Msg("Button click for unknown question")
		return false
	}
	if answer.QuestionIndex < 0 || answer.QuestionIndex >= len(p.Questions) {
		b.mu.Unlock()
		return false
	}
	q := p.Questions[answer.QuestionIndex]
	if answer.OptionIndex < 0 || answer.OptionIndex >= len(q.Options) {
		b.mu.Unlock()
		return false
	}
	label := q.Options[answer.OptionIndex]
	if q.MultiSelect {
		p.selections[answer.QuestionIndex] = appendUnique(p.selections[answer.QuestionIndex], label)
	} else {
		p.selections[answer.QuestionIndex] = []string{label}
	}
	complete := len(p.selections) == len(p.Questions)
	var answers map[string]string
	if complete {
		answers = make(map[string]string, len(p.Questions))
		for i, question := range p.Questions {
			answers[question.Prompt] = strings.Join(p.selections[i], ", ")
		}
	}
	b.mu.Unlock()

	if !complete {
		return true
	}
	if b.resolve(key, p, answers) {
		observability.RecordInteractive("button")
	}
	return true
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Purge resolves questions older than the TTL with an empty answer map and
// returns how many were removed.
func (b *Bridge) Purge() int {
	cutoff := b.now().Add(-b.ttl)

	b.mu.Lock()
	var stale []*Pending
	for key, p := range b.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(b.pending, key)
			stale = append(stale, p)
		}
	}
	b.mu.Unlock()

	for _, p := range stale {
		p.answer <- map[string]string{}
		observability.RecordInteractive("expired")
		b.logger.Info().
			Str("conversation", p.Key.String()).
			Str("tool_use_id", p.ToolUseID).
			Msg("Interactive question expired")
	}
	return len(stale)
}
