package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/agentapi"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/interactive"
	"github.com/harun/relay/pkg/outbound"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/tasks"
	"go.opentelemetry.io/otel/attribute"
)

const (
	timeoutNotice = "The agent did not respond in time. Please try again."
	failureNotice = "Sorry, something went wrong while processing your message."
)

// process handles one queued message for its conversation.
func (p *Pipeline) process(ctx context.Context, msg channels.InboundMessage) (err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.inbound", "inbound.process",
		attribute.String("connection_id", msg.ConnectionID),
		attribute.String("channel", string(msg.ChannelType)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if msg.MessageID != "" {
		if err := p.channels.MarkAsRead(ctx, msg.ConnectionID, msg.PeerID, msg.MessageID); err != nil {
			logger := tracing.LoggerFromContext(ctx, p.logger)
			logger.Debug().Err(err).Msg("Mark as read failed")
		}
	}

	if p.handleCommand(ctx, msg) {
		return nil
	}

	sess, err := p.resolveSession(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to resolve session: %w", err)
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)

	taskCtx, record, err := p.tasks.Register(ctx, tasks.Params{
		Kind:      tasks.KindChannel,
		SessionID: sess.ID,
		Metadata: map[string]interface{}{
			"connectionId": msg.ConnectionID,
			"channelType":  string(msg.ChannelType),
			"peerId":       msg.PeerID,
			"messageId":    msg.MessageID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register task: %w", err)
	}
	taskCtx = tracing.WithRunID(taskCtx, record.RunID)
	logger := tracing.LoggerFromContext(taskCtx, p.logger)

	parts := p.assemble(taskCtx, msg, sess.ID)
	if len(parts) == 0 {
		observability.RecordInbound(string(msg.ChannelType), "empty")
		_ = p.tasks.UpdateStatus(record.RunID, tasks.StatusCancelled, map[string]interface{}{"error": "no content"})
		return nil
	}

	// The user turn is stored once, before any dispatch retry.
	if _, err := p.sessions.AppendMessage(taskCtx, session.Message{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Parts:     parts,
	}); err != nil {
		p.finish(taskCtx, record.RunID, msg, err)
		return fmt.Errorf("failed to append user message: %w", err)
	}

	resp, err := p.dispatch(taskCtx, msg, sess)
	if err != nil {
		p.finish(taskCtx, record.RunID, msg, err)
		return err
	}

	if text := strings.TrimSpace(resp.Text); text != "" {
		if _, err := p.sessions.AppendMessage(taskCtx, session.Message{
			SessionID: sess.ID,
			Role:      session.RoleAssistant,
			Parts:     []session.Part{session.TextPart(text)},
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to append assistant message")
		}
	}

	result, err := p.deliverer.Deliver(taskCtx, outbound.Target{
		ConnectionID: msg.ConnectionID,
		ChannelType:  msg.ChannelType,
		PeerID:       msg.PeerID,
		ThreadID:     msg.ThreadID,
		ReplyTo:      msg.MessageID,
	}, outbound.PartsFromResponse(resp))
	if err != nil {
		_ = p.tasks.UpdateStatus(record.RunID, tasks.StatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to deliver reply: %w", err)
	}

	observability.RecordInbound(string(msg.ChannelType), "dispatched")
	_ = p.tasks.UpdateStatus(record.RunID, tasks.StatusSucceeded, map[string]interface{}{
		"attempts": resp.Attempts,
		"chunks":   result.TotalChunks,
		"skipped":  result.Skipped,
	})
	return nil
}

// finish records a failed turn and tells the user when the failure was not
// an abort.
func (p *Pipeline) finish(ctx context.Context, runID string, msg channels.InboundMessage, err error) {
	if errors.Is(context.Cause(ctx), tasks.ErrAborted) {
		_ = p.tasks.UpdateStatus(runID, tasks.StatusCancelled, nil)
		return
	}

	observability.RecordInbound(string(msg.ChannelType), "failed")
	_ = p.tasks.UpdateStatus(runID, tasks.StatusFailed, map[string]interface{}{"error": err.Error()})

	notice := failureNotice
	if agentapi.IsTimeout(err) {
		notice = timeoutNotice
	}
	// The task context may already be done; the notice must still go out.
	p.reply(tracing.Detach(ctx), msg, notice)
}

// resolveSession returns the conversation's active session, minting a new
// one when none is bound or the bound one is no longer active.
func (p *Pipeline) resolveSession(ctx context.Context, msg channels.InboundMessage) (*session.Session, error) {
	conv, err := p.conversations.FindConversation(ctx, msg.Key())
	if err != nil {
		return nil, err
	}

	if conv != nil && conv.SessionID != "" {
		sess, err := p.sessions.GetSession(ctx, conv.SessionID)
		switch {
		case err == nil && sess.Active():
			p.touch(ctx, conv, msg)
			return sess, nil
		case err != nil && !errors.Is(err, session.ErrNotFound):
			return nil, err
		}
	}
	return p.bind(ctx, conv, msg)
}

// rebind binds the conversation to a fresh session unconditionally.
func (p *Pipeline) rebind(ctx context.Context, msg channels.InboundMessage) (*session.Session, error) {
	conv, err := p.conversations.FindConversation(ctx, msg.Key())
	if err != nil {
		return nil, err
	}
	return p.bind(ctx, conv, msg)
}

func (p *Pipeline) bind(ctx context.Context, conv *channels.ChannelConversation, msg channels.InboundMessage) (*session.Session, error) {
	sess, err := p.sessions.CreateSession(ctx, msg.CharacterID, provenance(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if conv == nil {
		created, err := p.conversations.CreateConversation(ctx, channels.ChannelConversation{
			ConnectionID:  msg.ConnectionID,
			CharacterID:   msg.CharacterID,
			ChannelType:   msg.ChannelType,
			PeerID:        msg.PeerID,
			PeerName:      msg.PeerName,
			ThreadID:      msg.ThreadID,
			SessionID:     sess.ID,
			LastMessageAt: p.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		if created.SessionID == sess.ID {
			return sess, nil
		}
		conv = created
	}

	conv.SessionID = sess.ID
	if msg.PeerName != "" {
		conv.PeerName = msg.PeerName
	}
	conv.LastMessageAt = p.now()
	if err := p.conversations.UpdateConversation(ctx, *conv); err != nil {
		return nil, fmt.Errorf("failed to bind conversation: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Info().
		Str("session_id", sess.ID).
		Str("connection_id", msg.ConnectionID).
		Msg("Conversation bound to new session")
	return sess, nil
}

func (p *Pipeline) touch(ctx context.Context, conv *channels.ChannelConversation, msg channels.InboundMessage) {
	conv.LastMessageAt = p.now()
	if msg.PeerName != "" {
		conv.PeerName = msg.PeerName
	}
	if err := p.conversations.UpdateConversation(ctx, *conv); err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().Err(err).Msg("Failed to touch conversation")
	}
}

func provenance(msg channels.InboundMessage) map[string]interface{} {
	meta := map[string]interface{}{
		"source":       "channel",
		"channelType":  string(msg.ChannelType),
		"connectionId": msg.ConnectionID,
		"peerId":       msg.PeerID,
	}
	if msg.PeerName != "" {
		meta["peerName"] = msg.PeerName
	}
	if msg.ChatName != "" {
		meta["chatName"] = msg.ChatName
	}
	if msg.ThreadID != "" {
		meta["threadId"] = msg.ThreadID
	}
	return meta
}

// assemble converts the message into session content parts.
func (p *Pipeline) assemble(ctx context.Context, msg channels.InboundMessage, sessionID string) []session.Part {
	var parts []session.Part
	if text := strings.TrimSpace(msg.Text); text != "" {
		parts = append(parts, session.TextPart(text))
	}

	logger := tracing.LoggerFromContext(ctx, p.logger)
	for _, att := range msg.Attachments {
		switch att.Type {
		case channels.AttachmentImage:
			if p.storage == nil {
				parts = append(parts, session.TextPart("[Image received but storage is unavailable]"))
				continue
			}
			saved, err := p.storage.SaveFile(att.Data, sessionID, att.Filename, "images")
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to store image")
				parts = append(parts, session.TextPart("[Image received but could not be stored]"))
				continue
			}
			parts = append(parts, session.Part{
				Type:     session.PartImage,
				URL:      saved.URL,
				MimeType: att.MimeType,
				Filename: att.Filename,
			})

		case channels.AttachmentAudio:
			parts = append(parts, p.transcribe(ctx, att))

		default:
			name := att.Filename
			if name == "" {
				name = "unnamed"
			}
			if att.MimeType != "" {
				name += ", " + att.MimeType
			}
			parts = append(parts, session.TextPart(fmt.Sprintf("[File received: %s]", name)))
		}
	}
	return parts
}

func (p *Pipeline) transcribe(ctx context.Context, att channels.Attachment) session.Part {
	if p.transcriber == nil || !p.transcriber.IsAvailable() {
		return session.TextPart("[Voice message received; transcription is unavailable]")
	}
	res, err := p.transcriber.Transcribe(ctx, att.Data, att.MimeType, att.Filename)
	if err != nil || strings.TrimSpace(res.Text) == "" {
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, p.logger)
			logger.Warn().Err(err).Msg("Transcription failed")
		}
		return session.TextPart("[Voice message received; transcription failed]")
	}

	label := "Voice message, transcribed by " + res.Provider
	if res.DurationSeconds != nil {
		label += fmt.Sprintf(", %.1fs", *res.DurationSeconds)
	}
	return session.TextPart(fmt.Sprintf("[%s]: %s", label, strings.TrimSpace(res.Text)))
}

// dispatch sends the session history to the agent with a typing heartbeat
// running for the duration of the call.
func (p *Pipeline) dispatch(ctx context.Context, msg channels.InboundMessage, sess *session.Session) (*agentapi.Response, error) {
	history, err := p.sessions.GetMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	stopTyping := p.startTyping(ctx, msg)
	defer stopTyping()

	askCtx, cancelAsks := context.WithCancel(ctx)
	var asks sync.WaitGroup
	defer func() {
		cancelAsks()
		asks.Wait()
	}()

	onEvent := func(e agentapi.Event) {
		if e.Type != agentapi.EventToolCall || e.ToolCall == nil || !p.questionTools[e.ToolCall.Name] || p.bridge == nil {
			return
		}
		call := *e.ToolCall
		asks.Add(1)
		go func() {
			defer asks.Done()
			p.ask(askCtx, msg, sess, call)
		}()
	}

	return p.agent.Chat(ctx, agentapi.ChatRequest{
		SessionID:   sess.ID,
		CharacterID: sess.CharacterID,
		Messages:    history,
	}, onEvent)
}

// ask relays an agent question to the user and posts the answer back.
func (p *Pipeline) ask(ctx context.Context, msg channels.InboundMessage, sess *session.Session, call agentapi.ToolCall) {
	logger := tracing.LoggerFromContext(ctx, p.logger).With().Str("tool_use_id", call.ID).Logger()

	questions, err := interactive.ParseQuestions(call.Input)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring malformed question")
		return
	}

	answers, err := p.bridge.Ask(ctx, interactive.Request{
		Key:       msg.Key(),
		SessionID: sess.ID,
		ToolUseID: call.ID,
		Questions: questions,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("Interactive question failed")
		}
		return
	}

	if err := p.agent.Answer(ctx, agentapi.AnswerRequest{
		SessionID:   sess.ID,
		CharacterID: sess.CharacterID,
		ToolUseID:   call.ID,
		Answers:     answers,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to post answer to agent")
	}
}

// startTyping sends typing indicators until the returned stop func is called.
func (p *Pipeline) startTyping(ctx context.Context, msg channels.InboundMessage) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.typingInterval)
		defer ticker.Stop()
		for {
			if err := p.channels.SendTyping(ctx, msg.ConnectionID, msg.PeerID, msg.ThreadID); err != nil && ctx.Err() == nil {
				logger := tracing.LoggerFromContext(ctx, p.logger)
				logger.Debug().Err(err).Msg("Typing indicator failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
