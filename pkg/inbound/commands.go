package inbound

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/agentapi"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/tasks"
)

const ttsMetadataKey = "tts"

// parseCommand splits "/name@bot args" into ("/name", "args"). ok is false
// for text that is not a recognized command.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(head, '@'); at > 0 {
		head = head[:at]
	}
	head = strings.ToLower(head)
	switch head {
	case "/status", "/tts", "/new", "/compact", "/stop":
		return head, strings.TrimSpace(rest), true
	}
	return "", "", false
}

// isStop matches the bare interrupt commands handled ahead of the queue.
func isStop(text string) bool {
	if strings.EqualFold(text, "!stop") {
		return true
	}
	name, args, ok := parseCommand(text)
	return ok && name == "/stop" && args == ""
}

// handleCommand runs a recognized command and reports whether msg was one.
func (p *Pipeline) handleCommand(ctx context.Context, msg channels.InboundMessage) bool {
	name, args, ok := parseCommand(strings.TrimSpace(msg.Text))
	if !ok {
		return false
	}
	observability.RecordInbound(string(msg.ChannelType), "command")

	var (
		sessionID string
		err       error
	)
	switch name {
	case "/stop":
		sessionID = p.handleStop(ctx, msg)
	case "/status":
		sessionID, err = p.commandStatus(ctx, msg)
	case "/tts":
		sessionID, err = p.commandTTS(ctx, msg, args)
	case "/new":
		sessionID, err = p.commandNew(ctx, msg)
	case "/compact":
		sessionID, err = p.commandCompact(ctx, msg)
	}

	if err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().
			Err(err).
			Str("command", name).
			Msg("Command failed")
	}
	observability.RecordCommandAudit(ctx, name, msg.ConnectionID, sessionID, err)
	return true
}

// handleStop aborts the conversation's running turns. It returns the
// session id, if any.
func (p *Pipeline) handleStop(ctx context.Context, msg channels.InboundMessage) string {
	conv, err := p.conversations.FindConversation(ctx, msg.Key())
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().Err(err).Msg("Failed to look up conversation for stop")
	}

	aborted := 0
	sessionID := ""
	if conv != nil && conv.SessionID != "" {
		sessionID = conv.SessionID
		aborted = p.tasks.AbortSession(sessionID, "stopped by user")
	}

	reply := "Nothing to stop."
	if aborted > 0 {
		reply = "Stopped."
	}
	p.reply(ctx, msg, reply)
	return sessionID
}

func (p *Pipeline) commandStatus(ctx context.Context, msg channels.InboundMessage) (string, error) {
	conv, err := p.conversations.FindConversation(ctx, msg.Key())
	if err != nil {
		return "", err
	}
	if conv == nil || conv.SessionID == "" {
		p.reply(ctx, msg, "No session yet. Send a message to start one.")
		return "", nil
	}

	sess, err := p.sessions.GetSession(ctx, conv.SessionID)
	if err != nil {
		return conv.SessionID, err
	}
	history, err := p.sessions.GetMessages(ctx, sess.ID)
	if err != nil {
		return sess.ID, err
	}
	running := p.tasks.List(tasks.Filter{SessionID: sess.ID, Status: tasks.StatusRunning})

	tts := "off"
	if on, _ := sess.Metadata[ttsMetadataKey].(bool); on {
		tts = "on"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s (%s)\n", sess.ID, sess.Status)
	fmt.Fprintf(&b, "Messages: %d\n", len(history))
	fmt.Fprintf(&b, "Running tasks: %d\n", len(running))
	fmt.Fprintf(&b, "Voice replies: %s", tts)
	p.reply(ctx, msg, b.String())
	return sess.ID, nil
}

func (p *Pipeline) commandTTS(ctx context.Context, msg channels.InboundMessage, args string) (string, error) {
	sess, err := p.resolveSession(ctx, msg)
	if err != nil {
		return "", err
	}

	current, _ := sess.Metadata[ttsMetadataKey].(bool)
	enabled := !current
	switch strings.ToLower(args) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	}

	if err := p.sessions.MergeSessionMetadata(ctx, sess.ID, map[string]interface{}{ttsMetadataKey: enabled}); err != nil {
		return sess.ID, err
	}
	if enabled {
		p.reply(ctx, msg, "Voice replies enabled.")
	} else {
		p.reply(ctx, msg, "Voice replies disabled.")
	}
	return sess.ID, nil
}

// commandNew always binds the conversation to a fresh session.
func (p *Pipeline) commandNew(ctx context.Context, msg channels.InboundMessage) (string, error) {
	sess, err := p.rebind(ctx, msg)
	if err != nil {
		return "", err
	}
	if !p.silentNew[msg.ChannelType] {
		p.reply(ctx, msg, "Started a new session.")
	}
	return sess.ID, nil
}

func (p *Pipeline) commandCompact(ctx context.Context, msg channels.InboundMessage) (string, error) {
	sess, err := p.resolveSession(ctx, msg)
	if err != nil {
		return "", err
	}
	if err := p.agent.Compact(ctx, agentapi.CompactRequest{SessionID: sess.ID, CharacterID: sess.CharacterID}); err != nil {
		p.reply(ctx, msg, "Could not compact the conversation.")
		return sess.ID, err
	}
	p.reply(ctx, msg, "Conversation compacted.")
	return sess.ID, nil
}

// reply sends a direct response. Failures are logged and swallowed.
func (p *Pipeline) reply(ctx context.Context, msg channels.InboundMessage, text string) {
	_, err := p.channels.SendMessage(ctx, msg.ConnectionID, channels.SendPayload{
		PeerID:   msg.PeerID,
		ThreadID: msg.ThreadID,
		Text:     text,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, p.logger)
		logger.Warn().
			Err(err).
			Str("connection_id", msg.ConnectionID).
			Msg("Failed to send reply")
	}
}
