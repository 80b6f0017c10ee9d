package slack

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harun/relay/pkg/channels"
	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>\s*`)

func (c *Connector) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		c.handleMessage(ctx, ev)
	}
}

// skipMessage filters our own posts, other bots and edits.
func (c *Connector) skipMessage(ev *slackevents.MessageEvent) bool {
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()

	switch {
	case ev.User == "":
		return true
	case self != "" && ev.User == self:
		return true
	case ev.BotID != "":
		return true
	}
	switch ev.SubType {
	case "", "file_share", "thread_broadcast":
		return false
	default:
		// bot_message, message_changed, message_deleted, joins and the rest
		return true
	}
}

func (c *Connector) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if c.skipMessage(ev) {
		return
	}

	text := c.stripSelfMention(ev.Text)
	attachments, diagnostics := c.downloadFiles(ctx, ev.Files)
	for _, d := range diagnostics {
		if text != "" {
			text += "\n"
		}
		text += d
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return
	}

	msg := channels.InboundMessage{
		ConnectionID: c.conn.ID,
		CharacterID:  c.conn.CharacterID,
		ChannelType:  channels.ChannelSlack,
		PeerID:       ev.Channel,
		PeerName:     c.userName(ctx, ev.User),
		ChatName:     c.conversationName(ctx, ev.Channel),
		ThreadID:     ev.ThreadTimeStamp,
		MessageID:    ev.TimeStamp,
		Text:         text,
		Attachments:  attachments,
		Timestamp:    parseTS(ev.TimeStamp),
	}

	c.logger.Debug().
		Str("peer_id", msg.PeerID).
		Str("thread_id", msg.ThreadID).
		Int("attachments", len(attachments)).
		Msg("Message received")

	if c.inbound != nil {
		c.inbound.HandleInbound(ctx, msg)
	}
}

func (c *Connector) stripSelfMention(text string) string {
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	if self == "" {
		return strings.TrimSpace(text)
	}
	out := mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		if sub := mentionPattern.FindStringSubmatch(m); len(sub) == 2 && sub[1] == self {
			return ""
		}
		return m
	})
	return strings.TrimSpace(out)
}

// userName resolves a display name, caching hits. Lookups are best-effort:
// any failure falls back to the id.
func (c *Connector) userName(ctx context.Context, userID string) string {
	c.namesMu.Lock()
	name, ok := c.names[userID]
	c.namesMu.Unlock()
	if ok {
		return name
	}

	api, err := c.client()
	if err != nil {
		return userID
	}
	user, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		c.logger.Debug().Err(err).Str("user_id", userID).Msg("User lookup failed")
		return userID
	}

	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if name == "" {
		name = userID
	}
	c.namesMu.Lock()
	c.names[userID] = name
	c.namesMu.Unlock()
	return name
}

// conversationName resolves a channel name the same best-effort way.
// Direct messages have no name and resolve to the id.
func (c *Connector) conversationName(ctx context.Context, channelID string) string {
	c.namesMu.Lock()
	name, ok := c.chats[channelID]
	c.namesMu.Unlock()
	if ok {
		return name
	}

	api, err := c.client()
	if err != nil {
		return channelID
	}
	ch, err := api.GetConversationInfoContext(ctx, &slackgo.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		c.logger.Debug().Err(err).Str("channel_id", channelID).Msg("Conversation lookup failed")
		return channelID
	}

	name = ch.Name
	if name == "" {
		name = channelID
	}
	c.namesMu.Lock()
	c.chats[channelID] = name
	c.namesMu.Unlock()
	return name
}

// parseTS converts a Slack "seconds.micros" timestamp.
func parseTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Now()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
