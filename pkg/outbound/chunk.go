package outbound

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harun/relay/pkg/channels"
)

// Per-platform message text limits in characters.
const (
	TelegramLimit = 4096
	DiscordLimit  = 2000
	SlackLimit    = 4000
	WhatsAppLimit = 4096
)

// LimitFor returns the text limit of a channel type.
func LimitFor(t channels.ChannelType) int {
	switch t {
	case channels.ChannelDiscord:
		return DiscordLimit
	case channels.ChannelSlack:
		return SlackLimit
	case channels.ChannelTelegram:
		return TelegramLimit
	default:
		return WhatsAppLimit
	}
}

// Chunk splits text into pieces of at most limit runes, preferring paragraph,
// then line, then word boundaries.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := splitPoint(text, limit)
		piece := strings.TrimRightFunc(text[:cut], unicode.IsSpace)
		if piece != "" {
			chunks = append(chunks, piece)
		}
		text = strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
	}
	return chunks
}

// splitPoint returns a byte offset within the first limit runes of text.
func splitPoint(text string, limit int) int {
	end := byteOffset(text, limit)
	window := text[:end]

	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > end/2 {
			return i + len(sep)
		}
	}
	return end
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
