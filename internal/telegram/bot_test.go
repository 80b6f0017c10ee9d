package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

type apiCall struct {
	method string
	form   map[string]string
	files  []string
}

// fakeBotAPI serves the subset of the Bot API the connector uses.
type fakeBotAPI struct {
	srv *httptest.Server

	mu                sync.Mutex
	calls             []apiCall
	nextID            int
	conflicts         int
	rejectCaptionOnce bool
	updates           chan string
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	f := &fakeBotAPI{nextID: 100, updates: make(chan string, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) options() Options {
	return Options{
		APIEndpoint:  f.srv.URL + "/bot%s/%s",
		FileEndpoint: f.srv.URL + "/file/bot%s/%s",
		PollTimeout:  1,
		RetryBackoff: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		_, _ = w.Write([]byte("image-bytes"))
		return
	}

	token, method, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if token != testToken {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}

	call := apiCall{method: method, form: map[string]string{}}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
		for field := range r.MultipartForm.File {
			call.files = append(call.files, field)
		}
	} else {
		_ = r.ParseForm()
	}
	for k := range r.Form {
		call.form[k] = r.Form.Get(k)
	}

	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
		return
	case "setMyCommands":
		fmt.Fprint(w, `{"ok":true,"result":true}`)
		return
	case "getFile":
		fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_path":"photos/file_1.jpg"}}`, call.form["file_id"])
		return
	case "getUpdates":
		f.mu.Lock()
		conflict := f.conflicts > 0
		if conflict {
			f.conflicts--
		}
		f.mu.Unlock()
		if conflict {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`)
			return
		}
		select {
		case batch := <-f.updates:
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, batch)
		case <-time.After(20 * time.Millisecond):
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
		case <-r.Context().Done():
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.rejectCaptionOnce && call.form["caption"] != "" {
		f.rejectCaptionOnce = false
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message caption is too long"}`)
		return
	}
	f.nextID++
	fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":42,"type":"private"}}}`, f.nextID)
}

func (f *fakeBotAPI) sent() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type recordingInbound struct {
	mu   sync.Mutex
	msgs []channels.InboundMessage
}

func (r *recordingInbound) HandleInbound(_ context.Context, msg channels.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingInbound) received() []channels.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.InboundMessage(nil), r.msgs...)
}

func testConnection(token string) channels.ChannelConnection {
	return channels.ChannelConnection{
		ID:          "tg-1",
		CharacterID: "char",
		ChannelType: channels.ChannelTelegram,
		Config:      channels.ConnectionConfig{Telegram: &channels.TelegramConfig{BotToken: token}},
	}
}

func connect(t *testing.T, api *fakeBotAPI, inbound channels.InboundHandler) *Connector {
	t.Helper()
	c, err := New(testConnection(testToken), nil, inbound, api.options())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(testConnection(""), nil, nil, Options{})
	assert.Error(t, err)
}

func TestConnect_InvalidToken(t *testing.T) {
	api := newFakeBotAPI(t)

	var mu sync.Mutex
	var statuses []channels.Status
	sink := channels.EventSinkFunc(func(e channels.Event) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, e.Status)
	})

	c, err := New(testConnection("999:wrong"), sink, nil, api.options())
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, channels.StatusError, c.Status())
	mu.Lock()
	assert.Equal(t, []channels.Status{channels.StatusConnecting, channels.StatusError}, statuses)
	mu.Unlock()

	_, err = c.SendMessage(context.Background(), channels.SendPayload{PeerID: "42", Text: "hi"})
	assert.ErrorIs(t, err, channels.ErrNotConnected)
}

func TestSendMessage_TextInTopic(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	res, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:           "42",
		ThreadID:         "7",
		ReplyToMessageID: "5",
		Text:             "hello",
		ChunkIndex:       1,
		TotalChunks:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, "101", res.ExternalMessageID)
	assert.Equal(t, 1, res.ChunkIndex)

	calls := api.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Equal(t, "42", calls[0].form["chat_id"])
	assert.Equal(t, "7", calls[0].form["message_thread_id"])
	assert.Equal(t, "5", calls[0].form["reply_to_message_id"])
	assert.Equal(t, "hello", calls[0].form["text"])
}

func TestSendMessage_ShortCaptionRidesWithPhoto(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	_, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:      "42",
		Text:        "a chart",
		Attachments: []channels.Attachment{{Type: channels.AttachmentImage, Filename: "chart.png", Data: []byte("png")}},
	})
	require.NoError(t, err)

	calls := api.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Equal(t, "a chart", calls[0].form["caption"])
	assert.Equal(t, []string{"photo"}, calls[0].files)
}

func TestSendMessage_LongCaptionIsTruncatedWithFollowUp(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	text := strings.TrimSpace(strings.Repeat("lorem ipsum ", 167)) // 2003 runes
	require.Greater(t, utf8.RuneCountInString(text), 2000)

	res, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:      "42",
		Text:        text,
		Attachments: []channels.Attachment{{Type: channels.AttachmentImage, Data: []byte("png")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "101", res.ExternalMessageID)

	calls := api.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendPhoto", calls[0].method)
	caption := calls[0].form["caption"]
	assert.LessOrEqual(t, utf8.RuneCountInString(caption), CaptionLimit)
	assert.True(t, strings.HasSuffix(caption, "…"))
	assert.True(t, strings.HasPrefix(text, strings.TrimSuffix(caption, "…")))

	assert.Equal(t, "sendMessage", calls[1].method)
	assert.Equal(t, text, calls[1].form["text"])
	assert.Equal(t, []string{"102"}, res.AdditionalMessageIDs)
}

func TestSendMessage_RejectedCaptionIsRetriedWithout(t *testing.T) {
	api := newFakeBotAPI(t)
	api.rejectCaptionOnce = true
	c := connect(t, api, nil)

	_, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:      "42",
		Text:        "caption the server refuses",
		Attachments: []channels.Attachment{{Type: channels.AttachmentImage, Data: []byte("png")}},
	})
	require.NoError(t, err)

	calls := api.sent()
	require.Len(t, calls, 3)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.NotEmpty(t, calls[0].form["caption"])
	assert.Equal(t, "sendPhoto", calls[1].method)
	assert.Empty(t, calls[1].form["caption"])
	assert.Equal(t, "sendMessage", calls[2].method)
	assert.Equal(t, "caption the server refuses", calls[2].form["text"])
}

func TestSendMessage_VoiceRepliesToPhotoAndDropsVideoLinks(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	text := "Watch this https://www.youtube.com/watch?v=abc first"
	_, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID: "42",
		Text:   text,
		Attachments: []channels.Attachment{
			{Type: channels.AttachmentAudio, MimeType: "audio/ogg", Data: []byte("ogg")},
		},
	})
	require.NoError(t, err)

	calls := api.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendVoice", calls[0].method)
	assert.Equal(t, "Watch this first", calls[0].form["caption"])
	assert.Equal(t, text, calls[1].form["text"])

	_, err = c.SendMessage(context.Background(), channels.SendPayload{
		PeerID: "42",
		Attachments: []channels.Attachment{
			{Type: channels.AttachmentImage, Data: []byte("png")},
			{Type: channels.AttachmentAudio, MimeType: "audio/mpeg", Data: []byte("mp3")},
		},
	})
	require.NoError(t, err)

	calls = api.sent()[2:]
	require.Len(t, calls, 2)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Equal(t, "sendAudio", calls[1].method)
	assert.Equal(t, "103", calls[1].form["reply_to_message_id"])
}

func TestPoll_ConflictKeepsPollingAndDeliversUpdates(t *testing.T) {
	api := newFakeBotAPI(t)
	api.conflicts = 2
	inbound := &recordingInbound{}
	c := connect(t, api, inbound)
	assert.Equal(t, channels.StatusConnected, c.Status())

	api.updates <- `[
		{"update_id":10,"message":{"message_id":5,"message_thread_id":7,"is_topic_message":true,"date":1700000000,
		 "chat":{"id":-100,"type":"supergroup","title":"Team"},
		 "from":{"id":9,"is_bot":false,"first_name":"Ann","last_name":"Lee"},
		 "caption":"look","photo":[{"file_id":"small","width":1,"height":1},{"file_id":"big","width":9,"height":9}]}},
		{"update_id":11,"message":{"message_id":6,"date":1700000001,
		 "chat":{"id":42,"type":"private"},"from":{"id":9,"is_bot":false,"username":"ann"},"text":"plain"}}
	]`

	require.Eventually(t, func() bool { return len(inbound.received()) == 2 }, 3*time.Second, 10*time.Millisecond)
	msgs := inbound.received()

	assert.Equal(t, "-100", msgs[0].PeerID)
	assert.Equal(t, "7", msgs[0].ThreadID)
	assert.Equal(t, "5", msgs[0].MessageID)
	assert.Equal(t, "look", msgs[0].Text)
	assert.Equal(t, "Ann Lee", msgs[0].PeerName)
	assert.Equal(t, "char", msgs[0].CharacterID)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, channels.AttachmentImage, msgs[0].Attachments[0].Type)
	assert.Equal(t, []byte("image-bytes"), msgs[0].Attachments[0].Data)
	assert.Equal(t, "file_1.jpg", msgs[0].Attachments[0].Filename)

	assert.Equal(t, "42", msgs[1].PeerID)
	assert.Empty(t, msgs[1].ThreadID)
	assert.Equal(t, "ann", msgs[1].PeerName)
	assert.False(t, msgs[1].FromSelf)
}

func TestSendMessage_HonoursContext(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendMessage(ctx, channels.SendPayload{PeerID: "42", Text: "too late"})
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, c.SendTyping(ctx, "42", ""), context.Canceled)
	assert.Empty(t, api.sent())

	// The connection itself is unaffected.
	_, err = c.SendMessage(context.Background(), channels.SendPayload{PeerID: "42", Text: "on time"})
	require.NoError(t, err)
}

func TestSendInteractiveQuestion_InlineKeyboard(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	err := c.SendInteractiveQuestion(context.Background(), channels.InteractiveQuestionPayload{
		PeerID:    "-100",
		ThreadID:  "7",
		ToolUseID: "tu-1",
		Questions: []channels.InteractiveQuestion{
			{Header: "Deploy", Prompt: "Which env?", Options: []string{"staging", "prod"}},
			{Prompt: "Notify?", Options: []string{"yes"}, MultiSelect: true},
		},
	})
	require.NoError(t, err)

	calls := api.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Equal(t, "-100", calls[0].form["chat_id"])
	assert.Equal(t, "7", calls[0].form["message_thread_id"])
	assert.Equal(t, "Deploy\nWhich env?", calls[0].form["text"])
	assert.Contains(t, calls[0].form["reply_markup"], `"callback_data":"aq|tu-1|0|0"`)
	assert.Contains(t, calls[0].form["reply_markup"], `"callback_data":"aq|tu-1|0|1"`)
	assert.Contains(t, calls[1].form["text"], "(pick all that apply)")
	assert.Contains(t, calls[1].form["reply_markup"], `"callback_data":"aq|tu-1|1|0"`)
}

func TestSendInteractiveQuestion_CallbackDataTooLong(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, nil)

	err := c.SendInteractiveQuestion(context.Background(), channels.InteractiveQuestionPayload{
		PeerID:    "42",
		ToolUseID: strings.Repeat("x", 64),
		Questions: []channels.InteractiveQuestion{{Prompt: "ok?", Options: []string{"yes"}}},
	})
	assert.Error(t, err)
	assert.Empty(t, api.sent())
}

func TestPoll_CallbackQueryReportsAnswer(t *testing.T) {
	api := newFakeBotAPI(t)
	c := connect(t, api, &recordingInbound{})

	answers := make(chan channels.InteractiveAnswer, 1)
	c.SetInteractiveAnswerHandler(func(a channels.InteractiveAnswer) { answers <- a })

	api.updates <- `[
		{"update_id":20,"callback_query":{"id":"cb-1","from":{"id":9,"is_bot":false,"first_name":"Ann"},
		 "data":"aq|tu-1|0|1","chat_instance":"x",
		 "message":{"message_id":101,"message_thread_id":7,"date":0,"chat":{"id":-100,"type":"supergroup"}}}}
	]`

	select {
	case a := <-answers:
		assert.Equal(t, channels.InteractiveAnswer{PeerID: "-100", ThreadID: "7", ToolUseID: "tu-1", QuestionIndex: 0, OptionIndex: 1}, a)
	case <-time.After(3 * time.Second):
		t.Fatal("no answer reported")
	}

	calls := api.sent()
	require.NotEmpty(t, calls)
	assert.Equal(t, "answerCallbackQuery", calls[0].method)
	assert.Equal(t, "cb-1", calls[0].form["callback_query_id"])
}

func TestDisconnect_StopsPolling(t *testing.T) {
	api := newFakeBotAPI(t)
	c, err := New(testConnection(testToken), nil, nil, api.options())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, channels.StatusDisconnected, c.Status())

	err = c.SendTyping(context.Background(), "42", "")
	assert.ErrorIs(t, err, channels.ErrNotConnected)
}

func TestTruncateCaption(t *testing.T) {
	assert.Equal(t, "short", TruncateCaption("short", 10))

	got := TruncateCaption("the quick brown fox jumps", 16)
	assert.Equal(t, "the quick brown…", got)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 16)

	unbroken := strings.Repeat("é", 50)
	got = TruncateCaption(unbroken, 20)
	assert.Equal(t, 20, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestStripVideoURLs(t *testing.T) {
	assert.Equal(t, "see", StripVideoURLs("see https://youtu.be/xyz"))
	assert.Equal(t, "a b", StripVideoURLs("a https://vimeo.com/1 b"))
	assert.Equal(t, "clip\nend", StripVideoURLs("clip https://www.tiktok.com/@u/video/1\nend"))
	assert.Equal(t, "keep  https://example.com/x", StripVideoURLs("keep  https://example.com/x"))
}

func TestCaptionFor(t *testing.T) {
	img := channels.Attachment{Type: channels.AttachmentImage}
	caption, follow := captionFor(img, "  fits  ")
	assert.Equal(t, "fits", caption)
	assert.Empty(t, follow)

	caption, follow = captionFor(img, "")
	assert.Empty(t, caption)
	assert.Empty(t, follow)
}

func TestUploadTarget(t *testing.T) {
	method, field := uploadTarget(channels.Attachment{Type: channels.AttachmentAudio, MimeType: "audio/ogg; codecs=opus"})
	assert.Equal(t, "sendVoice", method)
	assert.Equal(t, "voice", field)
	method, _ = uploadTarget(channels.Attachment{Type: channels.AttachmentFile})
	assert.Equal(t, "sendDocument", method)
}
