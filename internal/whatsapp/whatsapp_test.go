package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	srv    *httptest.Server
	frames chan outFrame
	reject atomic.Bool
	sentN  atomic.Int32

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   []*websocket.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{frames: make(chan outFrame, 100)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, ws)
	b.mu.Unlock()

	for {
		var f outFrame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		b.frames <- f
		if f.Type != frameSend {
			continue
		}
		if b.reject.Load() {
			b.write(ws, inFrame{Type: frameError, RequestID: f.RequestID, Error: "not on whatsapp"})
			continue
		}
		n := b.sentN.Add(1)
		b.write(ws, inFrame{Type: frameSent, RequestID: f.RequestID, ID: fmt.Sprintf("WA%d", n)})
	}
}

func (b *fakeBridge) write(ws *websocket.Conn, f inFrame) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = ws.WriteJSON(f)
}

// push sends a frame on the newest bridge connection.
func (b *fakeBridge) push(t *testing.T, f inFrame) {
	t.Helper()
	require.Eventually(t, func() bool { return b.dials() > 0 }, 2*time.Second, 5*time.Millisecond)
	b.mu.Lock()
	ws := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	b.write(ws, f)
}

func (b *fakeBridge) dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// next returns the next frame of the given type.
func (b *fakeBridge) next(t *testing.T, typ string) outFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame received", typ)
			return outFrame{}
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	statuses []channels.Status
	qrs      []string
	msgs     []channels.InboundMessage
}

func (r *recorder) Emit(e channels.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Type {
	case channels.EventStatus:
		r.statuses = append(r.statuses, e.Status)
	case channels.EventQR:
		r.qrs = append(r.qrs, e.QR)
	}
}

func (r *recorder) HandleInbound(_ context.Context, msg channels.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) inbound() []channels.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.InboundMessage(nil), r.msgs...)
}

func newConnector(t *testing.T, b *fakeBridge, selfChat bool, mutate ...func(*Options)) (*Connector, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := Options{
		BridgeURL:    b.url(),
		DataDir:      t.TempDir(),
		ReadyTimeout: time.Second,
		SendTimeout:  time.Second,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   40 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	conn := channels.ChannelConnection{
		ID:          "wa-1",
		CharacterID: "char",
		ChannelType: channels.ChannelWhatsApp,
		Config:      channels.ConnectionConfig{WhatsApp: &channels.WhatsAppConfig{SelfChat: selfChat}},
	}
	c, err := New(conn, rec, rec, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c, rec
}

func openSession(t *testing.T, b *fakeBridge, c *Connector) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	b.next(t, frameConnect)
	b.push(t, inFrame{Type: frameConnection, State: stateOpen, Me: "15550001111:3@s.whatsapp.net"})
	require.Eventually(t, func() bool { return c.Status() == channels.StatusConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestNew_RequiresDataDir(t *testing.T) {
	_, err := New(channels.ChannelConnection{ID: "wa", ChannelType: channels.ChannelWhatsApp}, nil, nil, Options{})
	assert.Error(t, err)
}

func TestConnect_PairsWithQR(t *testing.T) {
	b := newFakeBridge(t)
	c, rec := newConnector(t, b, false)

	require.NoError(t, c.Connect(context.Background()))
	connect := b.next(t, frameConnect)
	assert.Equal(t, "wa-1", connect.Session)
	assert.Equal(t, c.AuthDir(), connect.AuthDir)
	assert.DirExists(t, c.AuthDir())
	assert.Equal(t, channels.StatusConnecting, c.Status())

	b.push(t, inFrame{Type: frameQR, QR: "2@abc"})
	require.Eventually(t, func() bool { return c.QRCode() == "2@abc" }, 2*time.Second, 5*time.Millisecond)

	b.push(t, inFrame{Type: frameConnection, State: stateOpen, Me: "1555@s.whatsapp.net"})
	require.Eventually(t, func() bool { return c.Status() == channels.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, c.QRCode())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"2@abc"}, rec.qrs)
	assert.Equal(t, []channels.Status{channels.StatusConnecting, channels.StatusConnected}, rec.statuses)
}

func TestConnect_DialFailure(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false, func(o *Options) { o.BridgeURL = "ws://127.0.0.1:1" })

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, channels.StatusError, c.Status())
}

func TestSendMessage_WaitsForReady(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	require.NoError(t, c.Connect(context.Background()))
	b.next(t, frameConnect)

	type outcome struct {
		res *channels.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.SendMessage(context.Background(), channels.SendPayload{PeerID: "1555@s.whatsapp.net", Text: "early", TotalChunks: 1})
		done <- outcome{res, err}
	}()

	select {
	case <-done:
		t.Fatal("send completed before the session opened")
	case <-time.After(50 * time.Millisecond):
	}

	b.push(t, inFrame{Type: frameConnection, State: stateOpen})
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "WA1", out.res.ExternalMessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}
	sent := b.next(t, frameSend)
	assert.Equal(t, "early", sent.Text)
}

func TestSendMessage_ReadyTimeout(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false, func(o *Options) { o.ReadyTimeout = 50 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.SendMessage(context.Background(), channels.SendPayload{PeerID: "x", Text: "hi"})
	assert.ErrorIs(t, err, channels.ErrNotConnected)
}

func TestSendMessage_NeverConnected(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	_, err := c.SendMessage(context.Background(), channels.SendPayload{PeerID: "x", Text: "hi"})
	assert.ErrorIs(t, err, channels.ErrNotConnected)
	assert.ErrorIs(t, c.SendTyping(context.Background(), "x", ""), channels.ErrNotConnected)
}

func TestSendMessage_VoiceWithShortCaption(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)

	res, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:           "1555@s.whatsapp.net",
		Text:             "listen to this",
		ReplyToMessageID: "IN1",
		Attachments:      []channels.Attachment{{Type: channels.AttachmentAudio, MimeType: "audio/ogg; codecs=opus", Data: []byte("voice")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "WA1", res.ExternalMessageID)

	sent := b.next(t, frameSend)
	require.NotNil(t, sent.Media)
	assert.Equal(t, kindAudio, sent.Media.Kind)
	assert.True(t, sent.Media.PTT)
	assert.Equal(t, "listen to this", sent.Media.Caption)
	assert.Equal(t, "IN1", sent.Quoted)
	assert.Empty(t, sent.Text)
	data, err := base64.StdEncoding.DecodeString(sent.Media.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("voice"), data)
	assert.Equal(t, int32(1), b.sentN.Load())
}

func TestSendMessage_LongTextFollowsMedia(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)

	long := strings.Repeat("a", CaptionLimit+1)
	_, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:      "1555@s.whatsapp.net",
		Text:        long,
		Attachments: []channels.Attachment{{Type: channels.AttachmentAudio, Data: []byte("voice")}},
	})
	require.NoError(t, err)

	media := b.next(t, frameSend)
	require.NotNil(t, media.Media)
	assert.Empty(t, media.Media.Caption)
	followUp := b.next(t, frameSend)
	assert.Nil(t, followUp.Media)
	assert.Equal(t, long, followUp.Text)
}

func TestSendMessage_Rejected(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)
	b.reject.Store(true)

	_, err := c.SendMessage(context.Background(), channels.SendPayload{PeerID: "x", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not on whatsapp")
}

func TestTypingAndReadReceipts(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)

	require.NoError(t, c.SendTyping(context.Background(), "1555@s.whatsapp.net", ""))
	presence := b.next(t, framePresence)
	assert.Equal(t, "composing", presence.State)
	assert.Equal(t, "1555@s.whatsapp.net", presence.To)

	require.NoError(t, c.MarkAsRead(context.Background(), "1555@s.whatsapp.net", "IN9"))
	read := b.next(t, frameRead)
	assert.Equal(t, "IN9", read.ID)
}

func TestClose_LoggedOutWipesAuth(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)
	require.NoError(t, os.WriteFile(c.AuthDir()+"/creds.json", []byte("{}"), 0o600))

	b.push(t, inFrame{Type: frameConnection, State: stateClose, Reason: reasonLoggedOut})
	require.Eventually(t, func() bool { return c.Status() == channels.StatusDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.NoDirExists(t, c.AuthDir())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.dials(), "logged out sessions are not retried")
}

func TestClose_RestartRequiredReconnects(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false)
	openSession(t, b, c)

	b.push(t, inFrame{Type: frameConnection, State: stateClose, Reason: reasonRestartRequired})
	second := b.next(t, frameConnect)
	assert.Equal(t, "wa-1", second.Session)
	assert.Equal(t, 2, b.dials())

	b.push(t, inFrame{Type: frameConnection, State: stateOpen})
	require.Eventually(t, func() bool { return c.Status() == channels.StatusConnected }, 2*time.Second, 5*time.Millisecond)

	_, err := c.SendMessage(context.Background(), channels.SendPayload{PeerID: "x", Text: "after restart"})
	require.NoError(t, err)
}

func TestClose_RestartLoopGivesUp(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, false, func(o *Options) { o.MaxRestarts = 2 })
	openSession(t, b, c)

	// Never opens again: every cycle asks for another restart.
	for i := 0; i < 3; i++ {
		b.push(t, inFrame{Type: frameConnection, State: stateClose, Reason: reasonRestartRequired})
		if i < 2 {
			b.next(t, frameConnect)
		}
	}
	require.Eventually(t, func() bool { return c.Status() == channels.StatusError }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, b.dials())
}

func TestClose_OtherReasonIsError(t *testing.T) {
	b := newFakeBridge(t)
	c, rec := newConnector(t, b, false)
	openSession(t, b, c)

	b.push(t, inFrame{Type: frameConnection, State: stateClose, Reason: "connectionReplaced", Error: "replaced by another session"})
	require.Eventually(t, func() bool { return c.Status() == channels.StatusError }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, b.dials())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, channels.StatusError, rec.statuses[len(rec.statuses)-1])
}

func TestInboundMessages(t *testing.T) {
	b := newFakeBridge(t)
	c, rec := newConnector(t, b, false)
	openSession(t, b, c)

	b.push(t, inFrame{Type: frameMessage, ID: "M0", Chat: "15550001111@s.whatsapp.net", FromMe: true, Text: "my own"})
	b.push(t, inFrame{
		Type:      frameMessage,
		ID:        "M1",
		Chat:      "15552223333@s.whatsapp.net",
		Sender:    "15552223333@s.whatsapp.net",
		PushName:  "Ann",
		Timestamp: 1700000000,
		Media:     &media{Kind: kindImage, MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString([]byte("jpg")), Caption: "look"},
	})
	b.push(t, inFrame{Type: frameMessage, ID: "M2", Chat: "g1@g.us", Sender: "15554445555:2@s.whatsapp.net", Text: "group hi"})

	require.Eventually(t, func() bool { return len(rec.inbound()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := rec.inbound()

	first := msgs[0]
	assert.Equal(t, "M1", first.MessageID)
	assert.Equal(t, "15552223333@s.whatsapp.net", first.PeerID)
	assert.Equal(t, "Ann", first.PeerName)
	assert.Equal(t, "look", first.Text)
	assert.Equal(t, int64(1700000000), first.Timestamp.Unix())
	require.Len(t, first.Attachments, 1)
	assert.Equal(t, channels.AttachmentImage, first.Attachments[0].Type)
	assert.Equal(t, []byte("jpg"), first.Attachments[0].Data)
	assert.False(t, first.FromSelf)

	assert.Equal(t, "15554445555", msgs[1].PeerName)
	assert.Equal(t, channels.ChannelWhatsApp, msgs[1].ChannelType)
}

func TestInboundMessages_SelfChat(t *testing.T) {
	b := newFakeBridge(t)
	c, rec := newConnector(t, b, true)
	openSession(t, b, c)

	b.push(t, inFrame{Type: frameMessage, ID: "S0", Chat: "15559998888@s.whatsapp.net", FromMe: true, Text: "to a friend"})
	b.push(t, inFrame{Type: frameMessage, ID: "S1", Chat: "15550001111@s.whatsapp.net", FromMe: true, Text: "note to self"})

	require.Eventually(t, func() bool { return len(rec.inbound()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := rec.inbound()[0]
	assert.Equal(t, "S1", msg.MessageID)
	assert.True(t, msg.FromSelf)
}

func TestBackoff(t *testing.T) {
	c := &Connector{opts: Options{BaseBackoff: 2 * time.Second, MaxBackoff: time.Minute}}
	assert.Equal(t, 2*time.Second, c.backoff(1))
	assert.Equal(t, 4*time.Second, c.backoff(2))
	assert.Equal(t, 32*time.Second, c.backoff(5))
	assert.Equal(t, time.Minute, c.backoff(6))
}

func TestUserPart(t *testing.T) {
	assert.Equal(t, "123", userPart("123:4@s.whatsapp.net"))
	assert.Equal(t, "123", userPart("123"))
	assert.True(t, sameUser("123@s.whatsapp.net", "123:9@s.whatsapp.net"))
	assert.False(t, sameUser("", ""))
}

// replier answers every inbound message from inside the handler, the way
// the pipeline acknowledges /stop.
type replier struct {
	c       *Connector
	mu      sync.Mutex
	results []*channels.SendResult
	errs    []error
}

func (r *replier) HandleInbound(ctx context.Context, msg channels.InboundMessage) {
	res, err := r.c.SendMessage(ctx, channels.SendPayload{PeerID: msg.PeerID, Text: "stopped"})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	r.errs = append(r.errs, err)
}

func (r *replier) done() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func TestInboundHandlerCanReplyInline(t *testing.T) {
	b := newFakeBridge(t)
	rec := &recorder{}
	rep := &replier{}
	conn := channels.ChannelConnection{
		ID:          "wa-1",
		ChannelType: channels.ChannelWhatsApp,
		Config:      channels.ConnectionConfig{WhatsApp: &channels.WhatsAppConfig{}},
	}
	c, err := New(conn, rec, rep, Options{
		BridgeURL:    b.url(),
		DataDir:      t.TempDir(),
		ReadyTimeout: time.Second,
		SendTimeout:  5 * time.Second,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	rep.c = c
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	openSession(t, b, c)

	start := time.Now()
	b.push(t, inFrame{Type: frameMessage, ID: "M1", Chat: "15552223333@s.whatsapp.net", Sender: "15552223333@s.whatsapp.net", Text: "/stop"})
	b.push(t, inFrame{Type: frameMessage, ID: "M2", Chat: "15552223333@s.whatsapp.net", Sender: "15552223333@s.whatsapp.net", Text: "/stop"})

	require.Eventually(t, func() bool { return rep.done() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	rep.mu.Lock()
	defer rep.mu.Unlock()
	for i, err := range rep.errs {
		require.NoError(t, err)
		assert.NotEmpty(t, rep.results[i].ExternalMessageID)
	}
}

func TestSendMessage_LongTextFollowUpIDReported(t *testing.T) {
	b := newFakeBridge(t)
	c, _ := newConnector(t, b, true)
	openSession(t, b, c)

	res, err := c.SendMessage(context.Background(), channels.SendPayload{
		PeerID:      "15550001111@s.whatsapp.net",
		Text:        strings.Repeat("x", CaptionLimit+1),
		Attachments: []channels.Attachment{{Type: channels.AttachmentImage, MimeType: "image/png", Data: []byte("png")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "WA1", res.ExternalMessageID)
	assert.Equal(t, []string{"WA2"}, res.AdditionalMessageIDs)
}
