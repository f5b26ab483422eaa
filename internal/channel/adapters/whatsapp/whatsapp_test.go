package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/memohai/dmbridge/internal/channel"
)

type sentMessage struct {
	to      types.JID
	text    string
	image   []byte
	mime    string
	caption string
}

type fakeMessenger struct {
	mu       sync.Mutex
	self     types.JID
	paired   bool
	sent     []sentMessage
	read     map[string][]types.MessageID
	readErr  error
	loggedIn bool
	closed   bool
	next     int
}

func newFakeMessenger(paired bool) *fakeMessenger {
	return &fakeMessenger{
		self:     types.NewJID("15550001111", types.DefaultUserServer),
		paired:   paired,
		loggedIn: paired,
		read:     map[string][]types.MessageID{},
	}
}

func (f *fakeMessenger) Self() (types.JID, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paired {
		return types.EmptyJID, "", false
	}
	return f.self, "Corner Cafe", true
}

func (f *fakeMessenger) SendText(_ context.Context, to types.JID, text string) (types.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return types.MessageID("OUT" + string(rune('0'+f.next))), nil
}

func (f *fakeMessenger) SendImage(_ context.Context, to types.JID, data []byte, mimeType, caption string) (types.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, sentMessage{to: to, image: data, mime: mimeType, caption: caption})
	return types.MessageID("OUT" + string(rune('0'+f.next))), nil
}

func (f *fakeMessenger) MarkRead(_ context.Context, chat types.JID, ids []types.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	f.read[chat.String()] = append(f.read[chat.String()], ids...)
	return nil
}

func (f *fakeMessenger) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = false
	return nil
}

func (f *fakeMessenger) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func withSession(a *Adapter, sessionID string, m *fakeMessenger) {
	a.put(&session{id: sessionID, client: m, inbox: newInbox(0)})
}

func inbound(chatUser, id, text string, at time.Time) *events.Message {
	chat := types.NewJID(chatUser, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            types.MessageID(id),
			PushName:      "Ann",
			Timestamp:     at,
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestInboundMessagesAreListed(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	withSession(a, "s1", newFakeMessenger(true))
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	a.handleEvent("s1", inbound("4911", "A1", "hello", t0))
	a.handleEvent("s1", inbound("4911", "A2", "are you open?", t0.Add(time.Second)))
	a.handleEvent("s1", inbound("4911", "A2", "are you open?", t0.Add(time.Second)))
	a.handleEvent("s1", inbound("4922", "B1", "hi", t0.Add(2*time.Second)))

	convs, err := a.ListConversations(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "4922@s.whatsapp.net", convs[0].ID)
	assert.Equal(t, "4911@s.whatsapp.net", convs[1].ID)
	assert.Equal(t, "Ann", convs[1].Name)

	msgs, err := a.ListMessages(context.Background(), "s1", "4911@s.whatsapp.net", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A2", msgs[0].ID)
	assert.Equal(t, "4911@s.whatsapp.net", msgs[0].SenderID)
	assert.False(t, msgs[0].FromSelf)

	limited, err := a.ListConversations(context.Background(), "s1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGroupAndEmptyMessagesAreIgnored(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	withSession(a, "s1", newFakeMessenger(true))

	group := inbound("1203", "G1", "hey all", time.Now())
	group.Info.IsGroup = true
	a.handleEvent("s1", group)

	empty := inbound("4911", "E1", "", time.Now())
	a.handleEvent("s1", empty)

	convs, err := a.ListConversations(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestUnpairedSessionIsRevoked(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	withSession(a, "s1", newFakeMessenger(false))

	_, err := a.FetchIdentity(context.Background(), "s1")
	assert.True(t, channel.IsAuthRevoked(err))
	_, err = a.ListConversations(context.Background(), "missing", 10)
	assert.True(t, channel.IsAuthRevoked(err))

	err = a.CompleteHandshake(context.Background(), channel.HandshakeCompletion{SessionID: "s1"})
	assert.Equal(t, channel.CodeNotActive, channel.Classify(err))
}

func TestFetchIdentity(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	withSession(a, "s1", newFakeMessenger(true))

	require.NoError(t, a.CompleteHandshake(context.Background(), channel.HandshakeCompletion{SessionID: "s1"}))
	id, err := a.FetchIdentity(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, channel.Identity{AccountID: "15550001111", Handle: "+15550001111", DisplayName: "Corner Cafe"}, id)
}

func TestSendTextAndImage(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\n0000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	t.Cleanup(srv.Close)

	a := newAdapter(nil, Config{})
	m := newFakeMessenger(true)
	withSession(a, "s1", m)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, "s1", "4911@s.whatsapp.net", channel.TextReply("Yes, until 6pm")))
	require.NoError(t, a.Send(ctx, "s1", "+49 11", channel.ReplyPayload{
		Kind: channel.ReplyImage, ImageURL: srv.URL + "/menu.png", Caption: "Menu",
	}))

	err := a.Send(ctx, "s1", "4911@s.whatsapp.net", channel.ReplyPayload{Kind: channel.ReplyImage, ImageURL: srv.URL + "/missing.png"})
	assert.Equal(t, channel.CodeInvalidInput, channel.Classify(err))
	err = a.Send(ctx, "s1", "", channel.TextReply("x"))
	assert.Equal(t, channel.CodeInvalidInput, channel.Classify(err))

	m.mu.Lock()
	require.Len(t, m.sent, 2)
	assert.Equal(t, "Yes, until 6pm", m.sent[0].text)
	assert.Equal(t, "4911@s.whatsapp.net", m.sent[1].to.String())
	assert.Equal(t, png, m.sent[1].image)
	assert.Equal(t, "image/png", m.sent[1].mime)
	assert.Equal(t, "Menu", m.sent[1].caption)
	m.mu.Unlock()

	msgs, err := a.ListMessages(ctx, "s1", "4911@s.whatsapp.net", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.True(t, msg.FromSelf)
	}
}

func TestMarkSeenDrainsUnread(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	m := newFakeMessenger(true)
	withSession(a, "s1", m)
	ctx := context.Background()
	a.handleEvent("s1", inbound("4911", "A1", "hello", time.Now()))
	a.handleEvent("s1", inbound("4911", "A2", "again", time.Now()))

	m.readErr = errors.New("socket closed")
	require.Error(t, a.MarkSeen(ctx, "s1", "4911@s.whatsapp.net"))

	m.readErr = nil
	require.NoError(t, a.MarkSeen(ctx, "s1", "4911@s.whatsapp.net"))
	require.NoError(t, a.MarkSeen(ctx, "s1", "4911@s.whatsapp.net"))
	assert.Equal(t, []types.MessageID{"A1", "A2"}, m.read["4911@s.whatsapp.net"])
}

func TestPairSuccessConfirmsHandshake(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	confirmed := make(chan string, 1)
	a.OnPairingConfirmed(func(_ context.Context, sessionID string) { confirmed <- sessionID })

	a.handleEvent("s1", &events.PairSuccess{ID: types.NewJID("15550001111", types.DefaultUserServer)})
	select {
	case sid := <-confirmed:
		assert.Equal(t, "s1", sid)
	case <-time.After(time.Second):
		t.Fatal("pairing confirmation not delivered")
	}
}

func TestLoggedOutRevokesSession(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	revoked := make(chan error, 1)
	a.OnRevoked(func(_ context.Context, _ string, cause error) { revoked <- cause })

	a.handleEvent("s1", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	select {
	case cause := <-revoked:
		assert.True(t, channel.IsAuthRevoked(cause))
	case <-time.After(time.Second):
		t.Fatal("revocation not delivered")
	}
}

func TestDisconnectLogsOutAndCloses(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	m := newFakeMessenger(true)
	withSession(a, "s1", m)

	require.NoError(t, a.Disconnect(context.Background(), "s1"))
	assert.False(t, m.loggedIn)
	assert.True(t, m.closed)
	_, err := a.FetchIdentity(context.Background(), "s1")
	assert.True(t, channel.IsAuthRevoked(err))
	require.NoError(t, a.Disconnect(context.Background(), "s1"))
}

func TestAbortUnpairedHandshakeOnlyCloses(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	m := newFakeMessenger(false)
	stopped := false
	a.put(&session{id: "s1", client: m, inbox: newInbox(0), stopQR: func() { stopped = true }})

	a.AbortHandshake(context.Background(), "s1")
	assert.True(t, stopped)
	assert.True(t, m.closed)
}

func TestBeginWithoutStoreIsConfigMissing(t *testing.T) {
	t.Parallel()

	a := newAdapter(nil, Config{})
	_, err := a.BeginHandshake(context.Background(), channel.HandshakeRequest{SessionID: "s1", HandleID: "h1"})
	assert.Equal(t, channel.CodeConfigMissing, channel.Classify(err))
}

func TestInboxDepthKeepsNewest(t *testing.T) {
	t.Parallel()

	b := newInbox(2)
	t0 := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.True(t, b.add(channel.Message{ID: id, ConversationID: "c", CreatedAt: t0.Add(time.Duration(i) * time.Second)}))
	}
	msgs := b.messages("c", 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Empty(t, b.messages("unknown", 5))
}
