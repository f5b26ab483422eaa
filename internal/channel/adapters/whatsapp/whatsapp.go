// Package whatsapp implements the pairing channel on top of whatsmeow. A
// session pairs as a linked device by scanning a QR code or entering a
// pairing code on the phone; device keys live in a SQLite store.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store

	"github.com/memohai/dmbridge/internal/channel"
	"github.com/memohai/dmbridge/internal/media"
)

const (
	defaultClientName     = "Chrome (Linux)"
	defaultPairingTimeout = 5 * time.Minute
	maxImageBytes         = media.MaxImageBytes
)

type Config struct {
	StorePath      string
	ClientName     string
	PairingTimeout time.Duration
	InboxDepth     int
}

type session struct {
	id     string
	client messenger
	inbox  *inbox
	// stopQR ends the QR rotation watcher of a pending pairing.
	stopQR context.CancelFunc
}

// Adapter implements channel.Adapter together with the handshake, restore and
// push-notification interfaces.
type Adapter struct {
	logger    *slog.Logger
	cfg       Config
	container *sqlstore.Container
	http      *http.Client

	mu       sync.RWMutex
	sessions map[string]*session
	confirm  channel.PairingConfirmFunc
	refresh  channel.QRRefreshFunc
	revoked  channel.RevocationFunc
}

// Open creates the device store at cfg.StorePath and returns the adapter.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*Adapter, error) {
	a := newAdapter(log, cfg)
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		return nil, fmt.Errorf("whatsapp store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create whatsapp store directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path),
		newWALogger(a.logger.With(slog.String("module", "store"))))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store: %w", err)
	}
	a.container = container
	return a, nil
}

func newAdapter(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(cfg.ClientName) == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = defaultPairingTimeout
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "whatsapp")),
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		sessions: map[string]*session{},
	}
}

func (a *Adapter) Kind() channel.Kind { return channel.KindPairing }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Kind:           channel.KindPairing,
		Name:           "whatsapp",
		DisplayName:    "WhatsApp",
		SupportsImages: true,
		MaxTextBytes:   65536,
	}
}

func (a *Adapter) OnPairingConfirmed(fn channel.PairingConfirmFunc) {
	a.mu.Lock()
	a.confirm = fn
	a.mu.Unlock()
}

func (a *Adapter) OnQRRefreshed(fn channel.QRRefreshFunc) {
	a.mu.Lock()
	a.refresh = fn
	a.mu.Unlock()
}

func (a *Adapter) OnRevoked(fn channel.RevocationFunc) {
	a.mu.Lock()
	a.revoked = fn
	a.mu.Unlock()
}

// BeginHandshake links a fresh device. The first QR code is returned at once;
// rotated codes are pushed through the QR refresh callback. With a phone
// number a pairing code is requested as well.
func (a *Adapter) BeginHandshake(ctx context.Context, req channel.HandshakeRequest) (channel.HandshakeChallenge, error) {
	if a.container == nil {
		return channel.HandshakeChallenge{}, channel.NewError(channel.CodeConfigMissing, "whatsapp store is not open", nil)
	}
	a.drop(ctx, req.SessionID, false)

	device := a.container.NewDevice()
	cli := whatsmeow.NewClient(device, newWALogger(a.logger.With(slog.String("session_id", req.SessionID))))
	watchCtx, stop := context.WithTimeout(context.Background(), a.cfg.PairingTimeout)
	qrChan, err := cli.GetQRChannel(watchCtx)
	if err != nil {
		stop()
		return channel.HandshakeChallenge{}, channel.Transient("open whatsapp qr channel", err)
	}
	sess := &session{id: req.SessionID, client: &liveClient{cli: cli}, inbox: newInbox(a.cfg.InboxDepth), stopQR: stop}
	cli.AddEventHandler(func(evt interface{}) { a.handleEvent(req.SessionID, evt) })
	a.put(sess)

	if err := cli.Connect(); err != nil {
		a.drop(ctx, req.SessionID, false)
		return channel.HandshakeChallenge{}, channel.Transient("connect to whatsapp", err)
	}

	var challenge channel.HandshakeChallenge
	select {
	case <-ctx.Done():
		a.drop(ctx, req.SessionID, false)
		return channel.HandshakeChallenge{}, channel.Transient("wait for whatsapp qr code", ctx.Err())
	case item, ok := <-qrChan:
		if !ok || item.Event != "code" {
			a.drop(ctx, req.SessionID, false)
			return channel.HandshakeChallenge{}, channel.NotActive("whatsapp did not issue a qr code", item.Error)
		}
		challenge.QRCode = item.Code
	}
	go a.watchQR(watchCtx, req.SessionID, qrChan)

	if phone := normalizePhone(req.PhoneNumber); phone != "" {
		code, err := cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, a.cfg.ClientName)
		if err != nil {
			a.drop(ctx, req.SessionID, false)
			return channel.HandshakeChallenge{}, channel.InvalidInput("request whatsapp pairing code", err)
		}
		challenge.PairingCode = code
	}
	return challenge, nil
}

func (a *Adapter) watchQR(ctx context.Context, sessionID string, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				a.mu.RLock()
				refresh := a.refresh
				a.mu.RUnlock()
				if refresh != nil {
					refresh(sessionID, item.Code)
				}
			case "success":
				return
			default:
				a.logger.Info("whatsapp pairing ended",
					slog.String("session_id", sessionID),
					slog.String("event", item.Event),
				)
				return
			}
		}
	}
}

// CompleteHandshake succeeds once the phone has approved the device.
func (a *Adapter) CompleteHandshake(_ context.Context, req channel.HandshakeCompletion) error {
	sess, ok := a.get(req.SessionID)
	if !ok {
		return channel.NotActive("no whatsapp pairing for session", nil)
	}
	if _, _, paired := sess.client.Self(); !paired {
		return channel.NotActive("whatsapp pairing not confirmed", nil)
	}
	if sess.stopQR != nil {
		sess.stopQR()
	}
	return nil
}

// AbortHandshake unlinks a half-paired device and closes its connection.
func (a *Adapter) AbortHandshake(ctx context.Context, sessionID string) {
	a.drop(ctx, sessionID, true)
}

// Restore reconnects the device previously paired for identity.
func (a *Adapter) Restore(ctx context.Context, sessionID string, identity channel.Identity) error {
	if a.container == nil {
		return channel.NewError(channel.CodeConfigMissing, "whatsapp store is not open", nil)
	}
	devices, err := a.container.GetAllDevices(ctx)
	if err != nil {
		return channel.Transient("load whatsapp devices", err)
	}
	for _, device := range devices {
		if device.ID == nil || device.ID.User != identity.AccountID {
			continue
		}
		cli := whatsmeow.NewClient(device, newWALogger(a.logger.With(slog.String("session_id", sessionID))))
		cli.AddEventHandler(func(evt interface{}) { a.handleEvent(sessionID, evt) })
		a.drop(ctx, sessionID, false)
		a.put(&session{id: sessionID, client: &liveClient{cli: cli}, inbox: newInbox(a.cfg.InboxDepth)})
		if err := cli.Connect(); err != nil {
			return channel.Transient("connect to whatsapp", err)
		}
		return nil
	}
	return channel.AuthRevoked("no whatsapp device stored for account", nil)
}

func (a *Adapter) FetchIdentity(_ context.Context, sessionID string) (channel.Identity, error) {
	sess, err := a.live(sessionID)
	if err != nil {
		return channel.Identity{}, err
	}
	self, pushName, _ := sess.client.Self()
	return channel.Identity{
		AccountID:   self.User,
		Handle:      "+" + self.User,
		DisplayName: pushName,
	}, nil
}

func (a *Adapter) ListConversations(_ context.Context, sessionID string, limit int) ([]channel.Conversation, error) {
	sess, err := a.live(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.inbox.conversations(limit), nil
}

func (a *Adapter) ListMessages(_ context.Context, sessionID, conversationID string, limit int) ([]channel.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, channel.InvalidInput("conversation id is required", nil)
	}
	sess, err := a.live(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.inbox.messages(conversationID, limit), nil
}

func (a *Adapter) Send(ctx context.Context, sessionID, recipientID string, reply channel.ReplyPayload) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	to, err := parseRecipient(recipientID)
	if err != nil {
		return err
	}
	sess, err := a.live(sessionID)
	if err != nil {
		return err
	}

	var id types.MessageID
	text := reply.Text
	if reply.Kind == channel.ReplyImage {
		data, mimeType, err := a.download(ctx, reply.ImageURL)
		if err != nil {
			return err
		}
		text = reply.Caption
		id, err = sess.client.SendImage(ctx, to, data, mimeType, reply.Caption)
		if err != nil {
			return err
		}
	} else {
		id, err = sess.client.SendText(ctx, to, reply.Text)
		if err != nil {
			return err
		}
	}
	self, _, _ := sess.client.Self()
	sess.inbox.add(channel.Message{
		ID:             string(id),
		ConversationID: to.String(),
		SenderID:       self.String(),
		RecipientID:    to.String(),
		Text:           text,
		FromSelf:       true,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

// MarkSeen sends read receipts for everything received from recipientID
// since the last call.
func (a *Adapter) MarkSeen(ctx context.Context, sessionID, recipientID string) error {
	chat, err := parseRecipient(recipientID)
	if err != nil {
		return err
	}
	sess, err := a.live(sessionID)
	if err != nil {
		return err
	}
	key := chat.String()
	ids := sess.inbox.takeUnread(key)
	if len(ids) == 0 {
		return nil
	}
	if err := sess.client.MarkRead(ctx, chat, ids); err != nil {
		sess.inbox.putUnread(key, ids)
		return err
	}
	return nil
}

// Disconnect logs the linked device out, best effort, and closes it.
func (a *Adapter) Disconnect(ctx context.Context, sessionID string) error {
	a.drop(ctx, sessionID, true)
	return nil
}

// Close disconnects every session and closes the device store.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = map[string]*session{}
	a.mu.Unlock()
	for _, sess := range sessions {
		if sess.stopQR != nil {
			sess.stopQR()
		}
		sess.client.Close()
	}
	if a.container != nil {
		return a.container.Close()
	}
	return nil
}

func (a *Adapter) handleEvent(sessionID string, evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		a.logger.Info("whatsapp device paired",
			slog.String("session_id", sessionID),
			slog.String("jid", v.ID.String()),
		)
		a.mu.RLock()
		confirm := a.confirm
		a.mu.RUnlock()
		if confirm != nil {
			go confirm(context.Background(), sessionID)
		}
	case *events.Connected:
		a.logger.Debug("whatsapp connected", slog.String("session_id", sessionID))
	case *events.Disconnected:
		a.logger.Warn("whatsapp disconnected", slog.String("session_id", sessionID))
	case *events.LoggedOut:
		a.logger.Warn("whatsapp logged out",
			slog.String("session_id", sessionID),
			slog.Any("reason", v.Reason),
		)
		a.mu.RLock()
		revoked := a.revoked
		a.mu.RUnlock()
		if revoked != nil {
			go revoked(context.Background(), sessionID, channel.AuthRevoked("whatsapp device logged out", nil))
		}
	case *events.Message:
		a.record(sessionID, v)
	}
}

// record buffers an incoming direct message. Group chats and status
// broadcasts are not conversations this bridge answers.
func (a *Adapter) record(sessionID string, evt *events.Message) {
	if evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer || evt.Message == nil {
		return
	}
	var text string
	var attachments []string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		text = evt.Message.GetImageMessage().GetCaption()
		attachments = append(attachments, "image:"+evt.Message.GetImageMessage().GetMimetype())
	}
	if text == "" && len(attachments) == 0 {
		return
	}
	sess, ok := a.get(sessionID)
	if !ok {
		return
	}
	chat := evt.Info.Chat.ToNonAD().String()
	msg := channel.Message{
		ID:             evt.Info.ID,
		ConversationID: chat,
		SenderID:       chat,
		SenderName:     evt.Info.PushName,
		Text:           text,
		Attachments:    attachments,
		FromSelf:       evt.Info.IsFromMe,
		CreatedAt:      evt.Info.Timestamp.UTC(),
	}
	if evt.Info.IsFromMe {
		msg.SenderID = evt.Info.Sender.ToNonAD().String()
		msg.RecipientID = chat
	}
	sess.inbox.add(msg)
}

func (a *Adapter) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	img, err := media.FetchImage(ctx, a.http, rawURL, maxImageBytes)
	switch {
	case err == nil:
		return img.Data, img.MIMEType, nil
	case errors.Is(err, media.ErrTooLarge):
		return nil, "", channel.InvalidInput("reply image is too large", err)
	case errors.Is(err, media.ErrNotImage), errors.Is(err, media.ErrUnavailable):
		return nil, "", channel.InvalidInput("reply image url is not a usable image", err)
	default:
		return nil, "", channel.Transient("download reply image", err)
	}
}

func (a *Adapter) put(sess *session) {
	a.mu.Lock()
	a.sessions[sess.id] = sess
	a.mu.Unlock()
}

func (a *Adapter) get(sessionID string) (*session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sess, ok := a.sessions[sessionID]
	return sess, ok
}

// live returns a session whose device is paired.
func (a *Adapter) live(sessionID string) (*session, error) {
	sess, ok := a.get(sessionID)
	if !ok {
		return nil, channel.AuthRevoked("no whatsapp device for session", nil)
	}
	if _, _, paired := sess.client.Self(); !paired {
		return nil, channel.AuthRevoked("whatsapp device is not paired", nil)
	}
	return sess, nil
}

// drop removes the session's client. With logout a paired device is also
// unlinked from the phone.
func (a *Adapter) drop(ctx context.Context, sessionID string, logout bool) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if sess.stopQR != nil {
		sess.stopQR()
	}
	if _, _, paired := sess.client.Self(); logout && paired {
		if err := sess.client.Logout(ctx); err != nil {
			a.logger.Warn("whatsapp logout failed",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		}
	}
	sess.client.Close()
}

func parseRecipient(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, channel.InvalidInput("recipient id is required", nil)
	}
	if !strings.Contains(raw, "@") {
		phone := normalizePhone(raw)
		if phone == "" {
			return types.EmptyJID, channel.InvalidInput("invalid whatsapp recipient", nil)
		}
		return types.NewJID(phone, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.EmptyJID, channel.InvalidInput("invalid whatsapp recipient", err)
	}
	return jid.ToNonAD(), nil
}

// normalizePhone keeps the digits of a phone number in international form.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
