package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/memohai/dmbridge/internal/channel"
)

// messenger is the slice of a whatsmeow client the adapter drives.
type messenger interface {
	Self() (types.JID, string, bool)
	SendText(ctx context.Context, to types.JID, text string) (types.MessageID, error)
	SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) (types.MessageID, error)
	MarkRead(ctx context.Context, chat types.JID, ids []types.MessageID) error
	Logout(ctx context.Context) error
	Close()
}

type liveClient struct {
	cli *whatsmeow.Client
}

func (c *liveClient) Self() (types.JID, string, bool) {
	if c.cli.Store == nil || c.cli.Store.ID == nil {
		return types.EmptyJID, "", false
	}
	return c.cli.Store.ID.ToNonAD(), c.cli.Store.PushName, true
}

func (c *liveClient) SendText(ctx context.Context, to types.JID, text string) (types.MessageID, error) {
	resp, err := c.cli.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", classify("send whatsapp message", err)
	}
	return resp.ID, nil
}

func (c *liveClient) SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) (types.MessageID, error) {
	uploaded, err := c.cli.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return "", classify("upload whatsapp image", err)
	}
	img := &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
		Mimetype:      proto.String(mimeType),
	}
	if caption != "" {
		img.Caption = proto.String(caption)
	}
	resp, err := c.cli.SendMessage(ctx, to, &waE2E.Message{ImageMessage: img})
	if err != nil {
		return "", classify("send whatsapp image", err)
	}
	return resp.ID, nil
}

func (c *liveClient) MarkRead(ctx context.Context, chat types.JID, ids []types.MessageID) error {
	if err := c.cli.MarkRead(ctx, ids, time.Now(), chat, chat); err != nil {
		return classify("mark whatsapp messages read", err)
	}
	return nil
}

func (c *liveClient) Logout(ctx context.Context) error {
	return c.cli.Logout(ctx)
}

func (c *liveClient) Close() {
	c.cli.Disconnect()
}

// classify maps whatsmeow failures onto channel error codes.
func classify(msg string, err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return channel.AuthRevoked(msg, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return channel.Transient(msg, err)
	}
}

// slogLogger routes whatsmeow's internal logging into slog.
type slogLogger struct {
	logger *slog.Logger
}

func newWALogger(log *slog.Logger) waLog.Logger {
	return slogLogger{logger: log}
}

func (l slogLogger) Debugf(msg string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l slogLogger) Infof(msg string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l slogLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l slogLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{logger: l.logger.With(slog.String("module", module))}
}
