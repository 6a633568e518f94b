package session

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/docrelay/pkg/config"
)

func documentMessage(id int, docID int64, name string) *tg.Message {
	return &tg.Message{
		ID: id,
		Media: &tg.MessageMediaDocument{
			Document: &tg.Document{
				ID:            docID,
				AccessHash:    99,
				FileReference: []byte{1, 2, 3},
				MimeType:      "application/pdf",
				Size:          2048,
				Attributes: []tg.DocumentAttributeClass{
					&tg.DocumentAttributeFilename{FileName: name},
				},
			},
		},
	}
}

func TestMessagesFromResult(t *testing.T) {
	msg := documentMessage(5, 42, "invoice.pdf")

	require.Len(t, messagesFromResult(&tg.MessagesMessages{Messages: []tg.MessageClass{msg}}), 1)
	require.Len(t, messagesFromResult(&tg.MessagesMessagesSlice{Messages: []tg.MessageClass{msg}}), 1)
	require.Len(t, messagesFromResult(&tg.MessagesChannelMessages{Messages: []tg.MessageClass{msg}}), 1)
	require.Empty(t, messagesFromResult(&tg.MessagesMessagesNotModified{}))
}

func TestFirstMessageSkipsEmpty(t *testing.T) {
	_, ok := firstMessage([]tg.MessageClass{&tg.MessageEmpty{ID: 5}})
	require.False(t, ok)

	got, ok := firstMessage([]tg.MessageClass{&tg.MessageEmpty{ID: 4}, documentMessage(5, 42, "a.pdf")})
	require.True(t, ok)
	require.Equal(t, 5, got.ID)
}

func TestToMessageExtractsDocument(t *testing.T) {
	m := toMessage(documentMessage(5, 42, "invoice.pdf"))
	require.Equal(t, 5, m.ID)
	require.NotNil(t, m.Document)
	require.Equal(t, int64(42), m.Document.ID)
	require.Equal(t, "invoice.pdf", m.Document.FileName)
	require.Equal(t, "application/pdf", m.Document.MIMEType)
	require.Equal(t, int64(2048), m.Document.Size)

	loc, ok := m.Document.Location().(*tg.InputDocumentFileLocation)
	require.True(t, ok)
	require.Equal(t, int64(42), loc.ID)
	require.Equal(t, int64(99), loc.AccessHash)
	require.Equal(t, []byte{1, 2, 3}, loc.FileReference)
}

func TestToMessageWithoutDocument(t *testing.T) {
	require.Nil(t, toMessage(&tg.Message{ID: 1, Message: "hello"}).Document)
	require.Nil(t, toMessage(&tg.Message{ID: 2, Media: &tg.MessageMediaPhoto{}}).Document)
	require.Nil(t, toMessage(&tg.Message{ID: 3, Media: &tg.MessageMediaDocument{}}).Document)
}

func TestDocumentFileNameMissing(t *testing.T) {
	require.Equal(t, "", documentFileName([]tg.DocumentAttributeClass{
		&tg.DocumentAttributeImageSize{W: 10, H: 10},
	}))
}

func TestInputChannel(t *testing.T) {
	ch, ok := inputChannel(&tg.InputPeerChannel{ChannelID: 7, AccessHash: 8})
	require.True(t, ok)
	require.Equal(t, int64(7), ch.ChannelID)
	require.Equal(t, int64(8), ch.AccessHash)

	_, ok = inputChannel(&tg.InputPeerChat{ChatID: 7})
	require.False(t, ok)
}

func TestNewManagerRejectsBadSession(t *testing.T) {
	_, err := NewManager(context.Background(), config.BackendConfig{
		AppID:   1,
		AppHash: "hash",
		Session: "not-a-session",
	})
	require.Error(t, err)

	_, err = NewManager(context.Background(), config.BackendConfig{Session: "x"})
	require.Error(t, err)
}

func TestManagerCallsBeforeStart(t *testing.T) {
	m := &Manager{done: make(chan struct{})}
	_, err := m.ResolveEntity(context.Background(), -100123)
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = m.FetchMessage(context.Background(), Entity{}, 1)
	require.ErrorIs(t, err, ErrNotStarted)
}
