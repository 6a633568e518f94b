package session

import (
	"github.com/gotd/td/tg"
)

// messagesFromResult flattens the message list of any messages.getMessages
// or channels.getMessages response.
func messagesFromResult(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

// firstMessage returns the first real message in the list. Missing ids come
// back as messageEmpty and are skipped.
func firstMessage(msgs []tg.MessageClass) (*tg.Message, bool) {
	for _, m := range msgs {
		if msg, ok := m.(*tg.Message); ok {
			return msg, true
		}
	}
	return nil, false
}

// documentFromMessage extracts the attached document, if any.
func documentFromMessage(msg *tg.Message) (*Document, bool) {
	if msg == nil || msg.Media == nil {
		return nil, false
	}
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok || media.Document == nil {
		return nil, false
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok {
		return nil, false
	}

	return &Document{
		ID:       doc.ID,
		FileName: documentFileName(doc.Attributes),
		MIMEType: doc.MimeType,
		Size:     doc.Size,
		location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
	}, true
}

func documentFileName(attrs []tg.DocumentAttributeClass) string {
	for _, attr := range attrs {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return fn.FileName
		}
	}
	return ""
}

func toMessage(msg *tg.Message) *Message {
	out := &Message{ID: msg.ID}
	if doc, ok := documentFromMessage(msg); ok {
		out.Document = doc
	}
	return out
}

// inputChannel returns the channel form of a peer, for channel-scoped calls.
func inputChannel(peer tg.InputPeerClass) (*tg.InputChannel, bool) {
	p, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}, true
}
