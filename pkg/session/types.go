package session

import (
	"fmt"

	"github.com/gotd/td/tg"
)

// Entity is a resolved chat the session can address.
type Entity struct {
	ChatID int64
	Peer   tg.InputPeerClass
}

func (e Entity) String() string {
	return fmt.Sprintf("entity(%d)", e.ChatID)
}

// Message is the subset of a fetched message the relay needs.
type Message struct {
	ID       int
	Document *Document
}

// Document is a file attached to a message.
type Document struct {
	ID       int64
	FileName string
	MIMEType string
	Size     int64

	location tg.InputFileLocationClass
}

// Location returns the file location used to download the document.
func (d *Document) Location() tg.InputFileLocationClass {
	return d.location
}
