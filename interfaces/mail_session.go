package interfaces

import (
	"context"
	"time"
)

// FolderStatus is the server view of a selected folder.
type FolderStatus struct {
	UIDValidity uint64
	Exists      uint32
}

// FetchedMessage is the parsed form of one email, body parts already
// decoded and bounded.
type FetchedMessage struct {
	UID          uint64
	Subject      string
	From         string
	To           []string
	Date         time.Time
	MessageID    string
	Size         uint32
	Headers      map[string]string
	BodyText     string
	BodyHTML     string
	InternalDate time.Time
}

// MailSession is one authenticated IMAP connection. Fetches never set
// the \Seen flag.
type MailSession interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	SelectFolder(ctx context.Context, name string) (*FolderStatus, error)
	SearchUIDRange(ctx context.Context, sinceUIDExclusive uint64) ([]uint64, error)
	Fetch(ctx context.Context, uid uint64) (*FetchedMessage, error)
	Logout() error
}
