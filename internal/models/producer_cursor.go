package models

import (
	"fmt"
	"time"
)

// ProducerCursor tracks ingest progress for one (account, mailbox).
// LastUID is the highest UID successfully appended under UIDValidity.
type ProducerCursor struct {
	LastUID     uint64
	UIDValidity uint64
	LastPollAt  time.Time
	TotalEmails uint64
}

const producerStatePrefix = "producer_state"

// CursorKeys lists the state store keys backing one cursor.
type CursorKeys struct {
	LastUID     string
	UIDValidity string
	LastPoll    string
	TotalEmails string
}

func KeysFor(account, mailbox string) CursorKeys {
	base := fmt.Sprintf("%s:%s:%s", producerStatePrefix, account, mailbox)
	return CursorKeys{
		LastUID:     base + ":last_uid",
		UIDValidity: base + ":uidvalidity",
		LastPoll:    base + ":last_poll",
		TotalEmails: base + ":total_emails",
	}
}

func (k CursorKeys) All() []string {
	return []string{k.LastUID, k.UIDValidity, k.LastPoll, k.TotalEmails}
}
