package imapclient

import (
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/mailriver/mailriver/interfaces"
	"github.com/mailriver/mailriver/internal/utils"
)

// newMessageFromEnvelope seeds a message with the metadata the server
// reported. The raw body is filled in separately so a MIME parse failure
// still yields a usable record.
func newMessageFromEnvelope(uid uint64, envelope *imap.Envelope, internalDate time.Time, size uint32) *interfaces.FetchedMessage {
	message := &interfaces.FetchedMessage{
		UID:          uid,
		Size:         size,
		InternalDate: internalDate,
		Date:         internalDate,
		Headers:      make(map[string]string),
	}

	if envelope == nil {
		return message
	}

	message.Subject = envelope.Subject
	if !envelope.Date.IsZero() {
		message.Date = envelope.Date
	}
	if len(envelope.From) > 0 {
		message.From = envelope.From[0].Address()
	}
	for _, addr := range envelope.To {
		message.To = append(message.To, addr.Address())
	}
	message.MessageID = utils.NormalizeMessageID(envelope.MessageId)

	return message
}

// fillBody parses the raw RFC 822 body and fills headers and the bounded
// body parts. Fields the envelope already provided are kept.
func fillBody(message *interfaces.FetchedMessage, raw io.Reader, textMax, htmlMax int) error {
	env, err := enmime.ReadEnvelope(raw)
	if err != nil {
		return errors.Wrap(err, "parse mime message")
	}

	for _, key := range env.GetHeaderKeys() {
		message.Headers[key] = env.GetHeader(key)
	}

	if message.Subject == "" {
		message.Subject = env.GetHeader("Subject")
	}
	if message.MessageID == "" {
		message.MessageID = utils.NormalizeMessageID(env.GetHeader("Message-Id"))
	}
	if message.From == "" {
		message.From = env.GetHeader("From")
	}

	// enmime synthesizes Text from HTML-only messages with markdown
	// artifacts. Redo that conversion through goquery for cleaner output.
	text := env.Text
	if htmlDownconverted(env) && env.HTML != "" {
		if plain, err := htmlToPlainText(env.HTML); err == nil && plain != "" {
			text = plain
		}
	}
	message.BodyText = utils.TruncateUTF8(text, textMax)
	message.BodyHTML = utils.TruncateUTF8(env.HTML, htmlMax)

	return nil
}

func htmlDownconverted(env *enmime.Envelope) bool {
	for _, parseErr := range env.Errors {
		if parseErr.Name == enmime.ErrorPlainTextFromHTML {
			return true
		}
	}
	return false
}

// htmlToPlainText extracts readable text from an HTML-only message.
func htmlToPlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", errors.Wrap(err, "parse html")
	}

	doc.Find("script, style").Each(func(i int, el *goquery.Selection) {
		el.Remove()
	})

	text := doc.Find("body").Text()

	text = strings.TrimSpace(text)
	for strings.Contains(text, "\n\n") {
		text = strings.ReplaceAll(text, "\n\n", "\n")
	}

	return text, nil
}
