package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
	"github.com/mailriver/mailriver/internal/tracing"
	"github.com/mailriver/mailriver/services/auth"
)

const logoutTimeout = 5 * time.Second

// Session is one authenticated IMAP connection bound to an account.
// Folders are selected read-only and fetches use PEEK sections, so no
// message ever gains the \Seen flag.
type Session struct {
	cfg          *config.IMAPConfig
	authProvider interfaces.AuthProvider
	log          logger.Logger
	bodyTextMax  int
	bodyHTMLMax  int

	client  *client.Client
	mailbox string
}

func NewSession(cfg *config.IMAPConfig, producerCfg *config.ProducerConfig, authProvider interfaces.AuthProvider, log logger.Logger) interfaces.MailSession {
	return &Session{
		cfg:          cfg,
		authProvider: authProvider,
		log:          log,
		bodyTextMax:  producerCfg.BodyTextMaxBytes,
		bodyHTMLMax:  producerCfg.BodyHTMLMaxBytes,
	}
}

func (s *Session) Connect(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Session.Connect")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("server", s.cfg.Host)
	span.SetTag("port", s.cfg.Port)

	serverAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialer := &net.Dialer{
		Timeout:   s.cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{
		ServerName: s.cfg.Host,
	}

	c, err := client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	if err != nil {
		err = er.WithKind(er.KindImapTransport, fmt.Errorf("connect to %s: %w", serverAddr, err))
		tracing.TraceErr(span, err)
		return err
	}

	c.Timeout = s.cfg.ConnectTimeout
	caps, err := c.Capability()
	if err != nil {
		c.Logout()
		err = er.WithKind(er.KindImapTransport, fmt.Errorf("get capabilities: %w", err))
		tracing.TraceErr(span, err)
		return err
	}
	c.Timeout = 0

	s.log.Debugf("Server capabilities: %v", caps)
	s.client = c
	s.log.Infof("Connected to %s", serverAddr)
	return nil
}

func (s *Session) Authenticate(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Session.Authenticate")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, s.authProvider.Username())

	if s.client == nil {
		return er.Newf(er.KindImapTransport, "not connected")
	}

	initialResponse, err := s.authProvider.SASLXOAuth2(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	s.client.Timeout = s.cfg.ConnectTimeout
	err = s.client.Authenticate(auth.NewXOAuth2Client(initialResponse))
	s.client.Timeout = 0
	if err != nil {
		s.client.Logout()
		s.client = nil
		err = er.WithKind(er.KindImapAuth, fmt.Errorf("authenticate as %s: %w", s.authProvider.Username(), err))
		tracing.TraceErr(span, err)
		return err
	}

	s.log.Infof("Authenticated as %s", s.authProvider.Username())
	return nil
}

func (s *Session) SelectFolder(ctx context.Context, name string) (*interfaces.FolderStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Session.SelectFolder")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagMailbox(span, name)

	if s.client == nil {
		return nil, er.Newf(er.KindImapTransport, "not connected")
	}

	s.client.Timeout = s.cfg.CommandTimeout
	mbox, err := s.client.Select(name, true)
	s.client.Timeout = 0
	if err != nil {
		err = classifyImapErr(fmt.Errorf("select folder %s: %w", name, err))
		tracing.TraceErr(span, err)
		return nil, err
	}

	s.mailbox = name
	status := &interfaces.FolderStatus{
		UIDValidity: uint64(mbox.UidValidity),
		Exists:      mbox.Messages,
	}
	span.SetTag("uidvalidity", status.UIDValidity)
	span.SetTag("messages", status.Exists)
	s.log.Infof("Selected mailbox %q: UIDVALIDITY=%d, messages=%d", name, status.UIDValidity, status.Exists)
	return status, nil
}

func (s *Session) SearchUIDRange(ctx context.Context, sinceUIDExclusive uint64) ([]uint64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Session.SearchUIDRange")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagMailbox(span, s.mailbox)
	span.SetTag("since-uid", sinceUIDExclusive)

	if s.client == nil || s.mailbox == "" {
		return nil, er.Newf(er.KindImapProtocol, "no mailbox selected")
	}

	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(uint32(sinceUIDExclusive+1), 0)
	criteria.Uid = uidRange

	s.client.Timeout = s.cfg.CommandTimeout
	uids, err := s.client.UidSearch(criteria)
	s.client.Timeout = 0
	if err != nil {
		err = classifyImapErr(fmt.Errorf("search since UID %d: %w", sinceUIDExclusive, err))
		tracing.TraceErr(span, err)
		return nil, err
	}

	// Servers answer n:* with the highest-UID message when n exceeds
	// every UID in the folder, so the range result is re-filtered.
	result := make([]uint64, 0, len(uids))
	for _, uid := range uids {
		if uint64(uid) > sinceUIDExclusive {
			result = append(result, uint64(uid))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	span.SetTag("found", len(result))
	return result, nil
}

func (s *Session) Fetch(ctx context.Context, uid uint64) (*interfaces.FetchedMessage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Session.Fetch")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagMailbox(span, s.mailbox)
	span.SetTag("email-uid", uid)

	if s.client == nil || s.mailbox == "" {
		return nil, er.Newf(er.KindImapProtocol, "no mailbox selected")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	s.client.Timeout = s.cfg.CommandTimeout
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var fetched *imap.Message
	for msg := range messages {
		if fetched == nil {
			fetched = msg
		}
	}
	err := <-done
	s.client.Timeout = 0
	if err != nil {
		err = classifyImapErr(fmt.Errorf("fetch UID %d: %w", uid, err))
		tracing.TraceErr(span, err)
		return nil, err
	}
	if fetched == nil {
		return nil, er.Newf(er.KindImapProtocol, "UID %d not in fetch results", uid)
	}

	message := newMessageFromEnvelope(uint64(fetched.Uid), fetched.Envelope, fetched.InternalDate, fetched.Size)
	if literal := fetched.GetBody(section); literal != nil {
		if err := fillBody(message, literal, s.bodyTextMax, s.bodyHTMLMax); err != nil {
			s.log.Warnf("UID %d: message parse failed: %v", uid, err)
		}
	}
	if message.MessageID == "" {
		message.MessageID = fmt.Sprintf("uid-%d@local", uid)
	}
	if message.Date.IsZero() {
		message.Date = time.Now().UTC()
	}
	return message, nil
}

// Logout closes the connection, waiting at most logoutTimeout for the
// server goodbye.
func (s *Session) Logout() error {
	if s.client == nil {
		return nil
	}

	c := s.client
	s.client = nil
	s.mailbox = ""

	c.Timeout = logoutTimeout
	done := make(chan error, 1)
	go func() {
		done <- c.Logout()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warnf("Error during logout: %v", err)
			return err
		}
		s.log.Info("IMAP connection closed")
		return nil
	case <-time.After(logoutTimeout):
		s.log.Warn("Logout timed out")
		return nil
	}
}

// classifyImapErr separates connection loss from protocol failures.
func classifyImapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return er.WithKind(er.KindImapTransport, err)
	}
	return er.WithKind(er.KindImapProtocol, err)
}
