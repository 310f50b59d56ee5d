// Package imap is a reference Mail adapter backed by a single IMAP/SMTP
// account. It is not wired into the application root by default; cmd
// entrypoints that want real mail delivery construct it and pass it in
// through app.Ports.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"halcyon/internal/domain"
	"halcyon/internal/ports"
)

// Config describes the IMAP and SMTP endpoints for a single shared
// mailbox. The adapter does not support per-principal mailboxes; principal
// arguments are accepted for port-interface compatibility and ignored.
type Config struct {
	IMAPHost string
	IMAPPort int
	IMAPTLS  bool

	SMTPHost     string
	SMTPPort     int
	SMTPStartTLS bool

	Username string
	Password string
	From     string
}

// Adapter implements ports.Mail over a single IMAP connection (for reading)
// and ephemeral SMTP connections (for sending). All public methods are
// goroutine-safe.
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	client *imapclient.Client

	draftsMu sync.Mutex
	drafts   map[string]pendingDraft
}

var _ ports.Mail = (*Adapter)(nil)

type pendingDraft struct {
	to, subject, body string
	mime               []byte
}

// New returns an Adapter. The IMAP connection is established lazily on
// first use.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, drafts: make(map[string]pendingDraft)}
}

func (a *Adapter) ensureConnected(ctx context.Context) error {
	if a.client != nil {
		if err := a.client.Noop().Wait(); err == nil {
			return nil
		}
	}
	addr := net.JoinHostPort(a.cfg.IMAPHost, fmt.Sprintf("%d", a.cfg.IMAPPort))

	var opts imapclient.Options
	if a.cfg.IMAPTLS {
		opts.TLSConfig = &tls.Config{ServerName: a.cfg.IMAPHost}
	}

	var client *imapclient.Client
	var err error
	if a.cfg.IMAPTLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := client.Login(a.cfg.Username, a.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("IMAP login: %w", err)
	}
	a.client = client
	return nil
}

// ListRecent returns the most recent messages in INBOX, newest-first.
func (a *Adapter) ListRecent(ctx context.Context, principal domain.UserID, count int) ([]ports.MailMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("imap: %w", err)
	}
	if _, err := a.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	searchData, err := a.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}
	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}
	if count <= 0 {
		count = 20
	}
	start := 0
	if len(allUIDs) > count {
		start = len(allUIDs) - count
	}
	recent := allUIDs[start:]

	uidSet := imapv2.UIDSet{}
	for _, uid := range recent {
		uidSet.AddNum(uid)
	}

	fetchCmd := a.client.Fetch(uidSet, &imapv2.FetchOptions{UID: true, Envelope: true})
	var out []ports.MailMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		m, err := parseEnvelope(msg)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parseEnvelope(msg *imapclient.FetchMessageData) (ports.MailMessage, error) {
	var m ports.MailMessage
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			m.ID = fmt.Sprintf("%d", data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				m.Subject = data.Envelope.Subject
				m.Date = data.Envelope.Date
				if len(data.Envelope.From) > 0 {
					m.From = data.Envelope.From[0].Addr()
				}
			}
		}
	}
	if m.ID == "" {
		return m, fmt.Errorf("message missing UID")
	}
	return m, nil
}

// Draft composes an RFC 5322 message and holds it in memory pending Send.
// The returned Draft.ID is an opaque handle valid only for the lifetime of
// this Adapter.
func (a *Adapter) Draft(ctx context.Context, principal domain.UserID, to, subject, body string) (ports.Draft, error) {
	msg, err := composeMessage(a.cfg.From, to, subject, body)
	if err != nil {
		return ports.Draft{}, fmt.Errorf("compose draft: %w", err)
	}
	id := uuid.NewString()
	a.draftsMu.Lock()
	a.drafts[id] = pendingDraft{to: to, subject: subject, body: body, mime: msg}
	a.draftsMu.Unlock()
	return ports.Draft{ID: id, To: to, Subject: subject, Body: body}, nil
}

// Send delivers a previously drafted message over SMTP and discards it.
func (a *Adapter) Send(ctx context.Context, principal domain.UserID, draftID string) error {
	a.draftsMu.Lock()
	d, ok := a.drafts[draftID]
	if ok {
		delete(a.drafts, draftID)
	}
	a.draftsMu.Unlock()
	if !ok {
		return fmt.Errorf("imap: unknown draft %s", draftID)
	}
	if err := sendMail(ctx, a.cfg, a.cfg.From, []string{d.to}, d.mime); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func composeMessage(from, to, subject, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", to, err)
	}
	h.SetAddressList("To", []*mail.Address{toAddr})

	var ih mail.InlineHeader
	ih.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := mail.CreateSingleInlineWriter(&buf, h, ih)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func sendMail(ctx context.Context, cfg Config, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.SMTPHost, fmt.Sprintf("%d", cfg.SMTPPort))

	dialTimeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	var err error
	if !cfg.SMTPStartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.SMTPHost}
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if dialErr != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client: %w", err)
		}
	} else {
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client: %w", err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.SMTPStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}
	return client.Quit()
}

// Close logs out and closes the IMAP connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}
