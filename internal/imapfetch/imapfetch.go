// Package imapfetch pulls mail over IMAP for providers without a push API.
// It knows the folder layout quirks of gmail and qq and falls back to
// generic settings for everything else.
package imapfetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// fetchChunkSize bounds how many UIDs one FETCH asks for.
const fetchChunkSize = 50

// Account carries the connection settings for one IMAP mailbox.
type Account struct {
	Email    string
	Password string
	Server   string
	Port     int
	UseSSL   bool
	MailType string
}

// Addr returns host:port, applying provider defaults when the account has
// no explicit server.
func (a Account) Addr() string {
	server := a.Server
	if server == "" {
		server = DefaultServer(a.MailType)
	}
	port := a.Port
	if port == 0 {
		port = 993
	}
	return net.JoinHostPort(server, fmt.Sprintf("%d", port))
}

// DefaultServer returns the well-known IMAP host for a provider.
func DefaultServer(mailType string) string {
	switch mailType {
	case "gmail":
		return "imap.gmail.com"
	case "qq":
		return "imap.qq.com"
	default:
		return ""
	}
}

// JunkFolder returns the provider's spam folder name.
func JunkFolder(mailType string) string {
	if mailType == "gmail" {
		return "[Gmail]/Spam"
	}
	return "Junk"
}

// Message is one fetched mail with its attachments decoded.
type Message struct {
	Subject        string
	Sender         string
	ReceivedTime   time.Time
	Body           string
	Folder         string
	HasAttachments bool
	Attachments    []Attachment
}

// Attachment is a decoded attachment body.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Fetcher connects to IMAP servers and pulls recent mail. The zero timeout
// means 30 seconds.
type Fetcher struct {
	DialTimeout time.Duration

	// dial overrides the connection step in tests.
	dial func(addr string, useSSL bool, timeout time.Duration) (*client.Client, error)
}

// New creates a Fetcher with the given dial timeout.
func New(timeout time.Duration) *Fetcher {
	return &Fetcher{DialTimeout: timeout}
}

func (f *Fetcher) connect(addr string, useSSL bool) (*client.Client, error) {
	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if f.dial != nil {
		return f.dial(addr, useSSL, timeout)
	}
	dialer := &net.Dialer{Timeout: timeout}
	if useSSL {
		return client.DialWithDialerTLS(dialer, addr, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return client.DialWithDialer(dialer, addr)
}

// Fetch logs in and returns messages received since the cutoff from the
// inbox and the provider's junk folder, newest first per folder. A missing
// junk folder is skipped, not an error.
func (f *Fetcher) Fetch(ctx context.Context, acct Account, since time.Time) ([]Message, error) {
	c, err := f.connect(acct.Addr(), acct.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", acct.Addr(), err)
	}
	defer c.Logout()

	if err := c.Login(acct.Email, acct.Password); err != nil {
		return nil, fmt.Errorf("imap login %s: %w", acct.Email, err)
	}

	var all []Message
	for _, folder := range []string{"INBOX", JunkFolder(acct.MailType)} {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		msgs, err := f.fetchFolder(c, folder, since)
		if err != nil {
			if folder != "INBOX" {
				log.Printf("[IMAPFetcher] %s: folder %s unavailable: %v", acct.Email, folder, err)
				continue
			}
			return all, err
		}
		all = append(all, msgs...)
	}
	return all, nil
}

func (f *Fetcher) fetchFolder(c *client.Client, folder string, since time.Time) ([]Message, error) {
	if _, err := c.Select(folder, true); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	var out []Message
	for start := 0; start < len(uids); start += fetchChunkSize {
		end := start + fetchChunkSize
		if end > len(uids) {
			end = len(uids)
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uids[start:end]...)

		ch := make(chan *imap.Message, fetchChunkSize)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqset, items, ch)
		}()

		for raw := range ch {
			msg, err := decodeMessage(raw, section, folder)
			if err != nil {
				log.Printf("[IMAPFetcher] skipping undecodable message in %s: %v", folder, err)
				continue
			}
			out = append(out, *msg)
		}
		if err := <-done; err != nil {
			return out, fmt.Errorf("fetch %s: %w", folder, err)
		}
	}
	return out, nil
}

func decodeMessage(raw *imap.Message, section *imap.BodySectionName, folder string) (*Message, error) {
	msg := &Message{Folder: folder}

	if env := raw.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.ReceivedTime = env.Date.UTC()
		if len(env.From) > 0 {
			msg.Sender = formatAddress(env.From[0])
		}
	}
	if msg.ReceivedTime.IsZero() {
		msg.ReceivedTime = raw.InternalDate.UTC()
	}

	body := raw.GetBody(section)
	if body == nil {
		return msg, nil
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ctype, "text/html") {
				html = string(data)
			} else if strings.HasPrefix(ctype, "text/") && plain == "" {
				plain = string(data)
			}
		case *mail.AttachmentHeader:
			msg.HasAttachments = true
			filename, _ := h.Filename()
			ctype, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ctype,
				Content:     data,
			})
		}
	}

	// The plain part wins when both exist; HTML is the fallback.
	if plain != "" {
		msg.Body = plain
	} else {
		msg.Body = html
	}
	return msg, nil
}

func formatAddress(a *imap.Address) string {
	addr := a.MailboxName + "@" + a.HostName
	if a.PersonalName != "" && a.PersonalName != addr {
		return fmt.Sprintf("%s <%s>", a.PersonalName, addr)
	}
	return addr
}
