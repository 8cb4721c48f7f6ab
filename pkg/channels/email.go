package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	emailmime "github.com/emersion/go-message/mail"
	gomail "github.com/wneessen/go-mail"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/logger"
)

const (
	emailMinPollInterval     = 5 * time.Second
	emailDefaultMaxBodyChars = 12000
	emailDefaultSubjectPfx   = "Re: "
	emailMaxTrackedUIDs      = 100_000
)

// EmailChannel polls an IMAP mailbox for unseen messages and sends replies
// over SMTP (spec.md §4.8.e). A fresh IMAP connection is opened per poll
// cycle — no persistent IDLE connection — matching the simpler
// poll-and-disconnect shape of the reference implementation.
type EmailChannel struct {
	BaseChannel

	cfg config.EmailConfig

	mu            sync.Mutex
	seenUIDs      map[imap.UID]bool
	lastSubject   map[string]string
	lastMessageID map[string]string

	cancel context.CancelFunc
}

// NewEmailChannel constructs the adapter.
func NewEmailChannel(cfg config.EmailConfig, msgBus *bus.MessageBus) *EmailChannel {
	return &EmailChannel{
		BaseChannel:   NewBaseChannel("email", msgBus, cfg.AllowedUsers),
		cfg:           cfg,
		seenUIDs:      make(map[imap.UID]bool),
		lastSubject:   make(map[string]string),
		lastMessageID: make(map[string]string),
	}
}

// Start launches the poll loop. A missing IMAP host/username disables the
// channel rather than failing hard (spec.md §4.7).
func (c *EmailChannel) Start(ctx context.Context) error {
	if c.cfg.ImapHost == "" || c.cfg.ImapUsername == "" {
		logger.WarnCF("email", "imap host/username not configured, channel disabled", nil)
		return nil
	}

	interval := time.Duration(c.cfg.PollIntervalSecs) * time.Second
	if interval < emailMinPollInterval {
		interval = emailMinPollInterval
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetRunning(true)

	go func() {
		c.pollOnce(runCtx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.pollOnce(runCtx)
			}
		}
	}()

	return nil
}

// Stop halts the poll loop.
func (c *EmailChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *EmailChannel) pollOnce(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", c.cfg.ImapHost, c.cfg.ImapPort)

	var client *imapclient.Client
	var err error
	if c.cfg.ImapUseSSL {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		logger.WarnCF("email", "imap connect failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer client.Close()

	if err := client.Login(c.cfg.ImapUsername, c.cfg.ImapPassword).Wait(); err != nil {
		logger.WarnCF("email", "imap login failed", map[string]interface{}{"error": err.Error()})
		return
	}

	mailbox := c.cfg.ImapMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		logger.WarnCF("email", "imap select failed", map[string]interface{}{"mailbox": mailbox, "error": err.Error()})
		return
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		logger.WarnCF("email", "imap search failed", map[string]interface{}{"error": err.Error()})
		return
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		_ = client.Logout().Wait()
		return
	}

	uidSet := imap.UIDSetNum(uids...)
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	messages, err := client.UIDFetch(uidSet, fetchOptions).Collect()
	if err != nil {
		logger.WarnCF("email", "imap fetch failed", map[string]interface{}{"error": err.Error()})
		return
	}

	var seenNow []imap.UID
	for _, msg := range messages {
		if c.alreadySeen(msg.UID) {
			continue
		}
		var raw []byte
		for _, section := range msg.BodySection {
			raw = section.Literal
			break
		}
		if raw == nil {
			continue
		}

		parsed, ok := parseEmail(raw)
		if !ok {
			continue
		}
		if !c.IsAllowed(parsed.sender) {
			logger.WarnCF("email", "sender not allowed", map[string]interface{}{"sender": parsed.sender})
			c.markSeen(msg.UID)
			seenNow = append(seenNow, msg.UID)
			continue
		}

		maxChars := c.cfg.MaxBodyChars
		if maxChars <= 0 {
			maxChars = emailDefaultMaxBodyChars
		}
		body := parsed.body
		if len(body) > maxChars {
			body = body[:maxChars]
		}

		content := fmt.Sprintf("Email received.\nFrom: %s\nSubject: %s\nDate: %s\n\n%s",
			parsed.sender, parsed.subject, parsed.date, body)

		c.mu.Lock()
		c.lastSubject[parsed.sender] = parsed.subject
		c.lastMessageID[parsed.sender] = parsed.messageID
		c.mu.Unlock()

		if err := c.Bus().PublishInbound(bus.InboundMessage{
			Channel:  "email",
			SenderID: parsed.sender,
			ChatID:   parsed.sender,
			Content:  content,
		}); err != nil {
			logger.WarnCF("email", "failed to publish inbound message", map[string]interface{}{"error": err.Error()})
		}

		c.markSeen(msg.UID)
		seenNow = append(seenNow, msg.UID)
	}

	if c.cfg.MarkSeen && len(seenNow) > 0 {
		storeSet := imap.UIDSetNum(seenNow...)
		storeFlags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen}}
		if _, err := client.UIDStore(storeSet, storeFlags, nil).Collect(); err != nil {
			logger.WarnCF("email", "imap store \\Seen failed", map[string]interface{}{"error": err.Error()})
		}
	}

	_ = client.Logout().Wait()
}

func (c *EmailChannel) alreadySeen(uid imap.UID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenUIDs[uid]
}

func (c *EmailChannel) markSeen(uid imap.UID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seenUIDs) >= emailMaxTrackedUIDs {
		c.seenUIDs = make(map[imap.UID]bool)
	}
	c.seenUIDs[uid] = true
}

type parsedEmail struct {
	sender    string
	subject   string
	date      string
	messageID string
	body      string
}

var reHTMLTag = regexp.MustCompile(`(?s)<[^>]*>`)

// parseEmail extracts sender/subject/date/body from a raw RFC822 message,
// preferring the text/plain part and falling back to a tag-stripped
// text/html part.
func parseEmail(raw []byte) (parsedEmail, bool) {
	mr, err := emailmime.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return parsedEmail{}, false
	}

	header := mr.Header
	subject, _ := header.Subject()
	date, _ := header.Date()
	messageID, _ := header.MessageID()

	sender := ""
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		sender = strings.ToLower(addrs[0].Address)
	}

	var plainBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *emailmime.InlineHeader:
			contentType, _, _ := h.ContentType()
			data, _ := io.ReadAll(part.Body)
			switch contentType {
			case "text/plain":
				if plainBody == "" {
					plainBody = string(data)
				}
			case "text/html":
				if htmlBody == "" {
					htmlBody = string(data)
				}
			}
		}
	}

	body := plainBody
	if body == "" && htmlBody != "" {
		body = reHTMLTag.ReplaceAllString(htmlBody, "")
	}

	return parsedEmail{
		sender:    sender,
		subject:   subject,
		date:      date.Format(time.RFC1123Z),
		messageID: messageID,
		body:      strings.TrimSpace(body),
	}, true
}

// Send delivers an outbound message over SMTP. Missing host or recipient is
// a hard failure — everything else (auth, dial errors) is also returned to
// the caller, which logs it; the message is not sent again.
func (c *EmailChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if c.cfg.SmtpHost == "" {
		return fmt.Errorf("email: smtp host not configured")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("email: missing recipient")
	}

	from := c.cfg.FromAddress
	if from == "" {
		from = c.cfg.SmtpUsername
	}
	if from == "" {
		from = c.cfg.ImapUsername
	}

	subject := msg.Metadata["subject"]
	if subject == "" {
		prefix := c.cfg.SubjectPrefix
		if prefix == "" {
			prefix = emailDefaultSubjectPfx
		}
		c.mu.Lock()
		lastSubject := c.lastSubject[msg.ChatID]
		c.mu.Unlock()
		if strings.HasPrefix(lastSubject, prefix) {
			subject = lastSubject
		} else {
			subject = prefix + lastSubject
		}
	}

	m := gomail.NewMsg()
	if err := m.From(from); err != nil {
		return fmt.Errorf("email: invalid from address: %w", err)
	}
	if err := m.To(msg.ChatID); err != nil {
		return fmt.Errorf("email: invalid recipient: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Content)

	opts := []gomail.Option{gomail.WithPort(c.cfg.SmtpPort)}
	if c.cfg.SmtpUsername != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(c.cfg.SmtpUsername),
			gomail.WithPassword(c.cfg.SmtpPassword),
		)
	}
	switch {
	case c.cfg.SmtpUseSSL:
		opts = append(opts, gomail.WithSSL())
	case c.cfg.SmtpUseTLS:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}

	client, err := gomail.NewClient(c.cfg.SmtpHost, opts...)
	if err != nil {
		return fmt.Errorf("email: create smtp client: %w", err)
	}

	if err := client.DialAndSend(m); err != nil {
		return fmt.Errorf("email: send failed: %w", err)
	}
	return nil
}
