package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/utils"
)

const (
	discordMaxMessageLen     = 2000
	discordMaxAttachmentSize = 20 * 1024 * 1024
	discordMaxSendAttempts   = 3
)

// DiscordChannel wraps a discordgo.Session (spec.md §4.8.b). discordgo
// already implements the Gateway v10 HELLO/heartbeat/IDENTIFY/RESUME state
// machine internally, so this adapter only needs to register handlers and
// manage the session's lifecycle.
type DiscordChannel struct {
	BaseChannel

	cfg     config.DiscordConfig
	session *discordgo.Session
	botID   string
}

// NewDiscordChannel constructs the adapter.
func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", msgBus, cfg.AllowedUsers),
		cfg:         cfg,
	}
}

// Start opens the Gateway session. A missing bot token disables the
// channel rather than failing hard (spec.md §4.7).
func (c *DiscordChannel) Start(ctx context.Context) error {
	if c.cfg.BotToken == "" {
		logger.WarnCF("discord", "no bot token configured, channel disabled", nil)
		return nil
	}

	session, err := discordgo.New("Bot " + c.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.session = session

	if me, err := session.User("@me"); err == nil {
		c.botID = me.ID
	} else {
		logger.WarnCF("discord", "failed to resolve bot identity", map[string]interface{}{"error": err.Error()})
	}

	c.SetRunning(true)
	logger.InfoCF("discord", "gateway connected", nil)
	return nil
}

// Stop closes the Gateway session.
func (c *DiscordChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *DiscordChannel) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botID {
		return
	}

	if !c.IsAllowed(m.Author.ID) {
		logger.WarnCF("discord", "sender not allowed", map[string]interface{}{"sender": m.Author.ID})
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if att.Size > discordMaxAttachmentSize {
			content += fmt.Sprintf("\n[attachment: %s — too large]", att.Filename)
			continue
		}
		path, err := c.downloadAttachment(att.URL, att.ID, att.Filename)
		if err != nil {
			logger.WarnCF("discord", "attachment download failed", map[string]interface{}{"error": err.Error()})
			content += fmt.Sprintf("\n[attachment: %s — download failed]", att.Filename)
			continue
		}
		content += fmt.Sprintf("\n[attachment: %s]", path)
	}
	content = trimLeadingNewline(content)
	if content == "" {
		return
	}

	if err := c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "discord",
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  content,
		Metadata: map[string]string{"message_id": m.ID},
	}); err != nil {
		logger.WarnCF("discord", "failed to publish inbound message", map[string]interface{}{"error": err.Error()})
	}
}

func trimLeadingNewline(s string) string {
	for len(s) > 0 && s[0] == '\n' {
		s = s[1:]
	}
	return s
}

func (c *DiscordChannel) downloadAttachment(url, attID, filename string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	mediaDir := utils.MediaPath()
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	localPath := filepath.Join(mediaDir, attID+"_"+utils.SafeFilename(filename))

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(resp.Body, discordMaxAttachmentSize+1)); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return localPath, nil
}

// Send delivers an outbound message, replying to ReplyTo on the first chunk
// only, chunking at Discord's 2000-char limit, respecting 429 retry-after,
// and retrying other failures up to discordMaxSendAttempts times.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chunks := SplitMessage(msg.Content, discordMaxMessageLen)

	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}

		var lastErr error
		for attempt := 1; attempt <= discordMaxSendAttempts; attempt++ {
			_, err := c.session.ChannelMessageSendComplex(msg.ChatID, send)
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			if rerr, ok := err.(*discordgo.RESTError); ok && rerr.Response != nil && rerr.Response.StatusCode == http.StatusTooManyRequests {
				retryAfter := 1 * time.Second
				var rl struct {
					RetryAfter float64 `json:"retry_after"`
				}
				if json.Unmarshal(rerr.ResponseBody, &rl) == nil && rl.RetryAfter > 0 {
					retryAfter = time.Duration(rl.RetryAfter * float64(time.Second))
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retryAfter):
				}
				continue
			}
			if attempt < discordMaxSendAttempts {
				time.Sleep(time.Duration(attempt) * time.Second)
			}
		}
		if lastErr != nil {
			return fmt.Errorf("send discord message after %d attempts: %w", discordMaxSendAttempts, lastErr)
		}
	}
	return nil
}
