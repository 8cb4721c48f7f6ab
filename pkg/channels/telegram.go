package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/logger"
	"github.com/sipeed/oxibot/pkg/utils"
)

const (
	telegramMaxMessageLen  = 4096
	telegramMediaMaxBytes  = 20 * 1024 * 1024
	telegramTypingInterval = 4 * time.Second
	telegramTypingTimeout  = 120 * time.Second
)

// Transcriber transcribes a local audio file to text. A nil Transcriber
// disables the optional `transcribe` feature — audio/voice messages are then
// forwarded to the agent as a bare "[voice: path]" marker.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// TelegramChannel is the long-polling Telegram Bot API adapter (spec.md
// §4.8.a). /start, /help and /reset are handled locally and never reach the
// agent loop.
type TelegramChannel struct {
	BaseChannel

	cfg         config.TelegramConfig
	bot         *telego.Bot
	transcriber Transcriber

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	mu           sync.Mutex
	typingStop   map[string]chan struct{}
	resetHistory func(channel, chatID string)
}

// NewTelegramChannel constructs the adapter. resetHistory, when non-nil, is
// invoked for /reset so the session manager can clear history without this
// package importing pkg/session directly.
func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus, transcriber Transcriber, resetHistory func(channel, chatID string)) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel:  NewBaseChannel("telegram", msgBus, cfg.AllowedUsers),
		cfg:          cfg,
		transcriber:  transcriber,
		typingStop:   make(map[string]chan struct{}),
		resetHistory: resetHistory,
	}
}

// Start begins long polling. A missing bot token is treated as the channel
// simply being absent, not a hard failure (spec.md §4.7).
func (c *TelegramChannel) Start(ctx context.Context) error {
	if c.cfg.BotToken == "" {
		logger.WarnCF("telegram", "no bot token configured, channel disabled", nil)
		return nil
	}

	bot, err := telego.NewBot(c.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	logger.InfoCF("telegram", "bot connected", map[string]interface{}{"username": bot.Username()})

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits (bounded) for the poll goroutine to
// exit, so a subsequent restart doesn't race Telegram's single-getUpdates-
// lock-per-bot constraint.
func (c *TelegramChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			logger.WarnCF("telegram", "poll goroutine did not exit within timeout", nil)
		}
	}
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, msg *telego.Message) {
	chatID := msg.Chat.ID
	chatIDStr := strconv.FormatInt(chatID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID = senderID + "|" + msg.From.Username
	}

	text := strings.TrimSpace(msg.Text)
	switch text {
	case "/start":
		c.reply(ctx, chatID, "Hello! Send me a message and I'll get back to you.")
		return
	case "/help":
		c.reply(ctx, chatID, "Just send a message. Use /reset to clear conversation history.")
		return
	case "/reset":
		if c.resetHistory != nil {
			c.resetHistory("telegram", chatIDStr)
		}
		c.reply(ctx, chatID, "Conversation history cleared.")
		return
	}

	if !c.IsAllowed(senderID) {
		logger.WarnCF("telegram", "sender not allowed", map[string]interface{}{"sender": senderID})
		return
	}

	content := c.extractContent(ctx, msg)
	if content == "" {
		return
	}

	stopTyping := c.startTyping(ctx, chatID)
	defer stopTyping()

	if err := c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: senderID,
		ChatID:   chatIDStr,
		Content:  content,
		Metadata: map[string]string{"message_id": strconv.Itoa(msg.MessageID)},
	}); err != nil {
		logger.WarnCF("telegram", "failed to publish inbound message", map[string]interface{}{"error": err.Error()})
	}
}

// extractContent pulls text, plus one photo/voice/audio/document marker, out
// of an inbound message, downloading any media to the shared media
// directory first.
func (c *TelegramChannel) extractContent(ctx context.Context, msg *telego.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	} else if msg.Caption != "" {
		parts = append(parts, msg.Caption)
	}

	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		path, err := c.downloadFile(ctx, largest.FileID)
		if err != nil {
			logger.WarnCF("telegram", "photo download failed", map[string]interface{}{"error": err.Error()})
		} else {
			parts = append(parts, fmt.Sprintf("[image: %s]", path))
		}
	case msg.Voice != nil:
		path, err := c.downloadFile(ctx, msg.Voice.FileID)
		if err != nil {
			logger.WarnCF("telegram", "voice download failed", map[string]interface{}{"error": err.Error()})
		} else {
			parts = append(parts, c.describeAudio(ctx, path))
		}
	case msg.Audio != nil:
		path, err := c.downloadFile(ctx, msg.Audio.FileID)
		if err != nil {
			logger.WarnCF("telegram", "audio download failed", map[string]interface{}{"error": err.Error()})
		} else {
			parts = append(parts, c.describeAudio(ctx, path))
		}
	case msg.Document != nil:
		path, err := c.downloadFile(ctx, msg.Document.FileID)
		if err != nil {
			logger.WarnCF("telegram", "document download failed", map[string]interface{}{"error": err.Error()})
		} else {
			parts = append(parts, fmt.Sprintf("[document: %s]", path))
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func (c *TelegramChannel) describeAudio(ctx context.Context, path string) string {
	if c.cfg.Transcribe && c.transcriber != nil {
		text, err := c.transcriber.Transcribe(ctx, path)
		if err == nil && text != "" {
			return fmt.Sprintf("[voice: %s] [transcription: %s]", path, text)
		}
		logger.WarnCF("telegram", "transcription failed", map[string]interface{}{"error": err})
	}
	return fmt.Sprintf("[voice: %s]", path)
}

func (c *TelegramChannel) downloadFile(ctx context.Context, fileID string) (string, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > telegramMediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.BotToken, file.FilePath)
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
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	localPath := filepath.Join(mediaDir, utils.SafeFilename(fileID)+ext)

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	return localPath, nil
}

// startTyping sends an initial "typing" chat action and re-sends it every
// 4s (Telegram's indicator expires after 5s) until the returned stop
// function is called or 120s elapses. handleMessage calls stop as soon as
// the message is published to the bus, so the indicator does not stay up
// while the agent works on the reply; Send does not touch it.
func (c *TelegramChannel) startTyping(ctx context.Context, chatID int64) func() {
	stop := make(chan struct{})
	key := strconv.FormatInt(chatID, 10)
	c.mu.Lock()
	c.typingStop[key] = stop
	c.mu.Unlock()

	go func() {
		_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		ticker := time.NewTicker(telegramTypingInterval)
		defer ticker.Stop()
		timeout := time.NewTimer(telegramTypingTimeout)
		defer timeout.Stop()
		for {
			select {
			case <-stop:
				return
			case <-timeout.C:
				return
			case <-ticker.C:
				_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
			}
		}
	}()

	return func() {
		c.mu.Lock()
		delete(c.typingStop, key)
		c.mu.Unlock()
		close(stop)
	}
}

func (c *TelegramChannel) reply(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		logger.WarnCF("telegram", "failed to send local reply", map[string]interface{}{"error": err.Error()})
	}
}

// Send delivers an outbound message: markdown converted to Telegram HTML,
// falling back to plain text if the HTML send is rejected, chunked at
// Telegram's 4096-character limit.
func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	html := MarkdownToTelegramHTML(msg.Content)
	chunks := SplitMessage(html, telegramMaxMessageLen)

	for _, chunk := range chunks {
		params := tu.Message(tu.ID(chatID), chunk).WithParseMode(telego.ModeHTML)
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			logger.WarnCF("telegram", "HTML send failed, falling back to plain text", map[string]interface{}{"error": err.Error()})
			plainChunks := SplitMessage(msg.Content, telegramMaxMessageLen)
			for _, pc := range plainChunks {
				if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), pc)); err != nil {
					return fmt.Errorf("send plain text fallback: %w", err)
				}
			}
			return nil
		}
	}
	return nil
}
