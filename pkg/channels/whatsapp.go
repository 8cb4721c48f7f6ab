package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/logger"
)

const (
	whatsappDefaultBridgeURL = "ws://localhost:3001"
	whatsappReconnectDelay   = 5 * time.Second
)

// WhatsAppChannel is a WebSocket client to a local Baileys-style bridge
// process (spec.md §4.8.d). The bridge speaks the WhatsApp Web protocol; we
// only exchange small JSON envelopes with it.
type WhatsAppChannel struct {
	BaseChannel

	bridgeURL string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
}

// NewWhatsAppChannel constructs the adapter.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) *WhatsAppChannel {
	url := cfg.BridgeURL
	if url == "" {
		url = whatsappDefaultBridgeURL
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", msgBus, cfg.AllowedUsers),
		bridgeURL:   url,
	}
}

// Start launches the reconnecting bridge-session loop in the background.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetRunning(true)
	go c.runLoop(runCtx)
	return nil
}

// Stop tears down the active connection and halts reconnect attempts.
func (c *WhatsAppChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	return nil
}

func (c *WhatsAppChannel) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.session(ctx); err != nil {
			logger.WarnCF("whatsapp", "bridge session error, reconnecting", map[string]interface{}{"error": err.Error()})
		}
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(whatsappReconnectDelay):
		}
	}
}

func (c *WhatsAppChannel) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	logger.InfoCF("whatsapp", "connected to bridge", nil)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()
	defer func() {
		<-done
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleBridgeMessage(data)
	}
}

func (c *WhatsAppChannel) handleBridgeMessage(raw []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.WarnCF("whatsapp", "malformed bridge message", map[string]interface{}{"error": err.Error()})
		return
	}

	msgType, _ := payload["type"].(string)
	switch msgType {
	case "message":
		c.handleIncomingMessage(payload)
	case "status":
		status, _ := payload["status"].(string)
		c.mu.Lock()
		was := c.connected
		now := status == "connected"
		c.connected = now
		c.mu.Unlock()
		if now && !was {
			logger.InfoCF("whatsapp", "bridge reports connected to WhatsApp", nil)
		} else if !now && was {
			logger.WarnCF("whatsapp", "bridge reports disconnected", map[string]interface{}{"status": status})
		}
	case "qr":
		logger.InfoCF("whatsapp", "scan QR code in the bridge to authenticate", nil)
	case "sent":
		logger.DebugCF("whatsapp", "send confirmation", map[string]interface{}{"to": payload["to"]})
	case "error":
		logger.ErrorCF("whatsapp", "bridge reported an error", map[string]interface{}{"error": payload["error"]})
	}
}

func (c *WhatsAppChannel) handleIncomingMessage(payload map[string]interface{}) {
	rawSender, _ := payload["pn"].(string)
	if rawSender == "" {
		rawSender, _ = payload["sender"].(string)
	}
	if rawSender == "" {
		return
	}
	senderID := rawSender
	if idx := strings.IndexByte(rawSender, '@'); idx >= 0 {
		senderID = rawSender[:idx]
	}

	chatID, _ := payload["sender"].(string)
	if chatID == "" {
		chatID = rawSender
	}

	if !c.IsAllowed(senderID) {
		logger.WarnCF("whatsapp", "sender not allowed", map[string]interface{}{"sender": senderID})
		return
	}

	content, _ := payload["content"].(string)
	if content == "" {
		return
	}

	if err := c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "whatsapp",
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
	}); err != nil {
		logger.WarnCF("whatsapp", "failed to publish inbound message", map[string]interface{}{"error": err.Error()})
	}
}

// Send writes a {"type":"send",...} envelope to the bridge. If not currently
// connected, the message is dropped — this adapter is at-most-once with no
// buffering (spec.md §4.8.d).
func (c *WhatsAppChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		logger.WarnCF("whatsapp", "not connected to bridge, dropping outbound message", map[string]interface{}{"chat_id": msg.ChatID})
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"type": "send",
		"to":   msg.ChatID,
		"text": msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		logger.WarnCF("whatsapp", "not connected to bridge, dropping outbound message", map[string]interface{}{"chat_id": msg.ChatID})
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
