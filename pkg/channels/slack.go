package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/config"
	"github.com/sipeed/oxibot/pkg/logger"
)

const slackMaxMessageLen = 4000

// SlackChannel is the Socket Mode + Web API adapter (spec.md §4.8.c). Socket
// Mode handshake/reconnect is handled by socketmode.Client; this adapter acks
// each events_api envelope itself and owns the two-tier access policy,
// mention stripping, and message dispatch.
type SlackChannel struct {
	BaseChannel

	cfg    config.SlackConfig
	api    *slack.Client
	client *socketmode.Client
	selfID string

	cancel context.CancelFunc
}

// NewSlackChannel constructs the adapter.
func NewSlackChannel(cfg config.SlackConfig, msgBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", msgBus, cfg.AllowedUsers),
		cfg:         cfg,
	}
}

// Start opens the Socket Mode connection. Missing bot/app tokens disable
// the channel rather than failing hard (spec.md §4.7).
func (c *SlackChannel) Start(ctx context.Context) error {
	if c.cfg.BotToken == "" || c.cfg.AppToken == "" {
		logger.WarnCF("slack", "bot token or app token missing, channel disabled", nil)
		return nil
	}

	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	c.selfID = auth.UserID

	c.client = socketmode.New(c.api)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.WarnCF("slack", "socket mode client exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoCF("slack", "socket mode connected", map[string]interface{}{"bot_user_id": c.selfID})
	return nil
}

// Stop cancels the Socket Mode connection.
func (c *SlackChannel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			c.client.Ack(*evt.Request)

			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || apiEvent.Type != slackevents.CallbackEvent {
				continue
			}
			c.handleInner(ctx, apiEvent.InnerEvent)
		}
	}
}

func (c *SlackChannel) handleInner(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.SubType != "" {
			return
		}
		// A "message" event whose text already mentions self is handled by
		// the paired AppMentionEvent instead — skip to avoid double delivery.
		if strings.Contains(ev.Text, "<@"+c.selfID+">") {
			return
		}
		c.handleMessage(ctx, ev.User, ev.Channel, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, ev.ChannelType, "message")
	case *slackevents.AppMentionEvent:
		c.handleMessage(ctx, ev.User, ev.Channel, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp, "channel", "app_mention")
	}
}

func (c *SlackChannel) handleMessage(ctx context.Context, sender, chatID, text, ts, threadTS, channelType, eventType string) {
	if sender == c.selfID {
		return
	}

	isDM := channelType == "im"
	if !c.isAllowed(sender, chatID, isDM) {
		logger.WarnCF("slack", "access denied by policy", map[string]interface{}{"sender": sender, "chat": chatID})
		return
	}
	if !isDM && !c.shouldRespondInChannel(eventType, text, chatID) {
		return
	}

	clean := strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.selfID+">", ""))
	if clean == "" {
		return
	}

	go func() {
		if _, _, err := c.api.AddReactionContext(ctx, "eyes", slack.NewRefToMessage(chatID, ts)); err != nil {
			logger.DebugCF("slack", "reaction add failed (non-fatal)", map[string]interface{}{"error": err.Error()})
		}
	}()

	effectiveThread := threadTS
	if effectiveThread == "" {
		effectiveThread = ts
	}

	if err := c.Bus().PublishInbound(bus.InboundMessage{
		Channel:  "slack",
		SenderID: sender,
		ChatID:   chatID,
		Content:  clean,
		Metadata: map[string]string{
			"channel_type": channelType,
			"thread_ts":    effectiveThread,
			"ts":           ts,
		},
	}); err != nil {
		logger.WarnCF("slack", "failed to publish inbound message", map[string]interface{}{"error": err.Error()})
	}
}

// isAllowed applies the two-tier policy: DMs gate on dm.enabled/dm.policy
// /dm.allow_from, channels/groups gate on the flat allowed_users list.
func (c *SlackChannel) isAllowed(sender, chatID string, isDM bool) bool {
	if isDM {
		if !c.cfg.DM.Enabled {
			return false
		}
		switch c.cfg.DM.Policy {
		case "allowlist":
			return IsAllowed(c.cfg.DM.AllowFrom, sender)
		default:
			return true
		}
	}
	return IsAllowed(c.cfg.AllowedUsers, sender)
}

// shouldRespondInChannel applies group_policy: "open" responds to
// everything, "allowlist" gates on group_allow_from, and the default
// "mention" only responds to app_mention events or text containing a
// literal bot mention.
func (c *SlackChannel) shouldRespondInChannel(eventType, text, chatID string) bool {
	switch c.cfg.GroupPolicy {
	case "open":
		return true
	case "allowlist":
		return IsAllowed(c.cfg.GroupAllowFrom, chatID)
	default:
		return eventType == "app_mention" || strings.Contains(text, "<@"+c.selfID+">")
	}
}

// Send posts a message via chat.postMessage, chunked at Slack's 4000-char
// limit. DMs ignore ReplyTo/thread metadata; channels preserve it.
func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chunks := SplitMessage(msg.Content, slackMaxMessageLen)

	channelType := msg.Metadata["channel_type"]
	threadTS := msg.Metadata["thread_ts"]

	for _, chunk := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if channelType != "im" && threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
			return fmt.Errorf("slack chat.postMessage: %w", err)
		}
	}
	return nil
}
