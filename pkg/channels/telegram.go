package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/config"
	"github.com/sipeed/docrelay/pkg/logger"
	"github.com/sipeed/docrelay/pkg/usage"
	"github.com/sipeed/docrelay/pkg/utils"
)

const (
	msgWelcome        = "Welcome! Reply to a document with /rename <new filename> to process it."
	msgNeedReply      = "Please reply to a document with /rename <new filename>."
	msgNeedName       = "Please provide a new file name."
	msgNoForwardChat  = "Forward chat not configured. Contact the administrator."
	msgAccepted       = "Your file is being processed. Please wait..."
	msgForwardFailed  = "Could not queue your file. Please try again later."
	msgQueueFull      = "The relay is busy right now. Please try again in a few minutes."
	notifyNameMaxRune = 200
)

// BotAPI is the part of the Bot API the front-end calls.
type BotAPI interface {
	Username() string
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	ForwardMessage(ctx context.Context, params *telego.ForwardMessageParams) (*telego.Message, error)
	SetWebhook(ctx context.Context, params *telego.SetWebhookParams) error
}

// TelegramChannel handles bot commands. /rename forwards the replied-to
// document into the relay chat and enqueues a task for the relay worker;
// the reply to the requester only means the task was accepted.
type TelegramChannel struct {
	bot         BotAPI
	relayChatID int64
	queue       *bus.TaskQueue
	journal     *usage.Store
}

func NewTelegramChannel(cfg config.TelegramConfig, relayChatID int64, queue *bus.TaskQueue, journal *usage.Store) (*TelegramChannel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return NewTelegramChannelWithBot(bot, relayChatID, queue, journal), nil
}

func NewTelegramChannelWithBot(bot BotAPI, relayChatID int64, queue *bus.TaskQueue, journal *usage.Store) *TelegramChannel {
	return &TelegramChannel{
		bot:         bot,
		relayChatID: relayChatID,
		queue:       queue,
		journal:     journal,
	}
}

// RegisterWebhook points Telegram at url. An empty secret registers no
// secret token.
func (c *TelegramChannel) RegisterWebhook(ctx context.Context, webhookURL, secret string) error {
	params := &telego.SetWebhookParams{URL: webhookURL}
	if secret != "" {
		params.SecretToken = secret
	}
	if err := c.bot.SetWebhook(ctx, params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	logger.InfoCF("telegram", "Webhook registered", map[string]interface{}{
		"url": redactToken(webhookURL),
	})
	return nil
}

// HandleUpdate dispatches one decoded webhook update. Non-command messages
// are ignored.
func (c *TelegramChannel) HandleUpdate(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.Text == "" {
		return
	}

	cmd, args, ok := parseCommand(message.Text, c.bot.Username())
	if !ok {
		return
	}

	switch cmd {
	case "start":
		c.reply(ctx, message.Chat.ID, msgWelcome)
	case "rename":
		c.handleRename(ctx, message, args)
	case "status":
		c.reply(ctx, message.Chat.ID, c.statusText())
	default:
		logger.DebugCF("telegram", "Ignoring unknown command", map[string]interface{}{
			"command": cmd,
			"chat_id": message.Chat.ID,
		})
	}
}

func (c *TelegramChannel) handleRename(ctx context.Context, message *telego.Message, args []string) {
	chatID := message.Chat.ID
	reply := message.ReplyToMessage
	if reply == nil || reply.Document == nil {
		c.reply(ctx, chatID, msgNeedReply)
		return
	}

	newName := strings.Join(args, " ")
	if newName == "" {
		c.reply(ctx, chatID, msgNeedName)
		return
	}

	if c.relayChatID == 0 {
		c.reply(ctx, chatID, msgNoForwardChat)
		return
	}

	fwd, err := c.bot.ForwardMessage(ctx, &telego.ForwardMessageParams{
		ChatID:     tu.ID(c.relayChatID),
		FromChatID: tu.ID(chatID),
		MessageID:  reply.MessageID,
	})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to forward document to relay chat", map[string]interface{}{
			"chat_id":    chatID,
			"message_id": reply.MessageID,
			"error":      err.Error(),
		})
		c.reply(ctx, chatID, msgForwardFailed)
		return
	}

	task := bus.Task{
		ID:                 uuid.NewString(),
		RelayChatID:        c.relayChatID,
		RelayMessageID:     fwd.MessageID,
		DesiredFilename:    newName,
		RequesterChatID:    chatID,
		RequesterMessageID: message.MessageID,
		EnqueuedAt:         time.Now().UTC(),
	}
	if err := c.queue.Enqueue(task); err != nil {
		logger.WarnCF("telegram", "Task rejected by queue", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		if errors.Is(err, bus.ErrQueueFull) {
			c.reply(ctx, chatID, msgQueueFull)
		} else {
			c.reply(ctx, chatID, msgForwardFailed)
		}
		return
	}

	logger.InfoCF("telegram", "Task enqueued", map[string]interface{}{
		"task_id":    task.ID,
		"chat_id":    task.RelayChatID,
		"message_id": task.RelayMessageID,
		"new_name":   task.DesiredFilename,
		"pending":    c.queue.Len(),
	})
	c.reply(ctx, chatID, msgAccepted)
}

func (c *TelegramChannel) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pending: %d", c.queue.Len())
	if c.journal != nil {
		today := c.journal.Query(usage.Filter{DayKey: c.journal.TodayKey()})
		agg := usage.AggregateRecords(today)
		fmt.Fprintf(&b, "\nToday: %d completed, %d abandoned", agg.Completed, agg.Abandoned)
		fmt.Fprintf(&b, "\nRelayed: %s", usage.HumanBytes(agg.Bytes))
		if agg.Abandoned > 0 {
			fmt.Fprintf(&b, "\nFailed at: %s", usage.FormatBreakdown(usage.StageBreakdown(today)))
		}
	}
	return b.String()
}

// NotifyResult tells the requester how their task ended. Tasks without a
// requester chat are skipped.
func (c *TelegramChannel) NotifyResult(ctx context.Context, res bus.Result) {
	if res.Task.RequesterChatID == 0 {
		return
	}
	c.reply(ctx, res.Task.RequesterChatID, resultText(res))
}

func resultText(res bus.Result) string {
	name := utils.Truncate(res.Task.DesiredFilename, notifyNameMaxRune)
	if res.Completed() {
		return fmt.Sprintf("Done: %s", utils.Truncate(res.FinalName, notifyNameMaxRune))
	}
	return fmt.Sprintf("Could not process %s (failed at %s).", name, res.Stage)
}

func (c *TelegramChannel) reply(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		logger.WarnCF("telegram", "Failed to send reply", map[string]interface{}{
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

// parseCommand splits "/cmd@bot arg1 arg2" into its lowercased name and
// whitespace-separated args. A command addressed to a different bot is
// rejected.
func parseCommand(text, botUsername string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}

	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		target := cmd[at+1:]
		cmd = cmd[:at]
		if botUsername != "" && !strings.EqualFold(target, botUsername) {
			return "", nil, false
		}
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

// redactToken hides the bot token in the default /<token> webhook path.
func redactToken(webhookURL string) string {
	u, err := url.Parse(webhookURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return webhookURL
	}
	return u.Scheme + "://" + u.Host + "/***"
}
