// Package telegram delivers cockpit events to a Telegram chat and answers a
// few read-only commands from that chat.
package telegram

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/internal/chart"
	"stock-cockpit/internal/notify"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/helpers"
	"stock-cockpit/lib/translation"
)

const (
	defaultHistoryPoints = 120
	requestTimeout       = 15 * time.Second
)

var ErrNoChat = errors.New("telegram chat id is not set")

var _ notify.Notifier = (*Bot)(nil)

// Deps are the read-only views the bot renders from.
type Deps struct {
	Settings Settings
	History  History
	Quotes   Quotes
	Alerts   Alerts
	Charts   *chart.Cache
}

// clientTimeout leaves room for the long-poll wait of getUpdates.
func clientTimeout(c BotConfig) time.Duration {
	return time.Duration(c.UpdatesTimeout)*time.Second + requestTimeout
}

// NewBot creates new telegram bot
func NewBot(c BotConfig, deps Deps) (*Bot, error) {
	client := &http.Client{Timeout: clientTimeout(c)}
	api, err := tgbotapi.NewBotAPIWithClient(c.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, errors.Wrap(err, "could not create telegram bot")
	}
	api.Debug = c.Debug

	b := newBot(api, c, deps)
	b.api = api
	return b, nil
}

func newBot(sender Sender, c BotConfig, deps Deps) *Bot {
	if c.HistoryPoints <= 0 {
		c.HistoryPoints = defaultHistoryPoints
	}
	return &Bot{
		sender:   sender,
		Config:   c,
		settings: deps.Settings,
		history:  deps.History,
		quotes:   deps.Quotes,
		alerts:   deps.Alerts,
		charts:   deps.Charts,
	}
}

// Send delivers one event to the configured chat. It is a no-op while
// telegram is disabled.
func (b *Bot) Send(ctx context.Context, ev notify.Event) error {
	if !b.settings.TelegramEnabled() {
		return nil
	}
	chatID := b.settings.TelegramChatID()
	if chatID == 0 {
		return ErrNoChat
	}

	text, ok := formatEvent(ev)
	if !ok {
		return nil
	}

	if t, isTrigger := ev.Payload.(types.TriggerEvent); isTrigger && ev.Error == "" {
		if png := b.alertChart(t); png != nil {
			return b.SendPhoto(chatID, png, text)
		}
	}
	return b.SendMessage(Message{ChatID: chatID, Text: text})
}

func (b *Bot) alertChart(t types.TriggerEvent) []byte {
	if b.history == nil {
		return nil
	}
	snaps, err := b.history.SnapshotHistory(t.Symbol, b.Config.HistoryPoints)
	if err != nil {
		log.Warnf("Could not load history for %s chart: %v", t.Symbol, err)
		return nil
	}
	png, err := chart.RenderHistory(snaps, chart.Options{Title: t.Symbol, Target: t.TargetPrice})
	if err != nil {
		if !errors.Is(err, chart.ErrNotEnoughData) {
			log.Warnf("Could not render %s chart: %v", t.Symbol, err)
		}
		return nil
	}
	return png
}

// SendMessage sends a telegram message
func (b *Bot) SendMessage(m Message) error {
	msg := tgbotapi.NewMessage(m.ChatID, m.Text)
	msg.ReplyToMessageID = m.MessageID
	msg.DisableWebPagePreview = true
	msg.ParseMode = "MarkdownV2"
	_, err := b.sender.Send(msg)
	return errors.Wrapf(err, "could not send message to %d", m.ChatID)
}

func (b *Bot) SendPhoto(chatID int64, png []byte, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
		Name:  "chart.png",
		Bytes: png,
	})
	photo.Caption = caption
	photo.ParseMode = "MarkdownV2"
	_, err := b.sender.Send(photo)
	return errors.Wrapf(err, "could not send chart to %d", chatID)
}

// Listen answers commands until ctx is done. Messages from chats other than
// the configured one are ignored.
func (b *Bot) Listen(ctx context.Context) {
	if b.api == nil {
		return
	}
	updatesConfig := tgbotapi.NewUpdate(0)
	if b.Config.UpdatesTimeout > 0 {
		updatesConfig.Timeout = b.Config.UpdatesTimeout
	}
	updates := b.api.GetUpdatesChan(updatesConfig)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			b.handle(u)
		}
	}
}

func (b *Bot) handle(u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic in telegram handler: %v", r)
		}
	}()

	if u.Message == nil || u.Message.Chat == nil || !u.Message.IsCommand() {
		return
	}
	if u.Message.Chat.ID != b.settings.TelegramChatID() {
		log.Debugf("Ignoring command from chat %d", u.Message.Chat.ID)
		return
	}

	text := b.HandleUpdate(u)
	if text == "" {
		return
	}
	if err := b.SendMessage(Message{ChatID: u.Message.Chat.ID, MessageID: u.Message.MessageID, Text: text}); err != nil {
		log.Error(err)
	}
}

// HandleUpdate processes one command. An empty result means the reply was
// already sent.
func (b *Bot) HandleUpdate(u tgbotapi.Update) string {
	text := translation.TranslateOr("command.help", fallbackHelp)
	log.Debugf("received command: %s", u.Message.Command())

	switch u.Message.Command() {
	case "p":
		symbol, _ := ParseArguments(u.Message.CommandArguments())
		snap, ok := b.quote(symbol)
		if !ok {
			return translation.TranslateOr("quote.not_found", fallbackNoQuote)
		}
		text = formatQuote(snap)
	case "c":
		symbol, points := ParseArguments(u.Message.CommandArguments())
		snap, ok := b.quote(symbol)
		if !ok {
			return translation.TranslateOr("quote.not_found", fallbackNoQuote)
		}
		png, err := b.chart(symbol, points)
		if err != nil {
			log.Warnf("chart for %s: %v", symbol, err)
			return formatQuote(snap)
		}
		if err := b.SendPhoto(u.Message.Chat.ID, png, formatQuote(snap)); err != nil {
			log.Error("error sending chart: ", err)
		}
		return ""
	case "alerts":
		if b.alerts == nil {
			return text
		}
		active, err := b.alerts.ListActive()
		if err != nil {
			log.Error(err)
			return helpers.EscapeMarkdownV2(err.Error())
		}
		text = formatAlerts(active)
	}
	return text
}

func (b *Bot) quote(symbol string) (types.Snapshot, bool) {
	if symbol == "" || b.quotes == nil {
		return types.Snapshot{}, false
	}
	return b.quotes.Get(strings.ToUpper(symbol))
}

func (b *Bot) chart(symbol, points string) ([]byte, error) {
	symbol = strings.ToUpper(symbol)
	limit := b.Config.HistoryPoints
	if n, err := strconv.Atoi(points); err == nil && n > 1 {
		limit = n
	}
	key := symbol + ":" + strconv.Itoa(limit)
	if b.charts != nil {
		if png, ok := b.charts.Get(key); ok {
			return png, nil
		}
	}
	if b.history == nil {
		return nil, chart.ErrNotEnoughData
	}
	snaps, err := b.history.SnapshotHistory(symbol, limit)
	if err != nil {
		return nil, err
	}
	png, err := chart.RenderHistory(snaps, chart.Options{Title: symbol})
	if err != nil {
		return nil, err
	}
	if b.charts != nil {
		b.charts.Set(key, png)
	}
	return png, nil
}

var argsPattern = regexp.MustCompile(`^(\S+)\s*(.+)?$`)

// ParseArguments splits "2330 60" into symbol and the optional rest.
func ParseArguments(args string) (string, string) {
	matches := argsPattern.FindStringSubmatch(strings.TrimSpace(args))
	if len(matches) >= 2 {
		rest := ""
		if len(matches) == 3 {
			rest = matches[2]
		}
		return matches[1], rest
	}
	return "", ""
}
