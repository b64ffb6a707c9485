package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"stock-cockpit/internal/chart"
	"stock-cockpit/internal/types"
)

// BotConfig configuration of the bot
type BotConfig struct {
	Token          string
	Debug          bool
	UpdatesTimeout int
	// HistoryPoints is how many stored snapshots feed an alert chart.
	HistoryPoints int
}

// Sender is the subset of *tgbotapi.BotAPI the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Settings are read on every send so runtime changes apply immediately.
type Settings interface {
	TelegramEnabled() bool
	TelegramChatID() int64
}

type History interface {
	SnapshotHistory(symbol string, limit int) ([]types.Snapshot, error)
}

type Quotes interface {
	Get(symbol string) (types.Snapshot, bool)
}

type Alerts interface {
	ListActive() ([]types.Alert, error)
}

// Bot telegram interaction client
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	Config   BotConfig
	settings Settings
	history  History
	quotes   Quotes
	alerts   Alerts
	charts   *chart.Cache
}

// Message a telegram message struct
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
}
