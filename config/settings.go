package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mutable setting keys. Anything else is rejected at the update boundary.
const (
	KeyTelegramChatID  = "telegram_chat_id"
	KeyTelegramEnabled = "telegram_enabled"
	KeyAIProvider      = "ai_provider"
	KeyAIModel         = "ai_model"
)

var ErrUnknownSetting = errors.New("unknown setting")

var providers = []string{"gemini", "disabled"}

func validProvider(p string) bool {
	for _, v := range providers {
		if p == v {
			return true
		}
	}
	return false
}

// SettingsStore persists runtime settings as strings.
type SettingsStore interface {
	AllSettings() (map[string]string, error)
	SetSetting(key, value string) error
}

// Settings holds the runtime-mutable subset of the configuration.
type Settings struct {
	mu              sync.RWMutex
	store           SettingsStore
	telegramChatID  int64
	telegramEnabled bool
	aiProvider      string
	aiModel         string
}

// NewSettings seeds settings from cfg and overlays previously stored values.
// Stored values that no longer validate are skipped.
func NewSettings(cfg *Config, store SettingsStore) (*Settings, error) {
	s := &Settings{
		store:           store,
		telegramChatID:  cfg.Telegram.ChatID,
		telegramEnabled: cfg.Telegram.Enabled,
		aiProvider:      cfg.AI.Provider,
		aiModel:         cfg.AI.Model,
	}
	if store == nil {
		return s, nil
	}

	stored, err := store.AllSettings()
	if err != nil {
		return nil, errors.Wrap(err, "could not load settings")
	}
	for key, value := range stored {
		if err := s.apply(key, value); err != nil {
			log.Warnf("ignoring stored setting %s=%q: %v", key, value, err)
		}
	}
	return s, nil
}

// Keys lists the mutable setting keys.
func Keys() []string {
	return []string{KeyAIModel, KeyAIProvider, KeyTelegramChatID, KeyTelegramEnabled}
}

// Set validates and applies one setting, then persists it.
func (s *Settings) Set(key, value string) error {
	value = strings.TrimSpace(value)
	if err := s.apply(key, value); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	return errors.Wrapf(s.store.SetSetting(key, value), "could not persist setting %s", key)
}

func (s *Settings) apply(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case KeyTelegramChatID:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Errorf("%s must be an integer chat id", key)
		}
		s.telegramChatID = id
	case KeyTelegramEnabled:
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Errorf("%s must be true or false", key)
		}
		s.telegramEnabled = enabled
	case KeyAIProvider:
		if !validProvider(value) {
			return errors.Errorf("%s must be one of %s", key, strings.Join(providers, ", "))
		}
		s.aiProvider = value
	case KeyAIModel:
		if value == "" {
			return errors.Errorf("%s must not be empty", key)
		}
		s.aiModel = value
	default:
		return errors.Wrap(ErrUnknownSetting, key)
	}
	return nil
}

// Get returns the string form of one setting.
func (s *Settings) Get(key string) (string, error) {
	all := s.All()
	v, ok := all[key]
	if !ok {
		return "", errors.Wrap(ErrUnknownSetting, key)
	}
	return v, nil
}

func (s *Settings) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]string{
		KeyTelegramChatID:  strconv.FormatInt(s.telegramChatID, 10),
		KeyTelegramEnabled: strconv.FormatBool(s.telegramEnabled),
		KeyAIProvider:      s.aiProvider,
		KeyAIModel:         s.aiModel,
	}
}

// SortedKeys returns the keys of m in order, for stable output.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Settings) TelegramChatID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telegramChatID
}

func (s *Settings) TelegramEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telegramEnabled
}

func (s *Settings) AIProvider() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aiProvider
}

func (s *Settings) AIModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aiModel
}
