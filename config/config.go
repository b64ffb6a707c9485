package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var once sync.Once

// Config is the typed configuration of the cockpit, loaded once at startup.
type Config struct {
	Debug       bool
	Lang        string
	LocalesDir  string
	HTTPPort    int
	MetricsPort int
	DBPath      string

	Log      LogConfig
	Quote    QuoteConfig
	Poller   PollerConfig
	Sessions []SessionWindow
	Jobs     JobsConfig
	Telegram TelegramConfig
	Redis    RedisConfig
	AI       AIConfig
}

type LogConfig struct {
	Level string
	File  string
}

type QuoteConfig struct {
	Source          string // gateway or paprika
	BaseURL         string
	APIKey          string
	SecretKey       string
	FetchTimeout    time.Duration
	ReferenceChecks int
	ReferenceWait   time.Duration
}

type PollerConfig struct {
	ActiveInterval   time.Duration
	IdleInterval     time.Duration
	FallbackInterval time.Duration
	PersistEvery     int
	StopTimeout      time.Duration
}

// SessionWindow is a named [Start, End) time-of-day range in HH:MM.
type SessionWindow struct {
	Name  string
	Start string
	End   string
}

type JobsConfig struct {
	Timezone      string
	Institutional string
	Margin        string
	Review        string
	TDCC          string
	TDCCWeekday   time.Weekday
	TWSEBaseURL   string
	FinMindURL    string
	RequestPause  time.Duration
}

type TelegramConfig struct {
	Token   string
	ChatID  int64
	Enabled bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type AIConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func InitConfig() {
	once.Do(func() {
		_ = godotenv.Load()

		viper.AutomaticEnv()
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

		if file := os.Getenv("CONFIG_FILE"); file != "" {
			viper.SetConfigFile(file)
			if err := viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "config file %s ignored: %v\n", file, err)
			}
		}

		viper.BindEnv("debug", "DEBUG")
		viper.BindEnv("lang", "LANG")
		viper.BindEnv("http_port", "HTTP_PORT")
		viper.BindEnv("metrics_port", "METRICS_PORT")
		viper.BindEnv("db_path", "DB_PATH")
		viper.BindEnv("ssm_prefix", "SSM_PREFIX")
		viper.BindEnv("log_level", "LOG_LEVEL")
		viper.BindEnv("log_file", "LOG_FILE")
		viper.BindEnv("quote_source", "QUOTE_SOURCE")
		viper.BindEnv("quote_base_url", "QUOTE_BASE_URL")
		viper.BindEnv("quote_api_key", "QUOTE_API_KEY")
		viper.BindEnv("quote_secret_key", "QUOTE_SECRET_KEY")
		viper.BindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
		viper.BindEnv("telegram_chat_id", "TELEGRAM_CHAT_ID")
		viper.BindEnv("telegram_enabled", "TELEGRAM_ENABLED")
		viper.BindEnv("redis_addr", "REDIS_ADDR")
		viper.BindEnv("redis_password", "REDIS_PASSWORD")
		viper.BindEnv("ai_provider", "AI_PROVIDER")
		viper.BindEnv("ai_api_key", "AI_API_KEY", "GEMINI_API_KEY")
		viper.BindEnv("ai_model", "AI_MODEL")
		viper.BindEnv("timezone", "TZ_NAME")

		viper.SetDefault("debug", false)
		viper.SetDefault("lang", "en")
		viper.SetDefault("locales_dir", "locales")
		viper.SetDefault("http_port", 8080)
		viper.SetDefault("metrics_port", 9090)
		viper.SetDefault("db_path", "data/cockpit.db")
		viper.SetDefault("log_level", "info")

		viper.SetDefault("quote_source", "gateway")
		viper.SetDefault("quote_base_url", "http://127.0.0.1:8600/api/v1")
		viper.SetDefault("quote_fetch_timeout", 30*time.Second)
		viper.SetDefault("quote_reference_checks", 20)
		viper.SetDefault("quote_reference_wait", time.Second)

		viper.SetDefault("poll_active_interval", 15*time.Second)
		viper.SetDefault("poll_idle_interval", 60*time.Second)
		viper.SetDefault("poll_fallback_interval", 60*time.Second)
		viper.SetDefault("poll_persist_every", 4)
		viper.SetDefault("poll_stop_timeout", 5*time.Second)
		viper.SetDefault("trading_sessions", "pre_market=08:30-09:00,market=09:00-13:30,after_hours=13:40-14:30")

		viper.SetDefault("timezone", "Asia/Taipei")
		viper.SetDefault("job_institutional_at", "18:05")
		viper.SetDefault("job_margin_at", "18:10")
		viper.SetDefault("job_review_at", "18:15")
		viper.SetDefault("job_tdcc_at", "18:30")
		viper.SetDefault("job_tdcc_weekday", "friday")
		viper.SetDefault("twse_base_url", "https://www.twse.com.tw")
		viper.SetDefault("finmind_url", "https://api.finmindtrade.com/api/v4/data")
		viper.SetDefault("job_request_pause", 3*time.Second)

		viper.SetDefault("telegram_enabled", false)
		viper.SetDefault("redis_db", 0)
		viper.SetDefault("redis_channel", "cockpit.events")

		viper.SetDefault("ai_provider", "gemini")
		viper.SetDefault("ai_model", "gemini-1.5-flash")
		viper.SetDefault("ai_base_url", "https://generativelanguage.googleapis.com/v1beta")
		viper.SetDefault("ai_timeout", 2*time.Minute)
		viper.SetDefault("ai_max_retries", 2)
	})
}

func GetString(key string) string {
	InitConfig()
	return viper.GetString(key)
}

func GetInt(key string) int {
	InitConfig()
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	InitConfig()
	return viper.GetBool(key)
}

func GetDuration(key string) time.Duration {
	InitConfig()
	return viper.GetDuration(key)
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	InitConfig()

	sessions, err := ParseSessions(GetString("trading_sessions"))
	if err != nil {
		return nil, err
	}
	weekday, err := ParseWeekday(GetString("job_tdcc_weekday"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Debug:       GetBool("debug"),
		Lang:        strings.ToLower(GetString("lang")),
		LocalesDir:  GetString("locales_dir"),
		HTTPPort:    GetInt("http_port"),
		MetricsPort: GetInt("metrics_port"),
		DBPath:      GetString("db_path"),
		Log: LogConfig{
			Level: GetString("log_level"),
			File:  GetString("log_file"),
		},
		Quote: QuoteConfig{
			Source:          GetString("quote_source"),
			BaseURL:         GetString("quote_base_url"),
			APIKey:          GetString("quote_api_key"),
			SecretKey:       GetString("quote_secret_key"),
			FetchTimeout:    GetDuration("quote_fetch_timeout"),
			ReferenceChecks: GetInt("quote_reference_checks"),
			ReferenceWait:   GetDuration("quote_reference_wait"),
		},
		Poller: PollerConfig{
			ActiveInterval:   GetDuration("poll_active_interval"),
			IdleInterval:     GetDuration("poll_idle_interval"),
			FallbackInterval: GetDuration("poll_fallback_interval"),
			PersistEvery:     GetInt("poll_persist_every"),
			StopTimeout:      GetDuration("poll_stop_timeout"),
		},
		Sessions: sessions,
		Jobs: JobsConfig{
			Timezone:      GetString("timezone"),
			Institutional: GetString("job_institutional_at"),
			Margin:        GetString("job_margin_at"),
			Review:        GetString("job_review_at"),
			TDCC:          GetString("job_tdcc_at"),
			TDCCWeekday:   weekday,
			TWSEBaseURL:   GetString("twse_base_url"),
			FinMindURL:    GetString("finmind_url"),
			RequestPause:  GetDuration("job_request_pause"),
		},
		Telegram: TelegramConfig{
			Token:   GetString("telegram_bot_token"),
			ChatID:  viper.GetInt64("telegram_chat_id"),
			Enabled: GetBool("telegram_enabled"),
		},
		Redis: RedisConfig{
			Addr:     GetString("redis_addr"),
			Password: GetString("redis_password"),
			DB:       GetInt("redis_db"),
			Channel:  GetString("redis_channel"),
		},
		AI: AIConfig{
			Provider:   GetString("ai_provider"),
			APIKey:     GetString("ai_api_key"),
			Model:      GetString("ai_model"),
			BaseURL:    GetString("ai_base_url"),
			Timeout:    GetDuration("ai_timeout"),
			MaxRetries: GetInt("ai_max_retries"),
		},
	}

	if prefix := GetString("ssm_prefix"); prefix != "" {
		resolveSecrets(cfg, NewParameterStore(prefix))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	switch c.Quote.Source {
	case "gateway", "paprika":
	default:
		return errors.Errorf("unknown quote source %q", c.Quote.Source)
	}
	if c.Poller.PersistEvery < 1 {
		return errors.New("poll_persist_every must be at least 1")
	}
	if c.Poller.ActiveInterval <= 0 || c.Poller.IdleInterval <= 0 || c.Poller.FallbackInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}
	for _, at := range []string{c.Jobs.Institutional, c.Jobs.Margin, c.Jobs.Review, c.Jobs.TDCC} {
		if _, _, err := ParseClock(at); err != nil {
			return err
		}
	}
	if _, err := time.LoadLocation(c.Jobs.Timezone); err != nil {
		return errors.Wrapf(err, "invalid timezone %q", c.Jobs.Timezone)
	}
	if !validProvider(c.AI.Provider) {
		return errors.Errorf("unknown ai provider %q", c.AI.Provider)
	}
	return nil
}

// Location returns the configured job timezone, falling back to local time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Jobs.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ParseClock parses an HH:MM time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseSessions parses "name=HH:MM-HH:MM,..." into ordered windows.
func ParseSessions(s string) ([]SessionWindow, error) {
	var windows []SessionWindow
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, span, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Errorf("session %q: expected name=start-end", part)
		}
		start, end, ok := strings.Cut(span, "-")
		if !ok {
			return nil, errors.Errorf("session %q: expected start-end", part)
		}
		sh, sm, err := ParseClock(start)
		if err != nil {
			return nil, err
		}
		eh, em, err := ParseClock(end)
		if err != nil {
			return nil, err
		}
		if eh*60+em <= sh*60+sm {
			return nil, errors.Errorf("session %q ends before it starts", name)
		}
		windows = append(windows, SessionWindow{
			Name:  strings.TrimSpace(name),
			Start: strings.TrimSpace(start),
			End:   strings.TrimSpace(end),
		})
	}
	if len(windows) == 0 {
		return nil, errors.New("no trading sessions configured")
	}
	return windows, nil
}

func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return d, nil
		}
	}
	return 0, errors.Errorf("invalid weekday %q", s)
}
