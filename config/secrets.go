package config

import (
	"context"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
)

// SecretSource resolves named secrets. An empty string means not found.
type SecretSource interface {
	Secret(name string) string
}

// ParameterStore reads secrets from AWS SSM Parameter Store under a path prefix.
type ParameterStore struct {
	prefix  string
	timeout time.Duration
}

func NewParameterStore(prefix string) *ParameterStore {
	return &ParameterStore{prefix: strings.TrimSuffix(prefix, "/"), timeout: 5 * time.Second}
}

func (p *ParameterStore) Secret(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Warnf("aws config unavailable: %v", err)
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	path := p.prefix + "/" + name
	decrypt := true
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &path,
		WithDecryption: &decrypt,
	})
	if err != nil {
		log.Warnf("ssm parameter %s not readable: %v", path, err)
		return ""
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return ""
	}
	return *result.Parameter.Value
}

// resolveSecrets fills secrets left empty by the environment.
func resolveSecrets(cfg *Config, src SecretSource) {
	fill := func(dst *string, name string) {
		if *dst != "" {
			return
		}
		if v := src.Secret(name); v != "" {
			*dst = v
		}
	}

	fill(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	fill(&cfg.AI.APIKey, "AI_API_KEY")
	fill(&cfg.Quote.APIKey, "QUOTE_API_KEY")
	fill(&cfg.Quote.SecretKey, "QUOTE_SECRET_KEY")
	fill(&cfg.Redis.Password, "REDIS_PASSWORD")
}
