package llm

import (
	"context"
	"fmt"

	"github.com/ashureev/sqlsight/internal/config"
)

// New builds the client selected by cfg.Provider.
func New(ctx context.Context, cfg config.ModelConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderBedrock, "":
		return NewBedrock(ctx, BedrockConfig{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
			Model:           cfg.ID,
		})
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ID), nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.AnthropicAPIKey, cfg.ID), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
