package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/recall-engine/internal/config"
	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/intent"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/scoring"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// promotionClaimTTL bounds how long Redis remembers a cascade claim; the
// Postgres ledger keeps it for good.
const promotionClaimTTL = 30 * 24 * time.Hour

// BuildScoringEngine loads the table from SCORING_TABLE_PATH or falls back
// to the built-in table.
func BuildScoringEngine(cfg *appconfig.Config) (*scoring.Engine, error) {
	if cfg == nil || cfg.ScoringTablePath == "" {
		return scoring.MustDefault(), nil
	}
	table, err := scoring.LoadTable(cfg.ScoringTablePath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load scoring table: %w", err)
	}
	return scoring.NewEngine(table)
}

// BuildLedger picks the fastest available claim store and chains Postgres
// behind it for durability.
func BuildLedger(redisClient *redis.Client, processed *events.ProcessedStore) promotion.Ledger {
	var chain promotion.ChainLedger
	if redisClient != nil {
		chain = append(chain, promotion.NewRedisLedger(redisClient, promotionClaimTTL))
	}
	if processed != nil {
		chain = append(chain, promotion.NewPostgresLedger(processed))
	}
	switch len(chain) {
	case 0:
		return promotion.NewMemoryLedger()
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// BuildClassifier returns the configured reply classifier and a closer for
// any client it opened. Unusable LLM settings fall back to keywords.
func BuildClassifier(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, m *metrics.RecallMetrics, logger *logging.Logger) (intent.Classifier, func(), error) {
	if logger == nil {
		logger = logging.Default()
	}
	noop := func() {}
	keyword := intent.NewKeywordClassifier().WithMetrics(m)
	if cfg == nil {
		return keyword, noop, nil
	}

	switch cfg.Classifier {
	case "", "keyword":
		return keyword, noop, nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			logger.Warn("gemini classifier requested without GEMINI_API_KEY; using keywords")
			return keyword, noop, nil
		}
		client, err := intent.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		logger.Info("intent classifier enabled", "provider", "gemini", "model", cfg.GeminiModel)
		return intent.NewLLMClassifier(client, cfg.GeminiModel, 0, m, logger), func() { _ = client.Close() }, nil
	case "bedrock":
		if cfg.BedrockModelID == "" || awsCfg == nil {
			logger.Warn("bedrock classifier requested without model id or AWS config; using keywords")
			return keyword, noop, nil
		}
		client := intent.NewBedrockClient(bedrockruntime.NewFromConfig(*awsCfg), cfg.BedrockModelID)
		logger.Info("intent classifier enabled", "provider", "bedrock", "model", cfg.BedrockModelID)
		return intent.NewLLMClassifier(client, cfg.BedrockModelID, 0, m, logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown classifier %q", cfg.Classifier)
	}
}

// BuildEmailSender returns the operator alert sender. Without credentials
// alerts are only logged.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil || cfg.OperatorEmail == "" {
		return notify.NewStubEmailSender(logger)
	}
	switch cfg.EmailProvider {
	case "ses":
		if awsCfg != nil {
			if s := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{FromEmail: cfg.SendGridFromEmail, FromName: cfg.SendGridFromName}, logger); s != nil {
				return s
			}
		}
	default:
		if s := notify.NewSendGridSender(notify.SendGridConfig{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.SendGridFromEmail, FromName: cfg.SendGridFromName}, logger); s != nil {
			return s
		}
	}
	logger.Warn("operator email not configured; alerts will only be logged", "provider", cfg.EmailProvider)
	return notify.NewStubEmailSender(logger)
}
