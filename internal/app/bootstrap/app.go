package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/recall-engine/internal/api/router"
	"github.com/wolfman30/recall-engine/internal/audit"
	appconfig "github.com/wolfman30/recall-engine/internal/config"
	"github.com/wolfman30/recall-engine/internal/events"
	"github.com/wolfman30/recall-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/recall-engine/internal/http/middleware"
	"github.com/wolfman30/recall-engine/internal/inbound"
	"github.com/wolfman30/recall-engine/internal/lifecycle"
	"github.com/wolfman30/recall-engine/internal/messaging"
	"github.com/wolfman30/recall-engine/internal/messaging/compliance"
	"github.com/wolfman30/recall-engine/internal/notify"
	"github.com/wolfman30/recall-engine/internal/observability/metrics"
	"github.com/wolfman30/recall-engine/internal/patients"
	"github.com/wolfman30/recall-engine/internal/promotion"
	"github.com/wolfman30/recall-engine/internal/queue"
	"github.com/wolfman30/recall-engine/internal/recall"
	"github.com/wolfman30/recall-engine/internal/reminders"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// App is the fully wired recall engine shared by the API and the workers.
type App struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics *metrics.RecallMetrics

	Pool  *pgxpool.Pool
	SQL   *sql.DB
	Redis *redis.Client
	AWS   *aws.Config

	Service    *recall.Service
	Machine    *lifecycle.Machine
	Dispatcher *messaging.Dispatcher
	Deadlines  *lifecycle.Deadlines
	Sweeper    *lifecycle.Sweeper
	Reminders  *reminders.Worker
	Deliverer  *events.Deliverer
	Dedupe     inbound.Deduper
	Limiter    *httpmiddleware.RateLimiter

	registry prometheus.Gatherer
	closers  []func()
	wg       sync.WaitGroup
}

// Options tweaks Build for tests and single-purpose binaries.
type Options struct {
	// Registerer receives the recall metrics; nil means the default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Build wires every component from cfg. Optional infrastructure that is not
// configured (Postgres, Redis, AWS) is replaced by in-memory equivalents.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
		if r, ok := reg.(*prometheus.Registry); ok {
			gatherer = r
		}
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New(reg), registry: gatherer}

	loc, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: clinic timezone: %w", err)
	}
	quiet, err := compliance.ParseQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, cfg.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	a.Pool, a.SQL, err = BuildPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if a.Pool != nil {
		a.closers = append(a.closers, func() { _ = a.SQL.Close(); a.Pool.Close() })
	} else {
		logger.Warn("DATABASE_URL not set; patients are kept in memory")
	}
	a.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if a.Redis != nil {
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}
	if NeedsAWS(cfg) {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		a.AWS = &awsCfg
	}

	engine, err := BuildScoringEngine(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		store     patients.Store
		processed *events.ProcessedStore
		recorder  audit.Recorder
		outbox    recall.OutboxAppender
		outStore  *events.OutboxStore
	)
	if a.Pool != nil {
		store = patients.NewPostgresStore(a.Pool)
		processed = events.NewProcessedStore(a.Pool)
		recorder = audit.NewLog(a.SQL)
		outStore = events.NewOutboxStore(a.Pool)
		outbox = outStore
		a.Dedupe = processed
	} else {
		store = patients.NewMemoryStore()
		recorder = audit.NewMemoryLog()
		a.Dedupe = inbound.NewMemoryDeduper()
	}

	a.Machine = lifecycle.NewMachine(store, a.Metrics, logger.Component("lifecycle"))
	q := queue.New(store, engine)
	coord := promotion.NewCoordinator(BuildLedger(a.Redis, processed), q, a.Machine, cfg.MaxPromotionAttempts, a.Metrics, logger.Component("promotion"))

	classifier, closeClassifier, err := BuildClassifier(ctx, cfg, a.AWS, a.Metrics, logger.Component("intent"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeClassifier)

	gateway, provider, reason := messaging.BuildGateway(messaging.ProviderConfig{
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	}, logger)
	if reason != "" {
		logger.Warn("sms gateway falling back to log output", "reason", reason)
	}
	logger.Info("sms gateway initialized", "provider", provider)
	a.Dispatcher = messaging.NewDispatcher(gateway, messaging.DispatcherConfig{
		Workers:       cfg.DispatchWorkers,
		Buffer:        cfg.DispatchBuffer,
		RatePerSecond: cfg.DispatchRatePS,
	}, a.Metrics, logger.Component("dispatch"))

	composer := messaging.NewComposer(nil, cfg.ClinicName)
	notifier := notify.NewService(notify.NewFeed(cfg.NotificationFeedSize), BuildEmailSender(cfg, a.AWS, logger), cfg.OperatorEmail, logger.Component("notify"))

	a.Service, err = recall.NewService(recall.Deps{
		Store:       store,
		Engine:      engine,
		Queue:       q,
		Machine:     a.Machine,
		Coordinator: coord,
		Classifier:  classifier,
		Detector:    compliance.NewDetector(),
		Composer:    composer,
		Outbound:    a.Dispatcher,
		Notifier:    notifier,
		Audit:       recorder,
		Outbox:      outbox,
		Metrics:     a.Metrics,
		Logger:      logger.Component("recall"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Deadlines = lifecycle.NewDeadlines(cfg.ReplyWindow, lifecycle.ExpireWith(a.Machine, logger), logger.Component("deadlines"))
	a.Machine.Use(a.Deadlines)
	a.Sweeper = lifecycle.NewSweeper(store, a.Machine, a.Deadlines, cfg.ReplyWindow, cfg.SweepInterval, logger.Component("sweeper"))

	var sent reminders.SentLog = reminders.NewMemorySentLog()
	if processed != nil {
		sent = processed
	}
	a.Reminders = reminders.NewWorker(store, composer, a.Dispatcher, sent, reminders.Config{
		OffsetsDays: cfg.ReminderOffsetsDays,
		Interval:    cfg.ReminderInterval,
		Location:    loc,
		QuietHours:  quiet,
	}, a.Metrics, logger.Component("reminders"))

	if outStore != nil {
		var delivery events.DeliveryHandler = events.NewLogDelivery(logger)
		if cfg.OutboxQueueURL != "" && a.AWS != nil {
			delivery = events.NewSQSDelivery(sqs.NewFromConfig(*a.AWS), cfg.OutboxQueueURL, logger)
		}
		a.Deliverer = events.NewDeliverer(outStore, delivery, logger.Component("outbox"))
	}

	a.Limiter = httpmiddleware.NewRateLimiter(cfg.APIRateLimit, cfg.APIRateLimit/4)
	return a, nil
}

// Start launches the dispatcher and every background loop. They stop when
// ctx is cancelled; Close waits for them.
func (a *App) Start(ctx context.Context) {
	a.Dispatcher.Start(ctx)
	a.goLoop(func() { a.Sweeper.Run(ctx) })
	a.goLoop(func() { a.Reminders.Run(ctx) })
	a.goLoop(func() { a.Limiter.EvictLoop(ctx, time.Minute, 10*time.Minute) })
	a.goLoop(func() { a.refreshScores(ctx, a.Config.SweepInterval) })
	if a.Deliverer != nil {
		a.goLoop(func() { a.Deliverer.Start(ctx) })
	}
}

// refreshScores keeps the cached score column current as waiting days
// accumulate, so the dashboard reads stay cheap.
func (a *App) refreshScores(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := a.Service.RefreshScores(ctx)
			if err != nil {
				a.Logger.Warn("bootstrap: score refresh failed", "error", err)
				continue
			}
			if changed > 0 {
				a.Logger.Debug("bootstrap: scores refreshed", "changed", changed)
			}
		}
	}
}

func (a *App) goLoop(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Publisher returns where the webhook hands verified replies: the SQS queue
// when INBOUND_QUEUE_URL is set, otherwise the service directly.
func (a *App) Publisher() handlers.Publisher {
	if q := a.InboundQueue(); q != nil {
		return q
	}
	return inbound.NewDirect(a.Service, a.Dedupe, "twilio", a.Metrics, a.Logger.Component("inbound"))
}

// InboundQueue returns the SQS reply queue or nil when not configured.
func (a *App) InboundQueue() *inbound.SQSQueue {
	if a.Config.InboundQueueURL == "" || a.AWS == nil {
		return nil
	}
	return inbound.NewSQSQueue(sqs.NewFromConfig(*a.AWS), a.Config.InboundQueueURL)
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	secret := a.Config.TwilioWebhookSecret
	if secret == "" {
		secret = a.Config.TwilioAuthToken
	}
	checks := map[string]handlers.Pinger{}
	if a.Pool != nil {
		checks["postgres"] = handlers.PingFunc(a.Pool.Ping)
	}
	if a.Redis != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}
	return router.New(&router.Config{
		Logger: a.Logger,
		Admin:  handlers.NewAdminHandler(a.Service, a.Logger.Component("admin")),
		TwilioWebhook: handlers.NewTwilioWebhookHandler(handlers.TwilioWebhookConfig{
			AuthToken:     secret,
			PublicBaseURL: a.Config.PublicBaseURL,
			SkipSignature: a.Config.Env == "development" && secret == "",
		}, a.Publisher(), a.Metrics, a.Logger.Component("webhook")),
		Health:         handlers.NewHealthHandler(checks),
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		RateLimiter:    a.Limiter,
		AdminJWTSecret: a.Config.AdminJWTSecret,
	})
}

// Close waits for the background loops, drains outbound messages, stops
// timers and releases connections. Cancel the Start context first.
func (a *App) Close() {
	a.wg.Wait()
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Deadlines != nil {
		a.Deadlines.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
