// Package app builds the application-root aggregate (spec §9): every port
// implementation and every core component constructed once at startup and
// passed by reference into every handler. There is no hidden global state;
// everything a request handler needs hangs off *Root.
package app

import (
	"context"
	"fmt"

	"halcyon/internal/admission"
	"halcyon/internal/approval"
	"halcyon/internal/breaker"
	"halcyon/internal/cache"
	"halcyon/internal/clock"
	"halcyon/internal/command"
	"halcyon/internal/config"
	"halcyon/internal/conversation"
	"halcyon/internal/domain"
	"halcyon/internal/inference"
	"halcyon/internal/logging"
	"halcyon/internal/memory"
	"halcyon/internal/observability"
	"halcyon/internal/ports"
	"halcyon/internal/reminder"
	"halcyon/internal/storage"
)

// Ports bundles every external collaborator the app-root wires into the
// core (spec §4.10 / C10). A nil field disables the feature that depends on
// it: a nil Transit means reminders render without directions (SPEC_FULL
// §12); a nil Calendar/Weather disables calendar sync and briefing weather.
type Ports struct {
	Inference ports.Inference
	Secret    ports.SecretStore
	Messenger ports.Messenger
	Mail      ports.Mail
	Calendar  ports.Calendar
	Weather   ports.Weather
	Search    ports.WebSearch
	Speech    ports.Speech
	Transit   ports.Transit
}

// Root is the process-wide application-root aggregate.
type Root struct {
	Config config.Config
	Clock  clock.Clock
	Logger logging.Logger

	DB            *storage.DB
	Cache         *cache.Store
	Breakers      *breaker.Manager
	Gateway       *inference.Gateway
	Parser        *command.Parser
	Approvals     *approval.Queue
	Conversations conversation.Store
	Memory        *memory.Service
	Reminders     *reminder.Scheduler
	Credentials   admission.CredentialStore
	RateLimiter   *admission.RateLimiter
	Metrics       *observability.Metrics
	Tracing       *observability.Tracing
	Ports         Ports

	principals []domain.UserID
	tasks      *taskRunner
}

// New opens durable storage, loads or creates the memory key, and wires
// every component into a Root. Call Start to arm the periodic tasks named
// in spec §5 (approval expiry, memory decay, calendar sync, reminder tick,
// cache sweep); call Shutdown to drain them.
func New(ctx context.Context, cfg config.Config, p Ports) (*Root, error) {
	logger := logging.NewComponentLogger("app")

	db, err := storage.Open(ctx, cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	l2, err := cache.OpenL2(cfg.Cache.L2Path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open l2 cache: %w", err)
	}
	durations := cache.Durations{
		cache.Short:      cfg.Cache.TTLShort,
		cache.Medium:     cfg.Cache.TTLMedium,
		cache.Long:       cfg.Cache.TTLLong,
		cache.LlmDynamic: cfg.Cache.TTLLlmDynamic,
		cache.LlmStable:  cfg.Cache.TTLLlmStable,
	}
	cacheStore := cache.NewStore(l2, cache.Config{L1MaxEntries: cfg.Cache.L1MaxEntries, Durations: durations})

	metrics := observability.NewMetrics()

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.DegradedMode.FailureThreshold,
		SuccessThreshold: cfg.DegradedMode.SuccessThreshold,
		OpenDuration:     cfg.DegradedMode.Cooldown,
		OnStateChange:    metrics.OnBreakerStateChange,
	})

	gateway := inference.New(inference.Config{
		Backend:  p.Inference,
		Cache:    cacheStore,
		Breakers: breakers,
		Degraded: inference.DegradedConfig{Enabled: cfg.DegradedMode.Enabled, CannedText: cfg.DegradedMode.CannedMessage},
		Events:   metrics,
	})

	sysClock := clock.System{}

	parser := command.NewParser(sysClock)

	conversations := conversation.NewStore(db.DB)

	memKey, err := memory.LoadOrCreateKey(cfg.Memory.EncryptionKeyPath, cfg.Memory.FreshInstall)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load memory key: %w", err)
	}
	memStore := memory.NewSQLiteStore(db.DB)
	memService, err := memory.NewService(memStore, memKey, memory.NewHashEmbedder(256), sysClock, memory.Config{
		MergeThreshold: cfg.Memory.MergeThreshold,
		RAGThreshold:   cfg.Memory.RAGThreshold,
		DecayFactor:    cfg.Memory.DecayFactor,
		MinImportance:  cfg.Memory.MinImportance,
		RetrieveLimit:  cfg.Memory.RAGLimit,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("construct memory service: %w", err)
	}

	principals := principalsFrom(cfg)

	if cfg.Memory.Enabled {
		if err := memService.Warm(ctx, principals); err != nil {
			db.Close()
			return nil, fmt.Errorf("warm memory index: %w", err)
		}
	}

	reminders := reminder.NewScheduler(
		reminder.NewSQLiteStore(db.DB), p.Messenger, p.Calendar, p.Weather, p.Transit, sysClock,
		reminder.Config{
			TickInterval:      cfg.Reminder.TickInterval,
			CalendarSyncEvery: cfg.Reminder.SyncInterval,
			CalendarLeadMS:    int64(cfg.Reminder.CalDAVLeadTime.Milliseconds()),
			RetryBackoff:      cfg.Reminder.RetryBackoff,
		},
	)

	root := &Root{
		Config: cfg, Clock: sysClock, Logger: logger,
		DB: db, Cache: cacheStore, Breakers: breakers, Gateway: gateway, Parser: parser,
		Conversations: conversations, Memory: memService, Reminders: reminders,
		Metrics: metrics, Ports: p, principals: principals,
	}

	root.Approvals = approval.NewQueue(
		approval.NewSQLiteStore(db.DB), &rootExecutor{root: root}, sysClock, logger.With("component", "approval"),
		approval.Config{ApprovalTTL: cfg.Approval.TTL, SweepSchedule: cronEvery(cfg.Approval.SweepInterval)},
	)

	credEntries := make([]admission.CredentialEntry, 0, len(cfg.Security.Credentials))
	for _, c := range cfg.Security.Credentials {
		id, err := domain.ParseID(c.UserID)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse configured credential user_id %q: %w", c.UserID, err)
		}
		credEntries = append(credEntries, admission.CredentialEntry{UserID: id, Digest: c.Digest})
	}
	root.Credentials = admission.NewMultiCredentialStore(db.DB, credEntries)
	root.RateLimiter = admission.NewRateLimiter(admission.RateLimiterConfig{
		RequestsPerMinute: cfg.Security.RateLimitRPM,
		Burst:             cfg.Security.RateLimitBurst,
		IdleTTL:           idleBucketTTL,
	})

	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{ServiceName: "halcyon"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("construct tracing: %w", err)
	}
	root.Tracing = tracing

	root.tasks = newTaskRunner(root)
	return root, nil
}

func principalsFrom(cfg config.Config) []domain.UserID {
	out := make([]domain.UserID, 0, len(cfg.Security.Credentials))
	for _, c := range cfg.Security.Credentials {
		if id, err := domain.ParseID(c.UserID); err == nil {
			out = append(out, id)
		}
	}
	return out
}
