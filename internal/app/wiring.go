package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fitsync/internal/auth"
	"github.com/hitoshi/fitsync/internal/config"
	"github.com/hitoshi/fitsync/internal/events"
	"github.com/hitoshi/fitsync/internal/integration"
	"github.com/hitoshi/fitsync/internal/metrics"
	"github.com/hitoshi/fitsync/internal/model"
	"github.com/hitoshi/fitsync/internal/provider"
	"github.com/hitoshi/fitsync/internal/reporting"
	"github.com/hitoshi/fitsync/internal/repository"
	"github.com/hitoshi/fitsync/internal/security"
	"github.com/hitoshi/fitsync/internal/storage"
	"github.com/hitoshi/fitsync/internal/worker/refresh"
	"github.com/hitoshi/fitsync/internal/worker/syncer"
)

// Version はビルド時に -ldflags で埋め込まれる。
var Version = "dev"

// repositories はコンポーネントが使うリポジトリ一式。
type repositories struct {
	conns      repository.ConnectionRepository
	logs       repository.SyncLogRepository
	activities repository.ActivityRepository
	states     repository.OAuthStateRepository
}

func postgresRepositories(db *sql.DB) repositories {
	return repositories{
		conns:      repository.NewPostgresConnectionRepo(db),
		logs:       repository.NewPostgresSyncLogRepo(db),
		activities: repository.NewPostgresActivityRepo(db),
		states:     repository.NewPostgresOAuthStateRepo(db),
	}
}

// eventPublisher はアクティビティ取り込みイベントの送信先。
type eventPublisher interface {
	syncer.Publisher
	Close() error
}

// components は serve / worker / sync で共有するドメインコンポーネント。
type components struct {
	registry         *provider.Registry
	collector        *metrics.Collector
	gatherer         prometheus.Gatherer
	reporter         *reporting.Reporter
	publisher        eventPublisher
	refresher        *refresh.Refresher
	refreshScheduler *refresh.Scheduler
	orchestrator     *syncer.Orchestrator
	autoSync         *syncer.AutoScheduler
	manager          *integration.Manager
}

// buildComponents は設定とリポジトリから全コンポーネントを組み立てる。
func buildComponents(cfg *config.Config, repos repositories, payloads syncer.PayloadStore, logger *slog.Logger) (*components, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	reporter, err := reporting.NewReporter(reporting.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     "fitsync@" + Version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init error reporting: %w", err)
	}

	guard := security.NewOutboundGuard()
	httpClient := guard.NewSafeClient(cfg.ProviderTimeout, cfg.ProviderMaxResponseSize)
	registry, err := buildRegistry(cfg, guard, httpClient, collector, logger)
	if err != nil {
		return nil, err
	}

	var publisher eventPublisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaActivityTopic, logger)
		logger.Info("Kafkaへのイベント送信を有効化しました",
			slog.String("topic", cfg.KafkaActivityTopic),
			slog.Int("brokers", len(cfg.KafkaBrokers)),
		)
	}
	if payloads == nil {
		payloads = storage.NopPayloadStore{}
	}

	refresher := refresh.NewRefresher(registry, repos.conns, collector, reporter, logger)
	refreshScheduler := refresh.NewScheduler(repos.conns, refresher, logger, refresh.SchedulerConfig{
		Lookahead:      cfg.TokenRefreshLookahead,
		MaxConcurrency: cfg.SyncMaxConcurrent,
	})

	orchestrator := syncer.NewOrchestrator(syncer.Deps{
		Adapters:   registry,
		Conns:      repos.conns,
		Logs:       repos.logs,
		Activities: repos.activities,
		Refresher:  refresher,
		Payloads:   payloads,
		Publisher:  publisher,
		Observer:   collector,
		Reporter:   reporter,
		Logger:     logger,
	}, syncer.Config{
		Retry: syncer.RetryPolicy{
			MaxRetries:     cfg.SyncMaxRetries,
			InitialBackoff: cfg.SyncInitialBackoff,
			MaxBackoff:     cfg.SyncMaxBackoff,
		},
		FirstLookback:  cfg.SyncFirstLookback,
		TokenLookahead: cfg.TokenRefreshLookahead,
	})

	flow := auth.NewFlow(registry, repos.conns, repos.states, auth.FlowConfig{
		StateTTL: cfg.OAuthStateTTL,
	}, logger)

	manager := integration.NewManager(registry, repos.conns, repos.logs, flow, orchestrator, collector,
		integration.Config{CancelWait: cfg.SyncCancelWait}, logger)

	return &components{
		registry:         registry,
		collector:        collector,
		gatherer:         reg,
		reporter:         reporter,
		publisher:        publisher,
		refresher:        refresher,
		refreshScheduler: refreshScheduler,
		orchestrator:     orchestrator,
		autoSync:         syncer.NewAutoScheduler(repos.conns, orchestrator, logger, cfg.SyncMaxConcurrent),
		manager:          manager,
	}, nil
}

// endpointLister は接続先URLを公開するアダプター。
type endpointLister interface {
	Endpoints() []string
}

// buildRegistry は認証情報が設定されたプロバイダーのアダプターを生成する。
// アダプターごとに送信ペースのリミッターを持ち、接続先URLは起動時に検証する。
func buildRegistry(cfg *config.Config, guard *security.OutboundGuard, httpClient *http.Client, observer provider.RequestObserver, logger *slog.Logger) (*provider.Registry, error) {
	sanitizer := security.NewTextSanitizer()

	var adapters []provider.Adapter
	for _, p := range model.AllProviders() {
		creds, ok := cfg.Providers[p]
		if !ok {
			continue
		}
		pc := provider.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  cfg.RedirectURL(p),
			HTTPClient:   httpClient,
			Timeout:      cfg.ProviderTimeout,
			Limiter:      rate.NewLimiter(rate.Limit(cfg.ProviderRatePerSecond), cfg.ProviderRateBurst),
			Observer:     observer,
			Sanitizer:    sanitizer,
			Logger:       logger.With(slog.String("provider", string(p))),
		}

		var a provider.Adapter
		switch p {
		case model.ProviderStrava:
			a = provider.NewStravaAdapter(pc)
		case model.ProviderPolar:
			a = provider.NewPolarAdapter(pc)
		case model.ProviderGarmin:
			a = provider.NewGarminAdapter(pc)
		default:
			continue
		}

		if el, ok := a.(endpointLister); ok {
			for _, endpoint := range el.Endpoints() {
				if err := guard.ValidateEndpoint(endpoint); err != nil {
					return nil, fmt.Errorf("invalid %s endpoint %q: %w", p, endpoint, err)
				}
			}
		}
		adapters = append(adapters, a)
		logger.Info("プロバイダーを有効化しました", slog.String("provider", string(p)))
	}
	return provider.NewRegistry(adapters...), nil
}

// newPayloadStore は生データの保存先を返す。バケット未設定の場合は保存しない。
// 返す関数で後始末を行う。
func newPayloadStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (syncer.PayloadStore, func() error, error) {
	if cfg.RawPayloadBucket == "" {
		return storage.NopPayloadStore{}, func() error { return nil }, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	logger.Info("生データの保存を有効化しました", slog.String("bucket", cfg.RawPayloadBucket))
	return storage.NewGCSPayloadStore(client, cfg.RawPayloadBucket, "raw"), client.Close, nil
}
