package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/campaign"
	"github.com/kliq-group/growth-engine/internal/discovery"
	"github.com/kliq-group/growth-engine/internal/events"
	"github.com/kliq-group/growth-engine/internal/fetcher"
	"github.com/kliq-group/growth-engine/internal/orchestrator"
	"github.com/kliq-group/growth-engine/internal/platform"
	"github.com/kliq-group/growth-engine/internal/resilience"
	"github.com/kliq-group/growth-engine/internal/review"
	"github.com/kliq-group/growth-engine/internal/stage"
	"github.com/kliq-group/growth-engine/internal/store"
	"github.com/kliq-group/growth-engine/pkg/aigen"
	"github.com/kliq-group/growth-engine/pkg/brevo"
	"github.com/kliq-group/growth-engine/pkg/notion"
	"github.com/kliq-group/growth-engine/pkg/storefront"
)

// appEnv holds the initialized store, clients, and engines shared by the
// commands. Callers defer env.Close().
type appEnv struct {
	Store        store.Store
	Registry     *platform.Registry
	Discovery    *discovery.Engine
	Loader       *fetcher.Loader
	Executor     *stage.Executor
	Orchestrator *orchestrator.Orchestrator
	Machine      *campaign.Machine
	Scheduler    *campaign.Scheduler
	Review       *review.Queue
	Bus          *events.Bus
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store and wires every engine. Migrations run on
// every start; both backends make them idempotent.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := platform.NewRegistry()
	registry.Register(platform.NewWebsiteAdapter(cfg.Discovery.ScrapeRate))

	engine := discovery.NewEngine(st, registry)

	loader := fetcher.NewLoader(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{RatePerSec: cfg.Discovery.SeedFetchRate}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
	)

	bus := initBus()

	seq, err := loadSequence()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sender := initBrevo()
	machine := campaign.NewMachine(st, sender, seq, bus)

	tickInterval, err := time.ParseDuration(cfg.Campaign.TickInterval)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrapf(err, "parse campaign tick interval %q", cfg.Campaign.TickInterval)
	}
	scheduler := campaign.NewScheduler(st, machine, tickInterval)

	aiClient := aigen.NewClient(cfg.Anthropic.Key,
		aigen.WithModel(cfg.Anthropic.Model),
		aigen.WithMaxTokens(cfg.Anthropic.MaxTokens),
	)
	storeClient := storefront.NewClient(cfg.Storefront.BaseURL, cfg.Storefront.Key)

	exec := stage.NewExecutor(st,
		stage.NewScrapeRunner(registry, engine, st),
		stage.NewGenerateRunner(aiClient),
		stage.NewProvisionRunner(storeClient, st),
		stage.NewOutreachRunner(machine),
	).
		WithRetryConfig(resilience.TuneRetry(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBackoff, cfg.Pipeline.RetryBackoffMax)).
		WithBreakerConfig(resilience.TuneBreaker(cfg.Pipeline.BreakerThreshold, cfg.Pipeline.BreakerCooldown))

	orch := orchestrator.New(st, exec, bus, cfg.Pipeline.Workers)

	var reviewQueue *review.Queue
	if cfg.Notion.Token != "" && cfg.Notion.ReviewDB != "" {
		reviewQueue = review.NewQueue(st, notion.NewClient(cfg.Notion.Token), cfg.Notion.ReviewDB)
	} else {
		zap.L().Debug("notion review queue disabled, GROWTH_NOTION_TOKEN or GROWTH_NOTION_REVIEW_DB not set")
	}

	return &appEnv{
		Store:        st,
		Registry:     registry,
		Discovery:    engine,
		Loader:       loader,
		Executor:     exec,
		Orchestrator: orch,
		Machine:      machine,
		Scheduler:    scheduler,
		Review:       reviewQueue,
		Bus:          bus,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("GROWTH_STORE_DATABASE_URL is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
		})
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "growth.db"
		}
		return store.NewSQLite(dsn)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initBus() *events.Bus {
	sinks := []events.Sink{events.LogSink{}}
	if cfg.Events.WebhookURL != "" {
		types := make([]events.Type, 0, len(cfg.Events.Types))
		for _, t := range cfg.Events.Types {
			types = append(types, events.Type(t))
		}
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, types...))
	}
	return events.NewBus(sinks...)
}

func initBrevo() brevo.Client {
	opts := []brevo.Option{}
	if cfg.Brevo.BaseURL != "" {
		opts = append(opts, brevo.WithBaseURL(cfg.Brevo.BaseURL))
	}
	return brevo.NewClient(cfg.Brevo.Key, opts...)
}

func loadSequence() (campaign.Sequence, error) {
	if cfg.Campaign.SequenceFile == "" {
		return campaign.DefaultSequence(), nil
	}
	return campaign.LoadSequence(cfg.Campaign.SequenceFile)
}
