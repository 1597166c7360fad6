package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/compose"
	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/interactions"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/monitoring"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/playbook"
	"github.com/sells-group/outreach-cli/internal/research"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/retryqueue"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/tracker"
	anthropicpkg "github.com/sells-group/outreach-cli/pkg/anthropic"
	"github.com/sells-group/outreach-cli/pkg/notion"
	"github.com/sells-group/outreach-cli/pkg/perplexity"
	sfpkg "github.com/sells-group/outreach-cli/pkg/salesforce"
	"github.com/sells-group/outreach-cli/pkg/whatsapp"
)

// crmProvider is both the snapshot source and the status sink.
type crmProvider interface {
	pipeline.SnapshotProvider
	tracker.StatusSync
}

// env holds everything the commands share. Coordinator is nil for
// store-only commands.
type env struct {
	Store       store.Store
	Metrics     *metrics.Metrics
	Breakers    *resilience.ServiceBreakers
	Alerter     *monitoring.Alerter
	Gateway     delivery.Gateway
	Log         *interactions.Log
	Queue       *retryqueue.Queue
	Tracker     *tracker.Tracker
	Coordinator *pipeline.Coordinator
	Notion      notion.Client
}

// Close waits for pending alerts and releases the store.
func (e *env) Close() {
	if e.Alerter != nil {
		e.Alerter.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode and builds the components it needs.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	e := &env{
		Store:   st,
		Metrics: metrics.New(),
		Alerter: monitoring.NewAlerter(cfg.Monitoring),
		Log:     interactions.New(st),
	}
	e.Breakers = resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		ResetTimeout:      cfg.Breaker.ResetTimeout,
		HalfOpenMaxProbes: 1,
	})
	e.Breakers.OnStateChange(breakerHook(e.Metrics, e.Alerter.BreakerHook(context.WithoutCancel(ctx))))

	e.Gateway = delivery.NewWhatsApp(whatsapp.NewClient(
		whatsapp.WithBaseURL(cfg.WhatsApp.BaseURL),
		whatsapp.WithAPIKey(cfg.WhatsApp.Key),
		whatsapp.WithRateLimit(cfg.WhatsApp.RateLimit),
	))

	e.Queue = retryqueue.New(st, e.Gateway, e.Log, retryConfig(cfg.Retry),
		retryqueue.WithBreaker(e.Breakers.Get(pipeline.StageDelivery)),
		retryqueue.WithMetrics(e.Metrics),
	)

	e.Tracker = tracker.New(st, e.Gateway, e.Log, trackerConfig(cfg.Tracker), tracker.WithMetrics(e.Metrics))

	if cfg.Notion.Token != "" {
		e.Notion = notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
	}

	if mode == config.ModeStore {
		return e, nil
	}

	provider, err := initCRM()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.setStatusSync(provider)

	pb, err := loadPlaybook()
	if err != nil {
		e.Close()
		return nil, err
	}

	pplx := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)
	claude := anthropicpkg.NewClient(cfg.Anthropic.Key)

	stages := pipeline.Stages{
		CRM:      provider,
		Research: research.NewPerplexity(pplx, pb, cfg.Perplexity.Model),
		Generate: compose.NewAnthropic(claude, pb,
			compose.WithModel(cfg.Anthropic.Model),
			compose.WithMaxTokens(cfg.Anthropic.MaxTokens),
		),
		Fallback: compose.NewFallback(pb),
	}
	e.Coordinator = pipeline.New(st, stages, e.Gateway, e.Queue, e.Log, coordinatorConfig(cfg.Coordinator),
		pipeline.WithBreakers(e.Breakers),
		pipeline.WithMetrics(e.Metrics),
	)

	zap.L().Info("outreach environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("crm", cfg.CRM.Provider),
		zap.String("playbook", pb.Version),
		zap.Bool("allow_fallback", cfg.Coordinator.AllowFallback),
	)
	return e, nil
}

// enableStatusSync connects the tracker to the CRM when tracker.sync_crm is
// set. Store-only commands call it when they poll; a CRM that cannot be
// reached only disables the sync.
func (e *env) enableStatusSync() {
	if !cfg.Tracker.SyncCRM {
		return
	}
	provider, err := initCRM()
	if err != nil {
		zap.L().Warn("crm status sync disabled", zap.Error(err))
		return
	}
	e.setStatusSync(provider)
}

func (e *env) setStatusSync(s tracker.StatusSync) {
	if !cfg.Tracker.SyncCRM {
		return
	}
	e.Tracker = tracker.New(e.Store, e.Gateway, e.Log, trackerConfig(cfg.Tracker),
		tracker.WithMetrics(e.Metrics),
		tracker.WithStatusSync(s),
	)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initCRM() (crmProvider, error) {
	switch cfg.CRM.Provider {
	case "file":
		if cfg.CRM.File == "" {
			return nil, eris.New("crm.file is required for the file provider")
		}
		fp, err := crm.LoadFile(cfg.CRM.File)
		if err != nil {
			return nil, err
		}
		return fp, nil
	case "salesforce":
		key, err := cfg.Salesforce.PrivateKey()
		if err != nil {
			return nil, err
		}
		client, err := sfpkg.Dial(sfpkg.Creds{
			LoginURL:   cfg.Salesforce.LoginURL,
			Username:   cfg.Salesforce.Username,
			ClientID:   cfg.Salesforce.ClientID,
			PrivateKey: key,
		}, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit))
		if err != nil {
			return nil, eris.Wrap(err, "init salesforce")
		}
		return crm.NewSalesforce(client, cfg.CRM.StatusMap), nil
	default:
		return nil, eris.Errorf("unsupported crm provider: %s", cfg.CRM.Provider)
	}
}

func loadPlaybook() (*playbook.Playbook, error) {
	if cfg.Playbook.Path == "" {
		return playbook.Default(), nil
	}
	pb, err := playbook.Load(cfg.Playbook.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load playbook")
	}
	return pb, nil
}

// breakerHook mirrors breaker state into metrics before alerting.
func breakerHook(m *metrics.Metrics, alert func(string, resilience.CircuitState, resilience.CircuitState)) func(string, resilience.CircuitState, resilience.CircuitState) {
	return func(stage string, from, to resilience.CircuitState) {
		m.BreakerOpen(stage, to == resilience.CircuitOpen)
		alert(stage, from, to)
	}
}

func retryConfig(c config.RetryConfig) retryqueue.Config {
	return retryqueue.Config{
		InitialDelay:  c.InitialDelay,
		BackoffFactor: c.BackoffFactor,
		MaxDelay:      c.MaxDelay,
		MaxAttempts:   c.MaxAttempts,
		PollInterval:  c.PollInterval,
		BatchSize:     c.BatchSize,
		Concurrency:   c.Concurrency,
		RatePerSecond: c.RatePerSecond,
	}
}

func trackerConfig(c config.TrackerConfig) tracker.Config {
	return tracker.Config{
		PollInterval:   c.PollInterval,
		Lookback:       c.Lookback,
		CompletionMode: c.CompletionMode,
		Concurrency:    c.Concurrency,
		BatchSize:      c.BatchSize,
	}
}

func coordinatorConfig(c config.CoordinatorConfig) pipeline.Config {
	return pipeline.Config{
		LockTTL:         c.LockTTL,
		RunTimeout:      c.RunTimeout,
		StageTimeout:    c.StageTimeout,
		StageRetries:    c.StageRetries,
		StageRetryDelay: c.StageRetryDelay,
		AllowFallback:   c.AllowFallback,
	}
}
