// Package app builds the cockpit once and wires its components together.
// It is the only package that knows about every other one.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"stock-cockpit/config"
	"stock-cockpit/internal/ai"
	"stock-cockpit/internal/alert"
	"stock-cockpit/internal/api"
	"stock-cockpit/internal/chart"
	"stock-cockpit/internal/database"
	"stock-cockpit/internal/jobs"
	"stock-cockpit/internal/metrics"
	"stock-cockpit/internal/notify"
	"stock-cockpit/internal/poller"
	"stock-cockpit/internal/quote"
	"stock-cockpit/internal/scheduler"
	"stock-cockpit/internal/session"
	"stock-cockpit/internal/session/gateway"
	"stock-cockpit/internal/session/paprika"
	"stock-cockpit/internal/telegram"
	"stock-cockpit/internal/types"
	"stock-cockpit/lib/logging"
)

const (
	metricsSaveInterval = 5 * time.Minute
	chartCacheTTL       = 5 * time.Minute
)

// App is the application context: every long-lived component, built once.
type App struct {
	Config    *config.Config
	Settings  *config.Settings
	Store     *database.Store
	Cache     *quote.Cache
	Session   *session.Manager
	Poller    *poller.Poller
	Alerts    *alert.Engine
	Jobs      *jobs.Runner
	Scheduler *scheduler.Orchestrator
	Bus       *notify.Bus
	Metrics   *metrics.CockpitMetrics
	Hub       *api.Hub
	Charts    *chart.Cache
	Telegram  *telegram.Bot

	redis *redis.Client
	log   *log.Entry

	wg        sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type options struct {
	source      session.Source
	generator   jobs.Generator
	redis       *redis.Client
	sessionOpts []session.Option
}

type Option func(*options)

// WithSource replaces the configured quote source.
func WithSource(src session.Source) Option {
	return func(o *options) { o.source = src }
}

// WithGenerator replaces the configured AI provider.
func WithGenerator(gen jobs.Generator) Option {
	return func(o *options) { o.generator = gen }
}

// WithRedisClient uses client for the event sink instead of dialing redis_addr.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// New opens the store and builds every component. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := time.LoadLocation(cfg.Jobs.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", cfg.Jobs.Timezone)
	}

	store, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}

	a := &App{
		Config:  cfg,
		Store:   store,
		Cache:   quote.NewCache(),
		Bus:     notify.NewBus(),
		Metrics: metrics.New(),
		Hub:     api.NewHub(),
		Charts:  chart.NewCache(chartCacheTTL),
		log:     logging.Component("app"),
	}

	if err := a.build(cfg, loc, o); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, loc *time.Location, o options) error {
	settings, err := config.NewSettings(cfg, a.Store)
	if err != nil {
		return err
	}
	a.Settings = settings
	a.Metrics.Load(a.Store)

	src := o.source
	if src == nil {
		src = newSource(cfg.Quote)
	}
	sessionOpts := append([]session.Option{
		session.WithReferenceWait(cfg.Quote.ReferenceChecks, cfg.Quote.ReferenceWait),
		session.WithFetchTimeout(cfg.Quote.FetchTimeout),
		session.WithLogger(logging.Component("session")),
		session.WithStateHook(func(s session.State) {
			a.Metrics.ObserveSessionState(int(s), s == session.Connecting)
		}),
	}, o.sessionOpts...)
	a.Session = session.NewManager(src, sessionOpts...)

	clock, err := poller.NewClock(cfg.Sessions, loc)
	if err != nil {
		return err
	}
	a.Poller = poller.New(a.Session, a.Cache, a.Store, clock, poller.Options{
		ActiveInterval:   cfg.Poller.ActiveInterval,
		IdleInterval:     cfg.Poller.IdleInterval,
		FallbackInterval: cfg.Poller.FallbackInterval,
		PersistEvery:     cfg.Poller.PersistEvery,
	})
	a.Poller.SetLogger(logging.Component("poller"))
	a.Poller.SetObserver(a.Metrics)

	a.Alerts = alert.NewEngine(a.Store, alert.WithLogger(logging.Component("alert")))

	gen := o.generator
	if gen == nil {
		gen = ai.New(cfg.AI.APIKey,
			ai.WithBaseURL(cfg.AI.BaseURL),
			ai.WithModel(cfg.AI.Model),
			ai.WithTimeout(cfg.AI.Timeout),
			ai.WithRetries(cfg.AI.MaxRetries, 2*time.Second),
			ai.WithSettings(settings),
		)
	}
	a.Jobs = jobs.NewRunner(a.Store, a.Cache, gen, jobs.Options{
		TWSEBaseURL:  cfg.Jobs.TWSEBaseURL,
		FinMindURL:   cfg.Jobs.FinMindURL,
		RequestPause: cfg.Jobs.RequestPause,
		Location:     loc,
		Provider:     settings.AIProvider,
	})
	a.Jobs.SetLogger(logging.Component("jobs"))

	a.Scheduler = scheduler.New(a.Store, loc)
	a.Scheduler.SetLogger(logging.Component("scheduler"))
	if err := a.registerJobs(cfg.Jobs); err != nil {
		return err
	}

	a.Bus.SetLogger(logging.Component("notify"))
	a.Bus.OnSent(a.Metrics.ObserveNotification)
	if err := a.registerSinks(cfg, o); err != nil {
		return err
	}

	a.wireHooks()
	return nil
}

func newSource(cfg config.QuoteConfig) session.Source {
	if cfg.Source == "paprika" {
		return paprika.New(cfg.APIKey)
	}
	return gateway.New(cfg.BaseURL, cfg.APIKey, cfg.SecretKey, cfg.FetchTimeout)
}

func (a *App) registerJobs(cfg config.JobsConfig) error {
	weekday := cfg.TDCCWeekday
	specs := []struct {
		name    string
		at      string
		weekday *time.Weekday
		fn      scheduler.Func
	}{
		{jobs.Institutional, cfg.Institutional, nil, a.Jobs.RunInstitutional},
		{jobs.Margin, cfg.Margin, nil, a.Jobs.RunMargin},
		{jobs.Review, cfg.Review, nil, a.Jobs.RunReview},
		{jobs.TDCC, cfg.TDCC, &weekday, a.Jobs.RunTDCC},
	}
	for _, s := range specs {
		hour, minute, err := config.ParseClock(s.at)
		if err != nil {
			return err
		}
		err = a.Scheduler.Register(scheduler.Job{Name: s.name, Hour: hour, Minute: minute, Weekday: s.weekday, Func: s.fn})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerSinks(cfg *config.Config, o options) error {
	a.redis = o.redis
	if a.redis == nil && cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if a.redis != nil {
		a.Bus.Register("redis", notify.NewRedisSink(a.redis, cfg.Redis.Channel))
	}

	if cfg.Telegram.Token == "" {
		a.log.Info("Telegram token not set, telegram notifications disabled")
		return nil
	}
	bot, err := telegram.NewBot(telegram.BotConfig{
		Token:          cfg.Telegram.Token,
		Debug:          cfg.Debug,
		UpdatesTimeout: 60,
	}, telegram.Deps{
		Settings: a.Settings,
		History:  a.Store,
		Quotes:   a.Cache,
		Alerts:   a.Alerts,
		Charts:   a.Charts,
	})
	if err != nil {
		return err
	}
	a.Telegram = bot
	a.Bus.Register("telegram", bot)
	return nil
}

var jobKinds = map[string]notify.Kind{
	jobs.Institutional: notify.InstitutionalCompleted,
	jobs.Margin:        notify.MarginCompleted,
	jobs.TDCC:          notify.TDCCCompleted,
	jobs.Review:        notify.AIReviewCompleted,
}

// wireHooks is the single place fetch and job completions are connected to
// alerts, notifications, the stream and metrics.
func (a *App) wireHooks() {
	a.Poller.OnFetch(func(ctx context.Context, snaps map[string]types.Snapshot) {
		a.Hub.Broadcast(api.MessageSnapshots, snaps)
	})
	a.Poller.OnFetch(func(ctx context.Context, snaps map[string]types.Snapshot) {
		a.CheckAlerts(ctx, snaps)
	})
	a.Poller.OnFetch(func(ctx context.Context, snaps map[string]types.Snapshot) {
		a.notify(ctx, notify.Event{Kind: notify.FetchCompleted, Payload: map[string]int{"symbols": len(snaps)}})
	})

	for name, kind := range jobKinds {
		a.Scheduler.OnComplete(name, func(ctx context.Context, res scheduler.Result) {
			a.Metrics.ObserveJob(res.Name, res.Err)
			ev := notify.Event{Kind: kind, Job: res.Name, Payload: res.Summary}
			if res.Err != nil {
				ev.Error = res.Err.Error()
			}
			a.notify(ctx, ev)
		})
	}
}

// CheckAlerts evaluates quotes against the active alerts and delivers every
// resulting trigger.
func (a *App) CheckAlerts(ctx context.Context, quotes map[string]types.Snapshot) []types.TriggerEvent {
	events := a.Alerts.Check(quotes)
	if len(events) == 0 {
		return events
	}
	a.Metrics.ObserveAlerts(len(events))
	for _, ev := range events {
		a.Hub.Broadcast(api.MessageTrigger, ev)
		a.notify(ctx, notify.Event{Kind: notify.AlertTriggered, At: ev.TriggeredAt, Payload: ev})
	}
	return events
}

func (a *App) notify(ctx context.Context, ev notify.Event) {
	if err := a.Bus.Send(ctx, ev); err != nil {
		a.log.Debugf("Notification %s partially failed: %v", ev.Kind, err)
	}
}

// API builds the HTTP server over this application.
func (a *App) API() *api.Server {
	return api.NewServer(api.Deps{
		Quotes:      a.Cache,
		Session:     a.Session,
		Alerts:      a.Alerts,
		Jobs:        a.Scheduler,
		Store:       a.Store,
		Settings:    a.Settings,
		Hub:         a.Hub,
		Charts:      a.Charts,
		Metrics:     a.Metrics.Handler(),
		CheckAlerts: a.CheckAlerts,
		Backtest:    a.Jobs.Backtest,
	}, a.Config.Debug)
}

// Start launches the scheduler, the poll loop, the stream hub, the telegram
// listener and periodic metric saves. Stop undoes it.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.runCtx = ctx

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	a.Poller.Start(ctx)

	a.goRun(func() { a.Hub.Run(ctx) })
	if a.Telegram != nil {
		a.goRun(func() { a.Telegram.Listen(ctx) })
	}
	a.goRun(func() {
		ticker := time.NewTicker(metricsSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Metrics.Save(a.Store)
			}
		}
	})
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Serve starts the application and the HTTP API and blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	ctx = a.runCtx
	if a.Config.MetricsPort > 0 && a.Config.MetricsPort != a.Config.HTTPPort {
		a.goRun(func() {
			if err := a.launchMetricsAndHealthServer(ctx, a.Config.MetricsPort); err != nil {
				a.log.Errorf("Metrics server: %v", err)
			}
		})
	}
	return a.API().ListenAndServe(ctx, fmt.Sprintf(":%d", a.Config.HTTPPort))
}

func (a *App) launchMetricsAndHealthServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop halts background work, saves metrics and closes the store. It is safe
// to call more than once.
func (a *App) Stop() {
	a.closeOnce.Do(func() {
		timeout := a.Config.Poller.StopTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if err := a.Poller.Stop(timeout); err != nil {
			a.log.Warn(err)
		}
		a.Scheduler.Stop(timeout)
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.Metrics.Save(a.Store)
		a.log.Info("Metrics saved, shutting down...")

		if a.redis != nil {
			a.redis.Close()
		}
		if err := a.Store.Close(); err != nil {
			a.log.Warnf("Closing store: %v", err)
		}
	})
}
