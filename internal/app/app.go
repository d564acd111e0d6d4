// Package app wires the process together: config, logging, storage, the
// browser collaborators, the session manager, broker, remote client,
// scheduler, and the local HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"genflow/internal/broker"
	"genflow/internal/browser"
	"genflow/internal/config"
	"genflow/internal/eventbus"
	"genflow/internal/poll"
	"genflow/internal/remote"
	"genflow/internal/runtime/supervisor"
	"genflow/internal/scheduler"
	"genflow/internal/session"
	"genflow/internal/storage"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	db       storage.Store // may be nil
	jobs     *store.Store
	sessions *session.Manager
	remote   *remote.Client
	metrics  *metrics
	sup      *supervisor.Supervisor

	schedMu sync.RWMutex
	sched   *scheduler.Scheduler

	// accounts is the fallback account list when storage is disabled.
	accountsMu sync.Mutex
	accounts   []storage.AccountRecord

	httpSrv *http.Server
	cronSvc *cron.Cron

	started atomic.Bool
}

func New(cfgMgr *config.Manager, logSvc *logx.Service, log logx.Logger) *App {
	return &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
	}
}

// settings is the parsed, typed view of the file config.
type settings struct {
	storage   storage.Config
	provider  browser.ProviderConfig
	session   session.Config
	broker    broker.Config
	remote    remote.Config
	poller    poll.Config
	scheduler scheduler.Config
}

func buildSettings(cfg *config.Config) (settings, error) {
	var s settings
	var err error

	if s.storage.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return s, err
	}
	s.storage.Driver = cfg.Storage.Driver
	s.storage.Path = cfg.Storage.Path

	if s.provider.DiscoverDelay, err = config.ParseDurationField("provider.discover_delay", cfg.Provider.DiscoverDelay); err != nil {
		return s, err
	}
	if s.provider.RequestTimeout, err = config.ParseDurationField("provider.request_timeout", cfg.Provider.RequestTimeout); err != nil {
		return s, err
	}
	s.provider.Host = cfg.Provider.Host
	s.provider.PortFrom = cfg.Provider.PortFrom
	s.provider.PortTo = cfg.Provider.PortTo
	s.provider.APIKey = cfg.Provider.APIKey
	s.provider.DiscoverAttempts = cfg.Provider.DiscoverAttempts

	if s.session.StartDelay, err = config.ParseDurationField("session.start_delay", cfg.Session.StartDelay); err != nil {
		return s, err
	}
	if s.session.ProbeTimeout, err = config.ParseDurationField("session.probe_timeout", cfg.Session.ProbeTimeout); err != nil {
		return s, err
	}
	s.session.StartAttempts = cfg.Session.StartAttempts
	s.session.AuthSurfaceURL = cfg.Service.AuthSurfaceURL

	if s.broker.StrategyTimeout, err = config.ParseDurationField("broker.strategy_timeout", cfg.Broker.StrategyTimeout); err != nil {
		return s, err
	}
	if s.broker.ChallengeTimeout, err = config.ParseDurationField("broker.challenge_timeout", cfg.Broker.ChallengeTimeout); err != nil {
		return s, err
	}
	s.broker.ServiceBaseURL = cfg.Service.BaseURL

	if s.remote.RequestTimeout, err = config.ParseDurationField("service.request_timeout", cfg.Service.RequestTimeout); err != nil {
		return s, err
	}
	s.remote.BaseURL = cfg.Service.BaseURL

	if s.poller.Interval, err = config.ParseDurationField("poller.interval", cfg.Poller.Interval); err != nil {
		return s, err
	}
	if s.poller.RoundTimeout, err = config.ParseDurationField("poller.round_timeout", cfg.Poller.RoundTimeout); err != nil {
		return s, err
	}
	s.poller.MaxPolls = cfg.Poller.MaxPolls

	if s.scheduler.PickupDelay, err = config.ParseDurationField("scheduler.pickup_delay", cfg.Scheduler.PickupDelay); err != nil {
		return s, err
	}
	return s, nil
}

// Validate is the config-manager validation hook.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg.Service.BaseURL == "" {
		return errors.New("service.base_url is required")
	}
	for i, acct := range cfg.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if acct.CookiesPath == "" {
			return fmt.Errorf("accounts[%d]: cookies_path is required", i)
		}
	}
	_, err := buildSettings(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app already started")
	}

	cfg := a.cfgMgr.Get()
	if cfg == nil {
		var err error
		cfg, err = a.cfgMgr.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	set, err := buildSettings(cfg)
	if err != nil {
		return err
	}

	db, err := storage.Open(set.storage, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.db = db

	a.bus = eventbus.New()
	a.jobs = store.New(a.bus)
	a.metrics = newMetrics()

	if err := a.importAccounts(ctx, cfg.Accounts); err != nil {
		return err
	}

	provider, err := browser.Discover(ctx, set.provider, a.log.With(logx.String("comp", "provider")))
	if err != nil {
		return fmt.Errorf("discover provider: %w", err)
	}
	drvLog := a.log.With(logx.String("comp", "driver"))
	dial := func(ctx context.Context, address string) (browser.Driver, error) {
		return browser.Dial(ctx, address, drvLog)
	}

	a.sessions = session.NewManager(set.session, provider, dial, a.db,
		a.log.With(logx.String("comp", "session")), a.bus)
	a.remote = remote.New(set.remote, a.log.With(logx.String("comp", "remote")))

	a.setScheduler(set)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go0("metrics.consume", func(ctx context.Context) {
		a.metrics.consume(ctx, a.bus)
	})

	if cfg.AutoRun != nil && cfg.AutoRun.Enabled {
		if err := a.startAutoRun(cfg.AutoRun); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8940"
		}
		a.httpSrv = &http.Server{
			Addr:              addr,
			Handler:           a.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.sup.Go("http.serve", func(ctx context.Context) error {
			a.log.Info("api listening", logx.String("addr", addr))
			err := a.httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	a.log.Info("app started")
	return nil
}

// Stop shuts the process surfaces down. Sessions are deliberately left
// alive; a later invocation reuses them through the persisted records.
func (a *App) Stop(ctx context.Context) error {
	if !a.started.CompareAndSwap(true, false) {
		return nil
	}

	if a.cronSvc != nil {
		cronCtx := a.cronSvc.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Any("err", err))
		}
	}
	a.log.Info("app stopped")
	return nil
}

func (a *App) scheduler() *scheduler.Scheduler {
	a.schedMu.RLock()
	defer a.schedMu.RUnlock()
	return a.sched
}

func (a *App) setScheduler(set settings) {
	poller := poll.New(set.poller, a.remote, a.jobs, a.log.With(logx.String("comp", "poller")))
	sched := scheduler.New(set.scheduler, a.sessions, broker.New(set.broker, a.log.With(logx.String("comp", "broker"))),
		a.remote, poller, a.jobs, a.db, a.log.With(logx.String("comp", "scheduler")), a.bus)

	a.schedMu.Lock()
	a.sched = sched
	a.schedMu.Unlock()
}

// applyLoop handles config hot-reload: logging changes apply immediately,
// scheduler/poller/broker tunables apply between runs, never mid-run.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if a.logSvc != nil {
		a.logSvc.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
	}

	if err := a.importAccounts(ctx, cfg.Accounts); err != nil {
		a.log.Warn("account import failed", logx.Any("err", err))
	}

	set, err := buildSettings(cfg)
	if err != nil {
		a.log.Warn("config apply failed", logx.Any("err", err))
		return
	}
	if a.scheduler().Running() {
		a.log.Info("scheduler tunables deferred until current run finishes")
		return
	}
	a.setScheduler(set)
	a.log.Info("config applied")
}

// importAccounts replaces stored account records with the configured ones
// (whole-document, keyed by id). With storage disabled the list is kept in
// memory only.
func (a *App) importAccounts(ctx context.Context, accounts []config.AccountConfig) error {
	now := time.Now()
	recs := make([]storage.AccountRecord, 0, len(accounts))
	for _, acct := range accounts {
		budget := acct.Budget
		if budget <= 0 {
			budget = 1
		}
		recs = append(recs, storage.AccountRecord{
			ID:          acct.ID,
			Label:       acct.Label,
			Budget:      budget,
			CookiesPath: acct.CookiesPath,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if a.db == nil {
		a.accountsMu.Lock()
		a.accounts = recs
		a.accountsMu.Unlock()
		return nil
	}

	for _, rec := range recs {
		if prev, err := a.db.GetAccount(ctx, rec.ID); err == nil {
			rec.CreatedAt = prev.CreatedAt
			rec.Expired = prev.Expired
		}
		if err := a.db.PutAccount(ctx, rec); err != nil {
			return fmt.Errorf("import account %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (a *App) listAccounts(ctx context.Context) ([]storage.AccountRecord, error) {
	if a.db == nil {
		a.accountsMu.Lock()
		defer a.accountsMu.Unlock()
		return append([]storage.AccountRecord(nil), a.accounts...), nil
	}
	return a.db.ListAccounts(ctx)
}

// selectAccounts resolves the accounts for a run: the named ids, or every
// known account when ids is empty. Expired accounts are skipped.
func (a *App) selectAccounts(ctx context.Context, ids []string) ([]storage.AccountRecord, error) {
	all, err := a.listAccounts(ctx)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	var out []storage.AccountRecord
	for _, acct := range all {
		if len(want) > 0 && !want[acct.ID] {
			continue
		}
		if acct.Expired {
			a.log.Debug("expired account skipped", logx.String("account", acct.ID))
			continue
		}
		out = append(out, acct)
	}
	if len(out) == 0 {
		return nil, errors.New("no usable accounts")
	}
	return out, nil
}

func (a *App) startAutoRun(cfg *config.AutoRunConfig) error {
	opts := []cron.Option{}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("auto_run.timezone: %w", err)
		}
		opts = append(opts, cron.WithLocation(loc))
	}
	c := cron.New(opts...)
	_, err := c.AddFunc(cfg.Schedule, func() {
		sched := a.scheduler()
		if sched.Running() {
			a.log.Debug("auto-run skipped, run in progress")
			return
		}
		accounts, err := a.selectAccounts(context.Background(), nil)
		if err != nil {
			a.log.Warn("auto-run has no accounts", logx.Any("err", err))
			return
		}
		a.sup.Go0("run.auto", func(ctx context.Context) {
			if _, err := sched.Run(ctx, nil, accounts); err != nil {
				a.log.Warn("auto-run failed", logx.Any("err", err))
			}
		})
	})
	if err != nil {
		return fmt.Errorf("auto_run.schedule: %w", err)
	}
	c.Start()
	a.cronSvc = c
	a.log.Info("auto-run scheduled", logx.String("schedule", cfg.Schedule))
	return nil
}
