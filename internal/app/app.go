// Package app wires the reconciler, its stores and its host surfaces into
// one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/afero"

	"schedulify/internal/config"
	"schedulify/internal/eventbus"
	"schedulify/internal/httpapi"
	"schedulify/internal/metrics"
	"schedulify/internal/notify"
	"schedulify/internal/reconcile"
	"schedulify/internal/runtime/supervisor"
	"schedulify/internal/settings"
	"schedulify/internal/storage"
	"schedulify/internal/throttle"
	logx "schedulify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store         storage.Store
	options       storage.Options
	closeThrottle func() error

	provider *reconcile.Provider
	cycle    *reconcile.Cycle
	sender   *notify.Sender
	settings *settings.Service
	metrics  *metrics.Metrics
	handler  http.Handler
	tick     *hostTick

	srvMu sync.Mutex
	srv   *http.Server
	addr  string

	closeOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start; one-shot callers use Trigger and Close.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New(), closeThrottle: func() error { return nil }}

	if err := a.build(ctx, cfg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(scfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Debug("storage ready", logx.String("driver", scfg.Driver), logx.String("path", scfg.Path))

	a.options = a.store
	if strings.EqualFold(strings.TrimSpace(cfg.Options.Driver), "file") {
		fo, err := storage.NewFileOptions(afero.NewOsFs(), cfg.Options.Path)
		if err != nil {
			return fmt.Errorf("open options file: %w", err)
		}
		a.options = fo
	}

	def, err := mapDefaults(cfg)
	if err != nil {
		return err
	}
	rlog := a.log.With(logx.String("comp", "reconcile"))
	a.provider = reconcile.NewProvider(a.options, def, reconcile.Hooks{}, rlog)

	cache, closeCache, err := throttle.Open(ctx, mapThrottleConfig(cfg), a.store, a.log.With(logx.String("comp", "throttle")))
	if err != nil {
		return fmt.Errorf("open throttle cache: %w", err)
	}
	a.closeThrottle = closeCache

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	nlog := a.log.With(logx.String("comp", "notify"))
	transport, err := notify.OpenTransport(ncfg, nlog)
	if err != nil {
		return fmt.Errorf("open notifier transport: %w", err)
	}
	a.sender = notify.NewSender(ncfg, transport, a.provider, a.store, a.bus, nlog)

	opts := reconcile.Options{Bus: a.bus, Log: rlog}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		opts.Observer = a.metrics
	}
	a.cycle = reconcile.NewCycle(
		a.provider,
		reconcile.NewGate(cache, a.provider.Interval, rlog),
		reconcile.NewFinder(a.store, rlog),
		reconcile.NewLoop(a.store, a.sender, a.bus, rlog),
		opts,
	)
	a.settings = settings.New(a.options, def)

	hopts := httpapi.Options{
		Cycle:            a.cycle,
		Posts:            a.store,
		Settings:         a.settings,
		MetricsPath:      cfg.Metrics.Path,
		TriggerOnRequest: cfg.HTTP.TriggerEnabled(),
		Pprof:            cfg.HTTP.Pprof,
		Log:              a.log,
	}
	if a.metrics != nil {
		hopts.Metrics = a.metrics.Handler()
	}
	a.handler = httpapi.NewRouter(hopts)
	a.tick = newHostTick(a.fireTick, a.log.With(logx.String("comp", "host")))
	return nil
}

func (a *App) fireTick() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	rep := a.cycle.Trigger(ctx)
	if rep.Ran {
		a.log.Debug("cycle ran on host tick", logx.String("run_id", rep.RunID))
	}
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Posts() storage.Posts { return a.store }

func (a *App) Settings() *settings.Service { return a.settings }

// Addr is the bound HTTP address, empty before Start or when HTTP is off.
func (a *App) Addr() string {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	return a.addr
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the run context ends, including after a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Trigger runs one throttle-gated cycle.
func (a *App) Trigger(ctx context.Context) reconcile.Report {
	return a.cycle.Trigger(ctx)
}

// Status is the operator view printed by the CLI.
type Status struct {
	Scheduled     int                  `json:"scheduled"`
	Overdue       int                  `json:"overdue"`
	Reconciler    reconcile.Status     `json:"reconciler"`
	NextTick      *time.Time           `json:"next_tick,omitempty"`
	Notifications []notify.HistoryItem `json:"notifications,omitempty"`
	Goroutines    []supervisor.Stats   `json:"goroutines,omitempty"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Scheduled, err = a.store.CountWhere(ctx, storage.Filter{Status: storage.StatusFuture}); err != nil {
		return st, err
	}
	if st.Overdue, err = a.store.CountWhere(ctx, storage.Filter{Status: storage.StatusFuture, DueBefore: time.Now()}); err != nil {
		return st, err
	}
	st.Reconciler = a.cycle.Status(ctx)
	if next := a.tick.next(); !next.IsZero() {
		st.NextTick = &next
	}
	st.Notifications = a.sender.History()
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st, nil
}

// Start runs the long-lived parts: HTTP surface, host tick, config hot
// reload and the event log. It returns once they are running.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if cfg.HTTP.Enabled {
		if err := a.startHTTP(cfg); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if err := a.tick.apply(cfg.Host.Tick, cfg.Host.Timezone); err != nil {
		a.sup.Cancel()
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	if _, err := os.Stat(a.cfgm.Path()); err == nil {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	} else {
		a.log.Info("config file absent; hot reload disabled", logx.String("path", a.cfgm.Path()))
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error { return watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("http", a.Addr()), logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) startHTTP(cfg *config.Config) error {
	to, err := mapHTTPTimeouts(cfg)
	if err != nil {
		return err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       to.read,
		ReadHeaderTimeout: to.read,
		WriteTimeout:      to.write,
	}
	a.srvMu.Lock()
	a.srv = srv
	a.addr = ln.Addr().String()
	a.srvMu.Unlock()

	a.sup.Go("http.server", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Stop shuts down in reverse start order. Each step is bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("host.tick", 5*time.Second, func(c context.Context) error { a.tick.stop(c); return nil })
	step("http", 5*time.Second, func(c context.Context) error {
		a.srvMu.Lock()
		srv := a.srv
		a.srvMu.Unlock()
		if srv == nil {
			return nil
		}
		return srv.Shutdown(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	err := a.Close()
	a.log.Info("stopped")
	return err
}

// Close releases the stores and the log file. Safe to call more than once.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.closeThrottle != nil {
			err = errors.Join(err, a.closeThrottle())
		}
		if a.store != nil {
			err = errors.Join(err, a.store.Close())
		}
		if a.logs != nil {
			err = errors.Join(err, a.logs.Close())
		}
	})
	return err
}
