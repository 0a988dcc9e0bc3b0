// Package core wires configuration, storage, gateways and the
// dispatcher into one runnable application.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callbot/internal/calls"
	"callbot/internal/config"
	"callbot/internal/dispatch"
	"callbot/internal/eventbus"
	"callbot/internal/gateway"
	"callbot/internal/storage"
	"callbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store storage.Store
	bus   eventbus.Bus
	disp  *dispatch.Dispatcher
	calls *calls.Service
	tg    *gateway.Telegram

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	})
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tg, err := gateway.NewTelegram(gateway.TelegramConfig{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, fmt.Errorf("telegram gateway: %w", err)
	}

	voice := gateway.NewCallMeBot(gateway.CallMeBotConfig{
		APIURL:         cfg.CallMeBot.APIURL,
		RequestTimeout: config.Duration(cfg.CallMeBot.RequestTimeout, 30*time.Second),
	}, store.GetOwner, log.With(logx.String("comp", "callmebot")))

	gw := &gateway.Composite{
		Voice: voice,
		Text:  tg,
		WantText: func(ctx context.Context, ownerID int64) bool {
			o, ok, err := store.GetOwner(ctx, ownerID)
			return err == nil && ok && o.SendTextCopy
		},
		Log: log.With(logx.String("comp", "gateway")),
	}

	bus := eventbus.New()
	disp := dispatch.New(dispatcherConfig(cfg), store, gw, bus,
		log.With(logx.String("comp", "dispatch")))

	svc := calls.NewService(calls.Config{
		MaxActivePerOwner: cfg.Calls.MaxActivePerOwner,
		DefaultTimezone:   cfg.Calls.DefaultTimezone,
	}, store, disp, bus, log.With(logx.String("comp", "calls")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logs,
		store: store,
		bus:   bus,
		disp:  disp,
		calls: svc,
		tg:    tg,
		done:  make(chan struct{}),
	}, nil
}

func dispatcherConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		RetryBase:        config.Duration(cfg.Dispatcher.RetryBase, 2*time.Second),
		RetryCap:         config.Duration(cfg.Dispatcher.RetryCap, 30*time.Second),
		CatchUpPerSecond: cfg.Dispatcher.CatchUpPerSecond,
		CatchUpBurst:     cfg.Dispatcher.CatchUpBurst,
		Retention:        config.Duration(cfg.Dispatcher.Retention, 30*24*time.Hour),
		PurgeEvery:       config.Duration(cfg.Dispatcher.PurgeEvery, 6*time.Hour),
	}
}

// Done is closed once Stop has finished.
func (a *App) Done() <-chan struct{} { return a.done }

// Calls exposes the scheduling service to the command layer.
func (a *App) Calls() *calls.Service { return a.calls }

// Bus exposes lifecycle events to the command layer.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Telegram exposes the shared bot client.
func (a *App) Telegram() *gateway.Telegram { return a.tg }

// Start launches the dispatcher, the config watcher and the failure
// notifier. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.disp.Run(rctx); err != nil && rctx.Err() == nil {
			a.log.Error("dispatcher stopped", logx.Err(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(rctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.applyReloads(rctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.notifyFailures(rctx)
	}()

	cfg := a.cfgm.Get()
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite"
	}
	a.log.Info("started",
		logx.String("storage_driver", driver),
		logx.String("storage_path", cfg.Storage.Path))
	return nil
}

// applyReloads consumes committed config changes. Only the logging
// section is hot-swappable; everything else needs a restart.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.ConsoleEnabled(),
				File: logx.FileConfig{
					Enabled: cfg.Logging.File != "",
					Path:    cfg.Logging.File,
				},
			})
			a.log.Info("logging config applied")
		}
	}
}

// notifyFailures tells owners by chat text when a call could not be
// delivered at all.
func (a *App) notifyFailures(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ce, valid := e.Data.(eventbus.CallEvent)
			if !valid {
				continue
			}
			var text string
			switch e.Type {
			case eventbus.CallFailed:
				text = "Your scheduled call could not be delivered: " + ce.Message
			case eventbus.CallSkipped:
				text = "One occurrence of your recurring call was skipped: " + ce.Message
			default:
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := a.tg.Send(sctx, ce.OwnerID, text); err != nil {
				a.log.Warn("failure notice not delivered",
					logx.Int64("owner_id", ce.OwnerID), logx.Err(err))
			}
			cancel()
		}
	}
}

// Stop shuts everything down and waits for in-flight work.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	err := a.store.Close()
	a.logs.Close()
	close(a.done)
	return err
}
