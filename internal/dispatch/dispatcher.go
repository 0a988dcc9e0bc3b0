// Package dispatch runs the firing loop: it sleeps until the earliest
// pending call is due, claims it, delivers through the gateway and
// schedules the next occurrence for recurring rules.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"callbot/internal/eventbus"
	"callbot/internal/gateway"
	"callbot/internal/recurrence"
	"callbot/internal/storage"
	"callbot/pkg/logx"
)

// Config tunes delivery behaviour. Zero values fall back to defaults.
type Config struct {
	// MaxAttempts bounds delivery tries per occurrence.
	MaxAttempts int
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration
	// RetryCap bounds a single backoff delay.
	RetryCap time.Duration

	// CatchUpPerSecond paces startup catch-up of overdue calls.
	CatchUpPerSecond float64
	CatchUpBurst     int

	// Retention is how long terminal calls stay queryable before the
	// periodic sweep removes them.
	Retention  time.Duration
	PurgeEvery time.Duration

	// BatchLimit caps how many due calls one scan pulls.
	BatchLimit int

	// ParkInterval is the rescan period while nothing is scheduled.
	ParkInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.CatchUpPerSecond <= 0 {
		c.CatchUpPerSecond = 1
	}
	if c.CatchUpBurst <= 0 {
		c.CatchUpBurst = 5
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = 6 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.ParkInterval <= 0 {
		c.ParkInterval = time.Minute
	}
	return c
}

type Dispatcher struct {
	cfg   Config
	store storage.Store
	gw    gateway.Gateway
	bus   eventbus.Bus
	log   logx.Logger

	wake chan struct{}
	now  func() time.Time
}

func New(cfg Config, store storage.Store, gw gateway.Gateway, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:   cfg.withDefaults(),
		store: store,
		gw:    gw,
		bus:   bus,
		log:   log,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Wake nudges the loop to rescan. Called after a call is created,
// cancelled or rescheduled. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes recovery and then the firing loop until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	purge := time.NewTicker(d.cfg.PurgeEvery)
	defer purge.Stop()

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		d.drain(ctx)

		wait := d.cfg.ParkInterval
		if next, ok, err := d.store.NextWake(ctx); err != nil {
			d.log.Error("next wake query failed", logx.Err(err))
		} else if ok {
			if until := next.Sub(d.now()); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-purge.C:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d.purge(ctx)
		}
	}
}

// drain fires everything that is due right now.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		due, err := d.store.DueBefore(ctx, d.now(), d.cfg.BatchLimit)
		if err != nil {
			d.log.Error("due scan failed", logx.Err(err))
			return
		}
		if len(due) == 0 {
			return
		}
		for _, c := range due {
			if ctx.Err() != nil {
				return
			}
			d.fireOne(ctx, c)
		}
		if len(due) < d.cfg.BatchLimit {
			return
		}
	}
}

// fireOne claims the occurrence, delivers and records the outcome.
// A lost claim means another path (cancel, reschedule, duplicate scan)
// won the race; that is not an error.
func (d *Dispatcher) fireOne(ctx context.Context, c *storage.Call) {
	if c.NextFireAt == nil {
		return
	}
	expected := *c.NextFireAt
	if err := d.store.BeginFire(ctx, c.ID, expected); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAlreadyFired) {
			return
		}
		d.log.Error("claim failed", logx.String("call_id", c.ID), logx.Err(err))
		return
	}

	attempts, err := d.deliver(ctx, c)
	firedAt := d.now()

	if err == nil {
		d.complete(ctx, c, firedAt, attempts)
		return
	}

	d.log.Warn("delivery failed",
		logx.String("call_id", c.ID),
		logx.Int64("owner_id", c.OwnerID),
		logx.Int("attempts", attempts),
		logx.Err(err))

	if !c.Rule.Recurs() {
		d.finish(ctx, c, storage.StatusFailed, nil, firedAt, false)
		d.publish(eventbus.CallFailed, c, attempts, err)
		return
	}
	// A recurring call skips the failed occurrence and stays alive.
	next, nerr := recurrence.Next(c.Rule, c.Wall, c.Timezone, firedAt)
	if nerr != nil {
		if !errors.Is(nerr, recurrence.ErrExhausted) {
			d.log.Error("next occurrence computation failed",
				logx.String("call_id", c.ID),
				logx.String("rule", c.Rule.String()),
				logx.Err(nerr))
		}
		d.finish(ctx, c, storage.StatusFailed, nil, firedAt, false)
		d.publish(eventbus.CallFailed, c, attempts, err)
		return
	}
	d.finish(ctx, c, storage.StatusPending, &next, firedAt, false)
	d.publish(eventbus.CallSkipped, c, attempts, err)
}

func (d *Dispatcher) complete(ctx context.Context, c *storage.Call, firedAt time.Time, attempts int) {
	if !c.Rule.Recurs() {
		d.finish(ctx, c, storage.StatusFired, nil, firedAt, true)
		d.publish(eventbus.CallFired, c, attempts, nil)
		return
	}
	next, err := recurrence.Next(c.Rule, c.Wall, c.Timezone, firedAt)
	if errors.Is(err, recurrence.ErrExhausted) {
		// Rule ran out of occurrences; the call is done.
		d.finish(ctx, c, storage.StatusFired, nil, firedAt, true)
		d.publish(eventbus.CallFired, c, attempts, nil)
		return
	}
	if err != nil {
		// The message went out but the series cannot continue. Leave the
		// call queryable as a failure instead of faking a clean end.
		d.log.Error("next occurrence computation failed",
			logx.String("call_id", c.ID),
			logx.String("rule", c.Rule.String()),
			logx.Err(err))
		d.finish(ctx, c, storage.StatusFailed, nil, firedAt, true)
		d.publish(eventbus.CallFailed, c, attempts, err)
		return
	}
	d.finish(ctx, c, storage.StatusPending, &next, firedAt, true)
	d.publish(eventbus.CallFired, c, attempts, nil)
	d.log.Info("occurrence fired",
		logx.String("call_id", c.ID),
		logx.Time("next", next))
}

func (d *Dispatcher) finish(ctx context.Context, c *storage.Call, st storage.Status, next *time.Time, firedAt time.Time, delivered bool) {
	if err := d.store.CompleteFire(ctx, c.ID, st, next, firedAt, delivered); err != nil {
		d.log.Error("complete fire failed", logx.String("call_id", c.ID), logx.Err(err))
	}
}

// deliver tries the gateway with exponential backoff. Returns the
// attempt count together with the final error, nil on success.
func (d *Dispatcher) deliver(ctx context.Context, c *storage.Call) (int, error) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err = d.gw.Send(ctx, c.OwnerID, c.Message)
		if err == nil {
			return attempt, nil
		}
		// A missing target never heals between retries.
		if errors.Is(err, gateway.ErrNotConfigured) || ctx.Err() != nil {
			return attempt, err
		}
		if attempt == d.cfg.MaxAttempts {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(d.backoff(attempt)):
		}
	}
	return d.cfg.MaxAttempts, err
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBase << (attempt - 1)
	if delay > d.cfg.RetryCap {
		delay = d.cfg.RetryCap
	}
	// 20% jitter either way.
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}

func (d *Dispatcher) publish(typ string, c *storage.Call, attempts int, err error) {
	ev := eventbus.CallEvent{
		CallID:   c.ID,
		OwnerID:  c.OwnerID,
		Message:  c.Message,
		Attempts: attempts,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (d *Dispatcher) purge(ctx context.Context) {
	cutoff := d.now().Add(-d.cfg.Retention)
	n, err := d.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		d.log.Error("purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		d.log.Info("purged terminal calls", logx.Int("count", n))
	}
}

// recover demotes calls stuck in flight from a previous run and paces
// through whatever came due while the process was down.
func (d *Dispatcher) recover(ctx context.Context) error {
	n, err := d.store.ResetInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Warn("reset in-flight calls from previous run", logx.Int("count", n))
	}

	limiter := rate.NewLimiter(rate.Limit(d.cfg.CatchUpPerSecond), d.cfg.CatchUpBurst)
	for {
		due, err := d.store.DueBefore(ctx, d.now(), d.cfg.BatchLimit)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		d.log.Info("catching up overdue calls", logx.Int("count", len(due)))
		for _, c := range due {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			d.fireOne(ctx, c)
		}
		if len(due) < d.cfg.BatchLimit {
			return nil
		}
	}
}
