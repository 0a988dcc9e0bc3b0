// Package calls is the application service for managing scheduled
// calls: validation, owner limits and handing the durable state to the
// dispatcher.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"callbot/internal/eventbus"
	"callbot/internal/localtime"
	"callbot/internal/recurrence"
	"callbot/internal/storage"
	"callbot/pkg/logx"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrInPast       = errors.New("call time is in the past")
	ErrLimitReached = errors.New("active call limit reached")
)

// maxMessageLen mirrors what the voice gateway can speak.
const maxMessageLen = 256

// Waker nudges the dispatcher after the schedule changes.
type Waker interface {
	Wake()
}

type Config struct {
	// MaxActivePerOwner caps pending calls per owner. Zero means 50.
	MaxActivePerOwner int
	// DefaultTimezone is used when neither the request nor the owner
	// settings carry one.
	DefaultTimezone string
}

type Service struct {
	cfg   Config
	store storage.Store
	waker Waker
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewService(cfg Config, store storage.Store, waker Waker, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.MaxActivePerOwner <= 0 {
		cfg.MaxActivePerOwner = 50
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	return &Service{cfg: cfg, store: store, waker: waker, bus: bus, log: log, now: time.Now}
}

// ScheduleRequest describes a new call.
type ScheduleRequest struct {
	OwnerID  int64
	Message  string
	Wall     localtime.WallClock
	Timezone string // empty means owner default, then service default
	Rule     recurrence.Rule
}

// Schedule validates the request, computes the first occurrence and
// persists the call.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*storage.Call, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(msg) > maxMessageLen {
		return nil, fmt.Errorf("message exceeds %d characters", maxMessageLen)
	}

	tzID, err := s.resolveTimezone(ctx, req.OwnerID, req.Timezone)
	if err != nil {
		return nil, err
	}
	if err := recurrence.Validate(req.Rule, req.Wall); err != nil {
		return nil, err
	}

	next, err := recurrence.Next(req.Rule, req.Wall, tzID, s.now())
	if err != nil {
		if errors.Is(err, recurrence.ErrExhausted) {
			return nil, ErrInPast
		}
		return nil, err
	}

	n, err := s.store.CountActiveByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if n >= s.cfg.MaxActivePerOwner {
		return nil, ErrLimitReached
	}

	c := &storage.Call{
		OwnerID:    req.OwnerID,
		Message:    msg,
		Wall:       req.Wall,
		Timezone:   tzID,
		Rule:       req.Rule,
		NextFireAt: &next,
		Status:     storage.StatusPending,
	}
	if err := s.store.CreateCall(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("call scheduled",
		logx.String("call_id", c.ID),
		logx.Int64("owner_id", c.OwnerID),
		logx.String("rule", c.Rule.String()),
		logx.Time("next", next))
	s.waker.Wake()
	return c, nil
}

// Cancel removes a pending call. Owners can only touch their own calls.
func (s *Service) Cancel(ctx context.Context, ownerID int64, id string) error {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return err
	}
	if c.OwnerID != ownerID {
		return storage.ErrNotFound
	}
	if err := s.store.CancelCall(ctx, id); err != nil {
		return err
	}
	s.log.Info("call cancelled", logx.String("call_id", id), logx.Int64("owner_id", ownerID))
	s.waker.Wake()
	return nil
}

// Reschedule moves a pending call to a new wall clock time, keeping its
// rule. An empty timezone keeps the call's current one.
func (s *Service) Reschedule(ctx context.Context, ownerID int64, id string, wall localtime.WallClock, tzID string) (*storage.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	if tzID == "" {
		tzID = c.Timezone
	} else if _, err := localtime.Location(tzID); err != nil {
		return nil, err
	}
	if err := recurrence.Validate(c.Rule, wall); err != nil {
		return nil, err
	}
	next, err := recurrence.Next(c.Rule, wall, tzID, s.now())
	if err != nil {
		if errors.Is(err, recurrence.ErrExhausted) {
			return nil, ErrInPast
		}
		return nil, err
	}
	if err := s.store.RescheduleCall(ctx, id, wall, tzID, next); err != nil {
		return nil, err
	}
	s.log.Info("call rescheduled",
		logx.String("call_id", id),
		logx.Int64("owner_id", ownerID),
		logx.Time("next", next))
	s.bus.Publish(eventbus.Event{Type: eventbus.CallRescheduled, Data: eventbus.CallEvent{
		CallID:  id,
		OwnerID: ownerID,
		Message: c.Message,
	}})
	s.waker.Wake()

	c.Wall = wall
	c.Timezone = tzID
	c.NextFireAt = &next
	return c, nil
}

// Get returns one call, scoped to its owner.
func (s *Service) Get(ctx context.Context, ownerID int64, id string) (*storage.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

// List returns the owner's calls, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]*storage.Call, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// UpdateSettings stores per-owner delivery preferences.
func (s *Service) UpdateSettings(ctx context.Context, o storage.OwnerSettings) error {
	if o.Timezone != "" {
		if _, err := localtime.Location(o.Timezone); err != nil {
			return err
		}
	}
	return s.store.PutOwner(ctx, o)
}

// Settings returns the owner's preferences; ok is false when the owner
// never configured anything.
func (s *Service) Settings(ctx context.Context, ownerID int64) (storage.OwnerSettings, bool, error) {
	return s.store.GetOwner(ctx, ownerID)
}

func (s *Service) resolveTimezone(ctx context.Context, ownerID int64, tzID string) (string, error) {
	if tzID == "" {
		if o, ok, err := s.store.GetOwner(ctx, ownerID); err != nil {
			return "", err
		} else if ok && o.Timezone != "" {
			tzID = o.Timezone
		} else {
			tzID = s.cfg.DefaultTimezone
		}
	}
	if _, err := localtime.Location(tzID); err != nil {
		return "", err
	}
	return tzID, nil
}
