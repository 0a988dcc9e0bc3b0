package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"callbot/internal/localtime"
	"callbot/internal/recurrence"
	"callbot/pkg/logx"
)

// fileStore keeps everything in memory and snapshots to a JSON file on
// every mutation. Good enough for small installs and for tests that
// want a store without cgo-free sqlite in the loop.
type fileStore struct {
	mu     sync.Mutex
	path   string
	log    logx.Logger
	calls  map[string]*Call
	owners map[int64]OwnerSettings
}

type fileCall struct {
	ID          string `json:"id"`
	OwnerID     int64  `json:"owner_id"`
	Message     string `json:"message"`
	Wall        string `json:"wall"`
	Timezone    string `json:"timezone"`
	Rule        string `json:"rule"`
	NextFireAt  *int64 `json:"next_fire_at,omitempty"`
	Status      string `json:"status"`
	LastFiredAt *int64 `json:"last_fired_at,omitempty"`
	FireCount   int    `json:"fire_count"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

type fileOwner struct {
	OwnerID      int64  `json:"owner_id"`
	Target       string `json:"target"`
	Language     string `json:"language"`
	Repeat       int    `json:"repeat"`
	Timeout      int    `json:"call_timeout"`
	SendTextCopy bool   `json:"send_text_copy"`
	Timezone     string `json:"timezone"`
	UpdatedAt    int64  `json:"updated_at"`
}

type fileSnapshot struct {
	Calls  []fileCall  `json:"calls"`
	Owners []fileOwner `json:"owners"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("file store path is required")
	}
	st := &fileStore{
		path:   cfg.Path,
		log:    log,
		calls:  make(map[string]*Call),
		owners: make(map[int64]OwnerSettings),
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for _, fc := range snap.Calls {
		c, err := fc.toCall()
		if err != nil {
			s.log.Warn("skipping corrupt call record", logx.String("id", fc.ID), logx.Err(err))
			continue
		}
		s.calls[c.ID] = c
	}
	for _, fo := range snap.Owners {
		s.owners[fo.OwnerID] = OwnerSettings{
			OwnerID:      fo.OwnerID,
			Target:       fo.Target,
			Language:     fo.Language,
			Repeat:       fo.Repeat,
			Timeout:      fo.Timeout,
			SendTextCopy: fo.SendTextCopy,
			Timezone:     fo.Timezone,
			UpdatedAt:    time.UnixMilli(fo.UpdatedAt),
		}
	}
	return nil
}

// persist writes the snapshot under the lock held by the caller.
func (s *fileStore) persist() error {
	snap := fileSnapshot{}
	for _, c := range s.calls {
		snap.Calls = append(snap.Calls, toFileCall(c))
	}
	for _, o := range s.owners {
		snap.Owners = append(snap.Owners, fileOwner{
			OwnerID:      o.OwnerID,
			Target:       o.Target,
			Language:     o.Language,
			Repeat:       o.Repeat,
			Timeout:      o.Timeout,
			SendTextCopy: o.SendTextCopy,
			Timezone:     o.Timezone,
			UpdatedAt:    o.UpdatedAt.UnixMilli(),
		})
	}
	sort.Slice(snap.Calls, func(i, j int) bool { return snap.Calls[i].ID < snap.Calls[j].ID })
	sort.Slice(snap.Owners, func(i, j int) bool { return snap.Owners[i].OwnerID < snap.Owners[j].OwnerID })

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return storeErr(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return storeErr(err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return storeErr(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return storeErr(err)
	}
	return nil
}

func toFileCall(c *Call) fileCall {
	fc := fileCall{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Message:   c.Message,
		Wall:      c.Wall.String(),
		Timezone:  c.Timezone,
		Rule:      c.Rule.String(),
		Status:    string(c.Status),
		FireCount: c.FireCount,
		CreatedAt: c.CreatedAt.UnixMilli(),
		UpdatedAt: c.UpdatedAt.UnixMilli(),
	}
	if c.NextFireAt != nil {
		ms := c.NextFireAt.UnixMilli()
		fc.NextFireAt = &ms
	}
	if c.LastFiredAt != nil {
		ms := c.LastFiredAt.UnixMilli()
		fc.LastFiredAt = &ms
	}
	return fc
}

func (fc fileCall) toCall() (*Call, error) {
	wall, err := localtime.ParseWall(fc.Wall)
	if err != nil {
		return nil, err
	}
	rule, err := recurrence.Parse(fc.Rule)
	if err != nil {
		return nil, err
	}
	c := &Call{
		ID:        fc.ID,
		OwnerID:   fc.OwnerID,
		Message:   fc.Message,
		Wall:      wall,
		Timezone:  fc.Timezone,
		Rule:      rule,
		Status:    Status(fc.Status),
		FireCount: fc.FireCount,
		CreatedAt: time.UnixMilli(fc.CreatedAt),
		UpdatedAt: time.UnixMilli(fc.UpdatedAt),
	}
	if fc.NextFireAt != nil {
		t := time.UnixMilli(*fc.NextFireAt)
		c.NextFireAt = &t
	}
	if fc.LastFiredAt != nil {
		t := time.UnixMilli(*fc.LastFiredAt)
		c.LastFiredAt = &t
	}
	return c, nil
}

func cloneCall(c *Call) *Call {
	cp := *c
	if c.NextFireAt != nil {
		t := *c.NextFireAt
		cp.NextFireAt = &t
	}
	if c.LastFiredAt != nil {
		t := *c.LastFiredAt
		cp.LastFiredAt = &t
	}
	return &cp
}

func (s *fileStore) CreateCall(ctx context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}
	s.calls[c.ID] = cloneCall(c)
	return s.persist()
}

func (s *fileStore) GetCall(ctx context.Context, id string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(c), nil
}

func (s *fileStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Call
	for _, c := range s.calls {
		if c.OwnerID == ownerID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) CountActiveByOwner(ctx context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.OwnerID == ownerID && !c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) CancelCall(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	switch c.Status {
	case StatusPending:
	case StatusFiring, StatusFired:
		return ErrAlreadyFired
	default:
		return ErrNotFound
	}
	c.Status = StatusCancelled
	c.NextFireAt = nil
	c.UpdatedAt = time.Now()
	return s.persist()
}

func (s *fileStore) RescheduleCall(ctx context.Context, id string, wall localtime.WallClock, tzID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	switch c.Status {
	case StatusPending:
	case StatusFiring, StatusFired:
		return ErrAlreadyFired
	default:
		return ErrNotFound
	}
	c.Wall = wall
	c.Timezone = tzID
	t := next
	c.NextFireAt = &t
	c.UpdatedAt = time.Now()
	return s.persist()
}

func (s *fileStore) DueBefore(ctx context.Context, t time.Time, limit int) ([]*Call, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Call
	for _, c := range s.calls {
		if c.Status == StatusPending && c.NextFireAt != nil && !c.NextFireAt.After(t) {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFireAt.Equal(*out[j].NextFireAt) {
			return out[i].NextFireAt.Before(*out[j].NextFireAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) BeginFire(ctx context.Context, id string, expectedNext time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	switch c.Status {
	case StatusPending:
	case StatusFiring, StatusFired:
		return ErrAlreadyFired
	default:
		return ErrNotFound
	}
	if c.NextFireAt == nil || c.NextFireAt.UnixMilli() != expectedNext.UnixMilli() {
		return ErrNotFound
	}
	c.Status = StatusFiring
	c.UpdatedAt = time.Now()
	return s.persist()
}

func (s *fileStore) CompleteFire(ctx context.Context, id string, status Status, next *time.Time, firedAt time.Time, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok || c.Status != StatusFiring {
		return ErrNotFound
	}
	c.Status = status
	if next != nil {
		t := *next
		c.NextFireAt = &t
	} else {
		c.NextFireAt = nil
	}
	if delivered {
		t := firedAt
		c.LastFiredAt = &t
		c.FireCount++
	}
	c.UpdatedAt = time.Now()
	return s.persist()
}

func (s *fileStore) ResetInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Status == StatusFiring {
			c.Status = StatusPending
			c.UpdatedAt = time.Now()
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persist()
}

func (s *fileStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		min   time.Time
		found bool
	)
	for _, c := range s.calls {
		if c.Status != StatusPending || c.NextFireAt == nil {
			continue
		}
		if !found || c.NextFireAt.Before(min) {
			min = *c.NextFireAt
			found = true
		}
	}
	return min, found, nil
}

func (s *fileStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.calls {
		if c.Status.Terminal() && c.UpdatedAt.Before(cutoff) {
			delete(s.calls, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.persist()
}

func (s *fileStore) PutOwner(ctx context.Context, o OwnerSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.UpdatedAt = time.Now()
	s.owners[o.OwnerID] = o
	return s.persist()
}

func (s *fileStore) GetOwner(ctx context.Context, ownerID int64) (OwnerSettings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	return o, ok, nil
}

func (s *fileStore) Close() error { return nil }
