package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"callbot/internal/localtime"
	"callbot/internal/recurrence"
	"callbot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	name := "calls.db"
	if driver == "file" {
		name = "calls.json"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), name)}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testCall(owner int64, next time.Time) *Call {
	return &Call{
		OwnerID:    owner,
		Message:    "water the plants",
		Wall:       localtime.WallClock{Year: 2026, Month: 9, Day: 1, Hour: 9, Minute: 30},
		Timezone:   "Europe/Berlin",
		Rule:       recurrence.Rule{Kind: recurrence.None},
		NextFireAt: &next,
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, driver))
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)
		c := testCall(100, next)
		if err := st.CreateCall(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if c.ID == "" {
			t.Fatal("expected an assigned id")
		}

		got, err := st.GetCall(ctx, c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Message != c.Message || got.OwnerID != c.OwnerID {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Status != StatusPending {
			t.Fatalf("status = %q, want pending", got.Status)
		}
		if got.NextFireAt == nil || got.NextFireAt.UnixMilli() != next.UnixMilli() {
			t.Fatalf("next_fire_at = %v, want %v", got.NextFireAt, next)
		}
		if got.Wall.String() != c.Wall.String() {
			t.Fatalf("wall = %q, want %q", got.Wall.String(), c.Wall.String())
		}

		if _, err := st.GetCall(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing: %v, want ErrNotFound", err)
		}
	})
}

func TestListByOwnerOrder(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
		var ids []string
		for i := 0; i < 3; i++ {
			c := testCall(7, base.Add(time.Duration(i)*time.Hour))
			c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := st.CreateCall(ctx, c); err != nil {
				t.Fatalf("create: %v", err)
			}
			ids = append(ids, c.ID)
		}
		other := testCall(8, base)
		if err := st.CreateCall(ctx, other); err != nil {
			t.Fatalf("create other owner: %v", err)
		}

		list, err := st.ListByOwner(ctx, 7)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("len = %d, want 3", len(list))
		}
		// Newest first.
		for i, want := range []string{ids[2], ids[1], ids[0]} {
			if list[i].ID != want {
				t.Fatalf("list[%d] = %s, want %s", i, list[i].ID, want)
			}
		}
	})
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)

		c := testCall(1, next)
		if err := st.CreateCall(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.CancelCall(ctx, c.ID); err != nil {
			t.Fatalf("cancel pending: %v", err)
		}
		got, _ := st.GetCall(ctx, c.ID)
		if got.Status != StatusCancelled || got.NextFireAt != nil {
			t.Fatalf("after cancel: status=%q next=%v", got.Status, got.NextFireAt)
		}
		// Cancelling twice looks like a missing call.
		if err := st.CancelCall(ctx, c.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double cancel: %v, want ErrNotFound", err)
		}

		// Cancel loses deterministically once the fire claim is taken.
		d := testCall(1, next)
		if err := st.CreateCall(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.BeginFire(ctx, d.ID, next); err != nil {
			t.Fatalf("begin fire: %v", err)
		}
		if err := st.CancelCall(ctx, d.ID); !errors.Is(err, ErrAlreadyFired) {
			t.Fatalf("cancel while firing: %v, want ErrAlreadyFired", err)
		}
		if err := st.CompleteFire(ctx, d.ID, StatusFired, nil, next, true); err != nil {
			t.Fatalf("complete fire: %v", err)
		}
		if err := st.CancelCall(ctx, d.ID); !errors.Is(err, ErrAlreadyFired) {
			t.Fatalf("cancel after fired: %v, want ErrAlreadyFired", err)
		}
	})
}

func TestBeginFireGuards(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)

		c := testCall(1, next)
		if err := st.CreateCall(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		// Claim with a stale expected time loses.
		if err := st.BeginFire(ctx, c.ID, next.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("stale claim: %v, want ErrNotFound", err)
		}
		if err := st.BeginFire(ctx, c.ID, next); err != nil {
			t.Fatalf("claim: %v", err)
		}
		// Second claim sees the call in flight.
		if err := st.BeginFire(ctx, c.ID, next); !errors.Is(err, ErrAlreadyFired) {
			t.Fatalf("double claim: %v, want ErrAlreadyFired", err)
		}

		// Cancelled call cannot be claimed.
		d := testCall(1, next)
		if err := st.CreateCall(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.CancelCall(ctx, d.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := st.BeginFire(ctx, d.ID, next); !errors.Is(err, ErrNotFound) {
			t.Fatalf("claim cancelled: %v, want ErrNotFound", err)
		}
	})
}

func TestCompleteFireAdvancesRecurring(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)

		c := testCall(1, next)
		c.Rule = recurrence.Rule{Kind: recurrence.Daily}
		if err := st.CreateCall(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.BeginFire(ctx, c.ID, next); err != nil {
			t.Fatalf("claim: %v", err)
		}
		after := next.Add(24 * time.Hour)
		if err := st.CompleteFire(ctx, c.ID, StatusPending, &after, next, true); err != nil {
			t.Fatalf("complete: %v", err)
		}
		got, _ := st.GetCall(ctx, c.ID)
		if got.Status != StatusPending {
			t.Fatalf("status = %q, want pending", got.Status)
		}
		if got.NextFireAt == nil || got.NextFireAt.UnixMilli() != after.UnixMilli() {
			t.Fatalf("next = %v, want %v", got.NextFireAt, after)
		}
		if got.FireCount != 1 || got.LastFiredAt == nil {
			t.Fatalf("fire stats: count=%d last=%v", got.FireCount, got.LastFiredAt)
		}
	})
}

func TestDueBeforeOrderingAndFilter(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)

		late := testCall(1, base.Add(time.Hour))
		early := testCall(1, base)
		future := testCall(1, base.Add(48*time.Hour))
		done := testCall(1, base)
		for _, c := range []*Call{late, early, future, done} {
			if err := st.CreateCall(ctx, c); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if err := st.CancelCall(ctx, done.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		due, err := st.DueBefore(ctx, base.Add(2*time.Hour), 10)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("len = %d, want 2", len(due))
		}
		if due[0].ID != early.ID || due[1].ID != late.ID {
			t.Fatalf("order = %s, %s", due[0].ID, due[1].ID)
		}

		due, err = st.DueBefore(ctx, base.Add(2*time.Hour), 1)
		if err != nil {
			t.Fatalf("due limited: %v", err)
		}
		if len(due) != 1 || due[0].ID != early.ID {
			t.Fatalf("limited due = %v", due)
		}
	})
}

func TestNextWake(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, ok, err := st.NextWake(ctx); err != nil || ok {
			t.Fatalf("empty store: wake=%v err=%v", ok, err)
		}

		base := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
		a := testCall(1, base.Add(time.Hour))
		b := testCall(1, base)
		for _, c := range []*Call{a, b} {
			if err := st.CreateCall(ctx, c); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		wake, ok, err := st.NextWake(ctx)
		if err != nil || !ok {
			t.Fatalf("wake: ok=%v err=%v", ok, err)
		}
		if wake.UnixMilli() != base.UnixMilli() {
			t.Fatalf("wake = %v, want %v", wake, base)
		}

		if err := st.CancelCall(ctx, b.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		wake, ok, err = st.NextWake(ctx)
		if err != nil || !ok {
			t.Fatalf("wake after cancel: ok=%v err=%v", ok, err)
		}
		if wake.UnixMilli() != base.Add(time.Hour).UnixMilli() {
			t.Fatalf("wake = %v, want %v", wake, base.Add(time.Hour))
		}
	})
}

func TestResetInFlight(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)

		c := testCall(1, next)
		if err := st.CreateCall(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.BeginFire(ctx, c.ID, next); err != nil {
			t.Fatalf("claim: %v", err)
		}

		n, err := st.ResetInFlight(ctx)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if n != 1 {
			t.Fatalf("reset n = %d, want 1", n)
		}
		got, _ := st.GetCall(ctx, c.ID)
		if got.Status != StatusPending {
			t.Fatalf("status = %q, want pending", got.Status)
		}
	})
}

func TestPurgeTerminal(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)

		old := testCall(1, next)
		if err := st.CreateCall(ctx, old); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.CancelCall(ctx, old.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		keep := testCall(1, next)
		if err := st.CreateCall(ctx, keep); err != nil {
			t.Fatalf("create: %v", err)
		}

		// Cutoff in the future sweeps the cancelled row, pending survives.
		n, err := st.PurgeTerminal(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n != 1 {
			t.Fatalf("purged = %d, want 1", n)
		}
		if _, err := st.GetCall(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("purged call still present: %v", err)
		}
		if _, err := st.GetCall(ctx, keep.ID); err != nil {
			t.Fatalf("pending call swept: %v", err)
		}
	})
}

func TestOwnerSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, ok, err := st.GetOwner(ctx, 42); err != nil || ok {
			t.Fatalf("missing owner: ok=%v err=%v", ok, err)
		}

		o := OwnerSettings{
			OwnerID:      42,
			Target:       "@someone",
			Language:     "en-GB-Standard-B",
			Repeat:       2,
			Timeout:      30,
			SendTextCopy: true,
			Timezone:     "Asia/Jakarta",
		}
		if err := st.PutOwner(ctx, o); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, ok, err := st.GetOwner(ctx, 42)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.Target != o.Target || got.Repeat != 2 || !got.SendTextCopy || got.Timezone != o.Timezone {
			t.Fatalf("round trip mismatch: %+v", got)
		}

		o.Repeat = 5
		if err := st.PutOwner(ctx, o); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _, _ = st.GetOwner(ctx, 42)
		if got.Repeat != 5 {
			t.Fatalf("repeat = %d, want 5", got.Repeat)
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calls.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	next := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)
	c := testCall(1, next)
	if err := st.CreateCall(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Message != c.Message || got.NextFireAt == nil {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
