package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/providers/sim"
)

func TestLeaseLockerExcludes(t *testing.T) {
	store := setupTestStore(t)
	clock := sim.NewClock(epoch)
	store.WithClock(clock)
	ctx := context.Background()

	a := NewLeaseLocker(store, WithLeaseOwner("alice@laptop:1"), WithLeaseTTL(time.Minute), WithoutRenewal())
	b := NewLeaseLocker(store, WithLeaseOwner("bob@laptop:2"), WithLeaseTTL(time.Minute), WithoutRenewal())

	_, release, err := a.Lock(ctx, "fon/dev")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	holder, err := b.Holder(ctx, "fon/dev")
	if err != nil || holder == nil || holder.Owner != "alice@laptop:1" {
		t.Fatalf("Holder() = %+v, %v", holder, err)
	}

	// A different key is independent.
	_, other, err := b.Lock(ctx, "fon/stg")
	if err != nil {
		t.Fatalf("Lock(other key) error = %v", err)
	}
	_ = other()

	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if err := release(); err != nil {
		t.Errorf("second release() error = %v", err)
	}

	_, relB, err := b.Lock(ctx, "fon/dev")
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	defer relB()
	if len(clock.Sleeps()) != 0 {
		t.Errorf("uncontended locks should not wait, slept %v", clock.Sleeps())
	}
}

func TestLeaseExpiresAndIsTakenOver(t *testing.T) {
	store := setupTestStore(t)
	clock := sim.NewClock(epoch)
	store.WithClock(clock)
	ctx := context.Background()

	dead := NewLeaseLocker(store, WithLeaseOwner("crashed@ci:9"), WithLeaseTTL(time.Minute), WithoutRenewal())
	if _, _, err := dead.Lock(ctx, "fon/dev"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	live := NewLeaseLocker(store, WithLeaseTTL(time.Minute), WithoutRenewal(),
		WithLeaseBackoff(engine.Backoff{Initial: 10 * time.Second, Max: 10 * time.Second}))
	_, release, err := live.Lock(ctx, "fon/dev")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer release()

	waited := clock.Now().Sub(epoch)
	if waited < time.Minute || waited > time.Minute+10*time.Second {
		t.Errorf("waited %v, want about one TTL", waited)
	}
	holder, _ := live.Holder(ctx, "fon/dev")
	if holder == nil || holder.Owner == "crashed@ci:9" {
		t.Errorf("lease should have been taken over, holder = %+v", holder)
	}
}

func TestLeaseLockCancelled(t *testing.T) {
	store := setupTestStore(t)
	clock := sim.NewClock(epoch)
	store.WithClock(clock)

	holder := NewLeaseLocker(store, WithLeaseTTL(time.Hour), WithoutRenewal())
	if _, _, err := holder.Lock(context.Background(), "fon/dev"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep(func(time.Duration) { cancel() })

	waiter := NewLeaseLocker(store, WithLeaseTTL(time.Hour), WithoutRenewal())
	_, _, err := waiter.Lock(ctx, "fon/dev")
	if engine.ClassOf(err) != engine.ErrorClassCancelled {
		t.Fatalf("Lock() error = %v, want cancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("error should wrap context.Canceled")
	}
}

func TestLeaseLossCancelsHolder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	locker := NewLeaseLocker(store, WithLeaseTTL(90*time.Millisecond))
	held, release, err := locker.Lock(ctx, "fon/dev")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer release()

	// Another owner takes the row over.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE locks SET owner = 'thief@ci:7', token = 'stolen' WHERE key = ?`, "fon/dev"); err != nil {
		t.Fatalf("failed to steal lease: %v", err)
	}

	select {
	case <-held.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("held context was not cancelled after the lease was lost")
	}
	if cause := context.Cause(held); !errors.Is(cause, ErrLeaseLost) {
		t.Errorf("cause = %v, want ErrLeaseLost", cause)
	}
}

func TestLeaseReleaseEndsHeldContext(t *testing.T) {
	store := setupTestStore(t)
	locker := NewLeaseLocker(store, WithoutRenewal())
	held, release, err := locker.Lock(context.Background(), "fon/dev")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release() error = %v", err)
	}
	if held.Err() == nil {
		t.Error("held context should end with the release")
	}
	if cause := context.Cause(held); errors.Is(cause, ErrLeaseLost) {
		t.Errorf("release reported as a loss: %v", cause)
	}
}
