package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// DefaultLeaseTTL is how long a lease survives without renewal.
const DefaultLeaseTTL = 2 * time.Minute

// ErrLeaseLost is the cancellation cause of a held context whose lease ended.
var ErrLeaseLost = engine.NewConflictError("lease lost", nil).WithCode("lease_lost")

// LeaseLocker implements engine.Locker with lease rows in the journal
// database, so separate processes sharing a database file serialize on the
// same identity. A holder renews its lease every TTL/3 until released; a
// lease whose holder died expires after TTL and may be taken over. When a
// lease is taken over, or cannot be renewed before it expires, the held
// context is cancelled with ErrLeaseLost as its cause.
type LeaseLocker struct {
	store   *SQLiteStore
	owner   string
	ttl     time.Duration
	backoff engine.Backoff
	renew   bool
	logger  zerolog.Logger
}

var _ engine.Locker = (*LeaseLocker)(nil)

// LeaseOption configures a LeaseLocker.
type LeaseOption func(*LeaseLocker)

// WithLeaseTTL sets the lease lifetime.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(l *LeaseLocker) { l.ttl = ttl }
}

// WithLeaseBackoff sets the polling backoff while the lease is held elsewhere.
func WithLeaseBackoff(b engine.Backoff) LeaseOption {
	return func(l *LeaseLocker) { l.backoff = b }
}

// WithLeaseOwner overrides the owner recorded on the lease.
func WithLeaseOwner(owner string) LeaseOption {
	return func(l *LeaseLocker) { l.owner = owner }
}

// WithoutRenewal disables the renewal goroutine; leases then expire after TTL.
func WithoutRenewal() LeaseOption {
	return func(l *LeaseLocker) { l.renew = false }
}

// WithLeaseLogger sets the logger.
func WithLeaseLogger(logger zerolog.Logger) LeaseOption {
	return func(l *LeaseLocker) { l.logger = logger }
}

// NewLeaseLocker creates a locker over an initialized and migrated store.
func NewLeaseLocker(store *SQLiteStore, opts ...LeaseOption) *LeaseLocker {
	l := &LeaseLocker{
		store:   store,
		owner:   store.cfg.Actor,
		ttl:     DefaultLeaseTTL,
		backoff: engine.Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 1.5, Jitter: 0.1},
		renew:   true,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until the lease on key is acquired or ctx is done.
func (l *LeaseLocker) Lock(ctx context.Context, key string) (context.Context, func() error, error) {
	token := uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := l.tryAcquire(ctx, key, token)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			l.logger.Debug().Str("key", key).Str("owner", l.owner).Msg("lease acquired")
			held, lose := context.WithCancelCause(ctx)
			return held, l.releaser(key, token, lose), nil
		}

		if attempt == 0 {
			if holder, err := l.Holder(ctx, key); err == nil && holder != nil {
				l.logger.Info().Str("key", key).Str("holder", holder.Owner).
					Time("expires_at", holder.ExpiresAt).Msg("waiting for lease")
			}
		}
		if err := l.store.clock.Sleep(ctx, l.backoff.Next(attempt)); err != nil {
			return nil, nil, engine.NewCancelledError("gave up waiting for lease", err).WithResource(key)
		}
	}
}

func (l *LeaseLocker) tryAcquire(ctx context.Context, key, token string) (bool, error) {
	now := l.store.clock.Now()
	query := `
		INSERT INTO locks (key, owner, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`
	result, err := l.store.db.ExecContext(ctx, query,
		key, l.owner, token, now.UnixMilli(), now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		if ctx.Err() != nil {
			return false, engine.NewCancelledError("gave up waiting for lease", ctx.Err()).WithResource(key)
		}
		return false, engine.NewTransientError("failed to acquire lease", err).WithResource(key)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (l *LeaseLocker) releaser(key, token string, lose context.CancelCauseFunc) func() error {
	stop := make(chan struct{})
	done := make(chan struct{})
	if l.renew {
		go l.renewLoop(key, token, lose, stop, done)
	} else {
		close(done)
	}

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			close(stop)
			<-done
			lose(nil)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := l.store.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token)
			if err != nil {
				releaseErr = fmt.Errorf("failed to release lease %s: %w", key, err)
				return
			}
			l.logger.Debug().Str("key", key).Msg("lease released")
		})
		return releaseErr
	}
}

func (l *LeaseLocker) renewLoop(key, token string, lose context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	valid := l.store.clock.Now().Add(l.ttl)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			now := l.store.clock.Now()
			result, err := l.store.db.ExecContext(ctx,
				`UPDATE locks SET expires_at = ? WHERE key = ? AND token = ?`, now.Add(l.ttl).UnixMilli(), key, token)
			cancel()
			if err != nil {
				if !now.Before(valid) {
					l.logger.Error().Err(err).Str("key", key).Msg("lease expired before it could be renewed")
					lose(fmt.Errorf("%w: %s expired before renewal: %v", ErrLeaseLost, key, err))
					return
				}
				l.logger.Warn().Err(err).Str("key", key).Msg("failed to renew lease")
				continue
			}
			if n, _ := result.RowsAffected(); n == 0 {
				l.logger.Error().Str("key", key).Msg("lease lost to another owner")
				lose(fmt.Errorf("%w: %s taken over by another owner", ErrLeaseLost, key))
				return
			}
			valid = now.Add(l.ttl)
		}
	}
}

// Holder returns the current lease on key, or nil when it is free or expired.
func (l *LeaseLocker) Holder(ctx context.Context, key string) (*Lease, error) {
	var lease Lease
	var acquired, expires int64
	err := l.store.db.QueryRowContext(ctx,
		`SELECT key, owner, acquired_at, expires_at FROM locks WHERE key = ?`, key).
		Scan(&lease.Key, &lease.Owner, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	lease.AcquiredAt = time.UnixMilli(acquired).UTC()
	lease.ExpiresAt = time.UnixMilli(expires).UTC()
	if !lease.ExpiresAt.After(l.store.clock.Now()) {
		return nil, nil
	}
	return &lease, nil
}
