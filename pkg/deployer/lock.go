package deployer

import (
	"context"
	"sync"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

// KeyedLocker is an in-process engine.Locker with one mutex per key.
// Waiters give up when their context is done.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch      chan struct{}
	waiters int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

// Lock implements engine.Locker. An in-process lock is never lost, so the
// held context ends only with ctx or the release.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (context.Context, func() error, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.done(key, kl)
		return nil, nil, engine.NewCancelledError("waiting for lock "+key, ctx.Err()).WithResource(key)
	}

	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	release := func() error {
		once.Do(func() {
			cancel()
			<-kl.ch
			l.done(key, kl)
		})
		return nil
	}
	return held, release, nil
}

// done drops the key's entry once nobody holds or waits for it.
func (l *KeyedLocker) done(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(l.locks, key)
	}
}
