package tuner

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrChannelMismatch means a shared acquire asked for a different
	// channel than the one currently tuned.
	ErrChannelMismatch = errors.New("tuner: channel mismatch")
	// ErrLockBusy means a try-acquire found the lock held.
	ErrLockBusy = errors.New("tuner: lock busy")
	// ErrNotInitialized means a shared acquire hit a lock that has no
	// current channel yet.
	ErrNotInitialized = errors.New("tuner: lock not initialized")
)

// maxSharedHolders bounds concurrent shared holders of one tuner. An
// exclusive holder takes every permit.
const maxSharedHolders = 64

// Lock is the hybrid access lock of one tuner instance. Exclusive holders
// own the hardware outright and may retune it; shared holders ride along
// on the currently tuned channel. An exclusive holder can downgrade to
// shared without a gap other holders could slip through.
type Lock struct {
	sem *semaphore.Weighted

	stateMu   sync.Mutex
	channel   *ChannelKey
	exclusive bool
	shared    int
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(maxSharedHolders)}
}

// AcquireExclusive waits for every holder to leave, then takes the tuner
// for ch.
func (l *Lock) AcquireExclusive(ctx context.Context, ch ChannelKey) error {
	if err := l.sem.Acquire(ctx, maxSharedHolders); err != nil {
		return err
	}
	l.stateMu.Lock()
	l.channel = &ch
	l.exclusive = true
	l.stateMu.Unlock()
	return nil
}

// TryAcquireExclusive takes the tuner for ch only when nobody holds it.
func (l *Lock) TryAcquireExclusive(ch ChannelKey) error {
	if !l.sem.TryAcquire(maxSharedHolders) {
		return ErrLockBusy
	}
	l.stateMu.Lock()
	l.channel = &ch
	l.exclusive = true
	l.stateMu.Unlock()
	return nil
}

// AcquireShared joins the holders on ch. It waits out an exclusive
// holder; once through, the lock must already be initialized to that
// very channel.
func (l *Lock) AcquireShared(ctx context.Context, ch ChannelKey) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.stateMu.Lock()
	if l.channel == nil {
		l.stateMu.Unlock()
		l.sem.Release(1)
		return ErrNotInitialized
	}
	if *l.channel != ch {
		l.stateMu.Unlock()
		l.sem.Release(1)
		return ErrChannelMismatch
	}
	l.shared++
	l.stateMu.Unlock()
	return nil
}

// Downgrade converts an exclusive hold into a shared one on ch,
// atomically: the holder keeps one permit, so no waiter can retune in
// between.
func (l *Lock) Downgrade(ch ChannelKey) {
	l.stateMu.Lock()
	if !l.exclusive {
		l.stateMu.Unlock()
		return
	}
	l.exclusive = false
	l.shared = 1
	l.channel = &ch
	l.stateMu.Unlock()
	l.sem.Release(maxSharedHolders - 1)
}

// ReleaseExclusive gives the tuner back.
func (l *Lock) ReleaseExclusive() {
	l.stateMu.Lock()
	l.exclusive = false
	l.channel = nil
	l.stateMu.Unlock()
	l.sem.Release(maxSharedHolders)
}

// ReleaseShared drops one shared hold; the last one out clears the tuned
// channel.
func (l *Lock) ReleaseShared() {
	l.stateMu.Lock()
	l.shared--
	if l.shared == 0 {
		l.channel = nil
	}
	l.stateMu.Unlock()
	l.sem.Release(1)
}

// Retune changes the tuned channel. Only valid for the exclusive holder.
func (l *Lock) Retune(ch ChannelKey) {
	l.stateMu.Lock()
	if l.exclusive {
		l.channel = &ch
	}
	l.stateMu.Unlock()
}

// Current returns the currently tuned channel, when any holder has one.
func (l *Lock) Current() (ChannelKey, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.channel == nil {
		return ChannelKey{}, false
	}
	return *l.channel, true
}

// Holders reports the shared holder count and whether an exclusive
// holder is present.
func (l *Lock) Holders() (shared int, exclusive bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.shared, l.exclusive
}
