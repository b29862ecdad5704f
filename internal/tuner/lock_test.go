package tuner

import (
	"context"
	"errors"
	"testing"
	"time"
)

var chA = ChannelKey{DriverPath: "sim://a", Space: 0, Channel: 13}
var chB = ChannelKey{DriverPath: "sim://a", Space: 0, Channel: 14}

func TestLockSharedJoinAndMismatch(t *testing.T) {
	l := NewLock()
	ctx := context.Background()

	// shared holders cannot adopt a channel on their own
	if err := l.AcquireShared(ctx, chA); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("uninitialized join: %v", err)
	}

	if err := l.AcquireExclusive(ctx, chA); err != nil {
		t.Fatal(err)
	}
	l.Downgrade(chA)
	if err := l.AcquireShared(ctx, chA); err != nil {
		t.Fatal(err)
	}
	if err := l.AcquireShared(ctx, chB); !errors.Is(err, ErrChannelMismatch) {
		t.Fatalf("mismatch join: %v", err)
	}
	if shared, excl := l.Holders(); shared != 2 || excl {
		t.Errorf("holders = %d/%v", shared, excl)
	}

	l.ReleaseShared()
	l.ReleaseShared()
	if _, ok := l.Current(); ok {
		t.Error("channel survives last release")
	}
	// a drained lock must be re-initialized before anyone joins
	if err := l.AcquireShared(ctx, chB); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("join after drain: %v", err)
	}
}

func TestLockExclusiveBlocksShared(t *testing.T) {
	l := NewLock()
	ctx := context.Background()

	if err := l.AcquireExclusive(ctx, chA); err != nil {
		t.Fatal(err)
	}
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.AcquireShared(shortCtx, chA); err == nil {
		t.Fatal("shared acquired under exclusive hold")
	}
	if err := l.TryAcquireExclusive(chA); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second exclusive: %v", err)
	}
	l.ReleaseExclusive()

	// a full release clears the channel; shared joins need a holder to
	// initialize it again
	if err := l.AcquireShared(ctx, chA); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("join after release: %v", err)
	}
}

func TestLockDowngradeKeepsHold(t *testing.T) {
	l := NewLock()
	ctx := context.Background()

	if err := l.AcquireExclusive(ctx, chA); err != nil {
		t.Fatal(err)
	}
	l.Downgrade(chA)

	if shared, excl := l.Holders(); shared != 1 || excl {
		t.Errorf("after downgrade: %d/%v", shared, excl)
	}
	cur, ok := l.Current()
	if !ok || cur != chA {
		t.Errorf("channel after downgrade = %v/%v", cur, ok)
	}
	// other shared holders may now join on the same channel
	if err := l.AcquireShared(ctx, chA); err != nil {
		t.Fatal(err)
	}
	// but nobody can slip in exclusively
	if err := l.TryAcquireExclusive(chA); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("exclusive after downgrade: %v", err)
	}
	l.ReleaseShared()
	l.ReleaseShared()
}

func TestLockExclusiveWaitsForShared(t *testing.T) {
	l := NewLock()
	ctx := context.Background()
	if err := l.AcquireExclusive(ctx, chA); err != nil {
		t.Fatal(err)
	}
	l.Downgrade(chA)

	acquired := make(chan error, 1)
	go func() { acquired <- l.AcquireExclusive(ctx, chB) }()

	select {
	case err := <-acquired:
		t.Fatalf("exclusive acquired alongside shared: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseShared()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("exclusive never acquired after release")
	}
	if cur, _ := l.Current(); cur != chB {
		t.Errorf("exclusive channel = %v", cur)
	}
	l.ReleaseExclusive()
}
