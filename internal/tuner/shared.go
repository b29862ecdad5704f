package tuner

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/driver"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
	"github.com/bondnet/bonproxy/internal/psi"
)

const (
	// ChunkSize is the read unit handed to subscribers.
	ChunkSize = 64 * 1024
	// subscriberBuffer bounds each subscriber's pending chunk queue.
	subscriberBuffer = 256
	// readerJoinDeadline bounds how long a stop waits for the reader.
	readerJoinDeadline = 3 * time.Second
)

// ErrTunerStopped is delivered through Done when the tuner shut down
// underneath its subscribers.
var ErrTunerStopped = errors.New("tuner: stopped")

// ErrPreempted is delivered through Done when a higher-priority request
// took the hardware.
var ErrPreempted = errors.New("tuner: preempted")

// ErrBroadcastLag is delivered through Done when a subscriber fell a
// full buffer window behind the reader and was dropped.
var ErrBroadcastLag = errors.New("tuner: subscriber lagged")

// Subscription is one attached consumer of a shared tuner.
type Subscription struct {
	ID       string
	Priority int32

	tuner     *SharedTuner
	ch        chan []byte
	done      chan struct{}
	cause     error
	once      sync.Once
	exclusive bool
	joined    bool
}

// Chunks delivers TS data. The channel is never closed; watch Done.
func (s *Subscription) Chunks() <-chan []byte { return s.ch }

// Done is closed when the tuner revokes the subscription; Cause then
// says why.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Cause() error { return s.cause }

// Tuner exposes the shared tuner this subscription rides on.
func (s *Subscription) Tuner() *SharedTuner { return s.tuner }

// Joined reports whether the subscription rode onto an already-running
// tuner rather than a fresh allocation.
func (s *Subscription) Joined() bool { return s.joined }

func (s *Subscription) revoke(cause error) {
	s.once.Do(func() {
		s.cause = cause
		close(s.done)
	})
}

// SharedTuner owns one open adapter and fans its stream out to any
// number of subscribers. A passive analyzer rides on the stream.
type SharedTuner struct {
	ID  string
	key ChannelKey

	adapter  driver.Adapter
	analyzer *psi.Analyzer
	lock     *Lock
	logger   zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
	key2 ChannelKey // current key after retunes
	mux  *MuxKey    // on-air identity, when the tune came from the catalog

	permits int64 // capacity permits held, returned on reader exit

	running    atomic.Bool
	stopCh     chan struct{}
	readerDone chan struct{}

	bytesRead   atomic.Uint64
	signalLevel atomic.Uint32 // float32 bits, updated by the reader
	lastActive  atomic.Int64  // unix nano of the last subscriber change

	// onExit runs once when the reader loop ends for good.
	onExit func(*SharedTuner)
}

// NewSharedTuner wraps an already-tuned adapter.
func NewSharedTuner(key ChannelKey, ad driver.Adapter, onExit func(*SharedTuner)) *SharedTuner {
	t := &SharedTuner{
		ID:       uuid.NewString(),
		key:      key,
		key2:     key,
		adapter:  ad,
		analyzer: psi.NewAnalyzer(),
		lock:     NewLock(),
		subs:     make(map[string]*Subscription),
		permits:  1,
		onExit:   onExit,
	}
	t.logger = log.WithComponent("tuner").With().
		Str(log.FieldDriverPath, key.DriverPath).
		Uint32(log.FieldSpace, key.Space).
		Uint32(log.FieldChannel, key.Channel).
		Logger()
	t.lastActive.Store(time.Now().UnixNano())
	return t
}

// Key returns the currently tuned channel key.
func (t *SharedTuner) Key() ChannelKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key2
}

// AccessLock exposes the hybrid exclusive/shared lock of this tuner.
func (t *SharedTuner) AccessLock() *Lock { return t.lock }

// SetMuxIdentity records the on-air multiplex this tuner carries.
func (t *SharedTuner) SetMuxIdentity(m MuxKey) {
	t.mu.Lock()
	t.mux = &m
	t.mu.Unlock()
}

// MuxIdentity reports the on-air multiplex, when known.
func (t *SharedTuner) MuxIdentity() (MuxKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux == nil {
		return MuxKey{}, false
	}
	return *t.mux, true
}

func (t *SharedTuner) Analyzer() *psi.Analyzer { return t.analyzer }
func (t *SharedTuner) Adapter() driver.Adapter { return t.adapter }

// SignalLevel reports the last signal reading taken by the reader loop.
func (t *SharedTuner) SignalLevel() float32 {
	return math.Float32frombits(t.signalLevel.Load())
}

// Packets reports TS packets seen since the last (re)tune.
func (t *SharedTuner) Packets() uint64 { return t.analyzer.Packets() }

// BytesRead reports raw bytes read from the adapter.
func (t *SharedTuner) BytesRead() uint64 { return t.bytesRead.Load() }

// SubscriberCount reports attached subscribers.
func (t *SharedTuner) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// MaxPriority reports the highest subscriber priority, -1 when empty.
func (t *SharedTuner) MaxPriority() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	maxP := int32(-1)
	for _, s := range t.subs {
		if s.Priority > maxP {
			maxP = s.Priority
		}
	}
	return maxP
}

// IdleSince reports when the subscriber set last changed.
func (t *SharedTuner) IdleSince() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

// Subscribe attaches a consumer. The tuner must be running or about to
// be started by the caller.
func (t *SharedTuner) Subscribe(priority int32) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		Priority: priority,
		tuner:    t,
		ch:       make(chan []byte, subscriberBuffer),
		done:     make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub.ID] = sub
	t.mu.Unlock()
	t.lastActive.Store(time.Now().UnixNano())
	metrics.SubscribersActive.Inc()
	return sub
}

// Unsubscribe detaches a consumer. Returns the remaining subscriber
// count.
func (t *SharedTuner) Unsubscribe(sub *Subscription) int {
	t.mu.Lock()
	_, present := t.subs[sub.ID]
	delete(t.subs, sub.ID)
	remaining := len(t.subs)
	t.mu.Unlock()
	if present {
		sub.revoke(ErrTunerStopped)
		t.lastActive.Store(time.Now().UnixNano())
		metrics.SubscribersActive.Dec()
	}
	return remaining
}

// StartReader launches the reader loop. Idempotent.
func (t *SharedTuner) StartReader() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.stopCh = make(chan struct{})
	t.readerDone = make(chan struct{})
	go t.readLoop(t.stopCh, t.readerDone)
	t.logger.Info().Str(log.FieldEvent, "reader_start").Msg("reader started")
}

// Running reports whether the reader loop is live.
func (t *SharedTuner) Running() bool { return t.running.Load() }

func (t *SharedTuner) readLoop(stopCh chan struct{}, done chan struct{}) {
	defer close(done)
	defer t.running.Store(false)

	// an idle tuner must be seen empty twice in a row before it stops,
	// so a brief zero-subscriber window survives
	zeroStreak := 0

	for {
		select {
		case <-stopCh:
			t.finish(nil)
			return
		default:
		}

		buf := make([]byte, ChunkSize)
		n, err := t.adapter.Read(buf)
		if err != nil {
			select {
			case <-stopCh:
				t.finish(nil)
			default:
				t.logger.Warn().Err(err).Str(log.FieldEvent, "reader_error").Msg("stream read failed")
				t.finish(err)
			}
			return
		}
		if n == 0 {
			continue
		}
		chunk := buf[:n]
		t.bytesRead.Add(uint64(n))
		t.analyzer.Feed(chunk)
		t.signalLevel.Store(math.Float32bits(t.adapter.SignalLevel()))

		t.mu.Lock()
		if len(t.subs) == 0 {
			zeroStreak++
		} else {
			zeroStreak = 0
		}
		// a subscriber at end-of-buffer is lagged and dropped, never
		// silently skipped: its session learns through Done
		for id, sub := range t.subs {
			select {
			case sub.ch <- chunk:
			default:
				delete(t.subs, id)
				sub.revoke(ErrBroadcastLag)
				metrics.SubscribersActive.Dec()
				metrics.ChunkDropsTotal.Inc()
				t.logger.Warn().
					Str("subscription", sub.ID).
					Str(log.FieldEvent, "broadcast_lag").
					Msg("slow subscriber dropped")
			}
		}
		t.mu.Unlock()

		if zeroStreak >= 2 {
			t.logger.Info().Str(log.FieldEvent, "reader_idle").Msg("no subscribers, stopping")
			t.finish(nil)
			return
		}
	}
}

// finish tears the tuner down from inside the reader loop.
func (t *SharedTuner) finish(cause error) {
	if cause == nil {
		cause = ErrTunerStopped
	}
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()
	for _, s := range subs {
		s.revoke(cause)
		metrics.SubscribersActive.Dec()
	}
	_ = t.adapter.Close()
	if t.onExit != nil {
		t.onExit(t)
	}
}

// StopReader asks the reader to exit and waits for it, closing the
// adapter when the join deadline passes.
func (t *SharedTuner) StopReader(ctx context.Context) error {
	if !t.running.Load() {
		return nil
	}
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	// a blocked Read only unblocks when the adapter closes
	_ = t.adapter.Close()

	deadline := time.NewTimer(readerJoinDeadline)
	defer deadline.Stop()
	select {
	case <-t.readerDone:
		return nil
	case <-deadline.C:
		t.logger.Error().Str(log.FieldEvent, "reader_join_timeout").Msg("reader did not exit in time")
		return errors.New("tuner: reader join timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preempt revokes every subscription with ErrPreempted and stops the
// reader.
func (t *SharedTuner) Preempt(ctx context.Context) {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()
	for _, s := range subs {
		s.revoke(ErrPreempted)
		metrics.SubscribersActive.Dec()
	}
	_ = t.StopReader(ctx)
}

// Retune points the already-open adapter at a new channel and resets the
// stream analysis. The caller must hold the lock exclusively.
func (t *SharedTuner) Retune(key ChannelKey) error {
	if err := t.adapter.SetChannel(key.Space, key.Channel); err != nil {
		return err
	}
	t.mu.Lock()
	t.key2 = key
	t.mux = nil
	t.mu.Unlock()
	t.analyzer.Reset()
	t.lock.Retune(key)
	t.logger.Info().
		Uint32(log.FieldSpace, key.Space).
		Uint32(log.FieldChannel, key.Channel).
		Str(log.FieldEvent, "retune").
		Msg("retuned")
	return nil
}

