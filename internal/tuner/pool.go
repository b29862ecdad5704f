package tuner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bondnet/bonproxy/internal/driver"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
)

// ErrNoCapacity means every instance of a driver is busy with equal or
// higher priority work.
var ErrNoCapacity = errors.New("tuner: no capacity")

// ErrTune wraps adapter failures during acquire.
var ErrTune = errors.New("tuner: tune failed")

// CapacityFunc reports how many concurrent instances a driver may open.
type CapacityFunc func(driverPath string) int

// Pool hands out subscriptions on shared tuners, opening and closing
// driver instances under per-driver capacity limits and preempting
// lower-priority work when a driver is saturated.
type Pool struct {
	reg      *driver.Registry
	capacity CapacityFunc

	mu      sync.Mutex
	drivers map[string]*poolDriver
}

type poolDriver struct {
	path    string
	sem     *semaphore.Weighted
	cap     int
	wantCap int
	tuners  map[string]*SharedTuner
}

func NewPool(reg *driver.Registry, capacity CapacityFunc) *Pool {
	if capacity == nil {
		capacity = func(string) int { return 1 }
	}
	return &Pool{
		reg:      reg,
		capacity: capacity,
		drivers:  make(map[string]*poolDriver),
	}
}

func (p *Pool) driverLocked(path string) *poolDriver {
	d, ok := p.drivers[path]
	if !ok {
		n := p.capacity(path)
		if n < 1 {
			n = 1
		}
		d = &poolDriver{
			path:    path,
			sem:     semaphore.NewWeighted(int64(n)),
			cap:     n,
			wantCap: n,
			tuners:  make(map[string]*SharedTuner),
		}
		p.drivers[path] = d
	}
	return d
}

// SetCapacity changes a driver's instance limit. The new limit applies
// once the driver has no open tuners; running work is never cut short.
func (p *Pool) SetCapacity(path string, n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.driverLocked(path)
	d.wantCap = n
	p.applyCapacityLocked(d)
}

func (p *Pool) applyCapacityLocked(d *poolDriver) {
	if d.wantCap != d.cap && len(d.tuners) == 0 {
		d.sem = semaphore.NewWeighted(int64(d.wantCap))
		d.cap = d.wantCap
	}
}

// Acquire attaches a subscriber to the channel named by key, joining a
// running tuner on the same multiplex or channel when possible, opening
// a fresh instance when capacity allows, and preempting lower-priority
// work as a last resort. A non-nil mux enables the multiplex join; an
// exclusive request clears the driver and takes it whole at protected
// priority.
func (p *Pool) Acquire(ctx context.Context, key ChannelKey, mux *MuxKey, priority int32, exclusive bool) (*Subscription, error) {
	if exclusive && priority < ProtectedPriority {
		priority = ProtectedPriority
	}
	logger := log.WithComponent("pool")
	for attempt := 0; ; attempt++ {
		sub, retriable, err := p.tryAcquire(ctx, key, mux, priority, exclusive)
		if err == nil {
			return sub, nil
		}
		if !retriable || attempt >= 2 {
			return nil, err
		}
		logger.Debug().
			Str(log.FieldDriverPath, key.DriverPath).
			Int("attempt", attempt+1).
			Err(err).
			Msg("acquire retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context, key ChannelKey, mux *MuxKey, priority int32, exclusive bool) (*Subscription, bool, error) {
	p.mu.Lock()
	d := p.driverLocked(key.DriverPath)
	p.applyCapacityLocked(d)

	if !exclusive {
		// 1. join a running tuner already carrying this multiplex; no
		// permit consumed
		if mux != nil {
			if cand := d.findByMuxLocked(*mux); cand != nil {
				lockKey := cand.Key()
				p.mu.Unlock()
				return p.join(ctx, cand, lockKey, priority)
			}
		}

		// 2. join a running tuner already on this channel
		if cand := d.findByKeyLocked(key); cand != nil {
			p.mu.Unlock()
			return p.join(ctx, cand, key, priority)
		}
	}

	// 3. exclusive override: stop everything below protected priority and
	// take every permit, so nothing else can allocate on the driver until
	// the holder leaves
	if exclusive {
		victims := make([]*SharedTuner, 0, len(d.tuners))
		for _, t := range d.tuners {
			if t.MaxPriority() < ProtectedPriority {
				victims = append(victims, t)
			}
		}
		if len(victims) < len(d.tuners) {
			p.mu.Unlock()
			return nil, false, fmt.Errorf("%w: driver %s held at protected priority", ErrNoCapacity, key.DriverPath)
		}
		weight := int64(d.cap)
		p.mu.Unlock()

		for _, v := range victims {
			metrics.PreemptTotal.WithLabelValues(
				strconv.Itoa(int(v.MaxPriority())), strconv.Itoa(int(priority))).Inc()
			v.Preempt(ctx)
		}
		// the permits free as the victims' readers exit
		if err := d.sem.Acquire(ctx, weight); err != nil {
			return nil, false, err
		}
		sub, err := p.openInstance(d, key, mux, priority, true, weight)
		if err != nil {
			d.sem.Release(weight)
			return nil, false, err
		}
		return sub, false, nil
	}

	// 4. open a fresh instance when the driver has headroom
	if d.sem.TryAcquire(1) {
		p.mu.Unlock()
		sub, err := p.openInstance(d, key, mux, priority, false, 1)
		if err != nil {
			d.sem.Release(1)
			return nil, false, err
		}
		return sub, false, nil
	}

	// 5. preempt the weakest lower-priority tuner
	victim := d.selectVictimLocked(priority)
	if victim == nil {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("%w: driver %s at %d instances", ErrNoCapacity, key.DriverPath, d.cap)
	}
	victimPrio := victim.MaxPriority()
	p.mu.Unlock()

	metrics.PreemptTotal.WithLabelValues(
		strconv.Itoa(int(victimPrio)), strconv.Itoa(int(priority))).Inc()
	l := log.WithComponent("pool")
	l.Info().
		Str(log.FieldDriverPath, key.DriverPath).
		Int32(log.FieldPriority, priority).
		Int32("victim_priority", victimPrio).
		Int("victim_subscribers", victim.SubscriberCount()).
		Msg("preempting tuner")
	victim.Preempt(ctx)

	// the permit frees once the victim's reader exits
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	sub, err := p.openInstance(d, key, mux, priority, false, 1)
	if err != nil {
		d.sem.Release(1)
		return nil, false, err
	}
	return sub, false, nil
}

// findByKeyLocked returns a running tuner currently on key.
func (d *poolDriver) findByKeyLocked(key ChannelKey) *SharedTuner {
	for _, t := range d.tuners {
		if t.Running() && t.Key() == key {
			return t
		}
	}
	return nil
}

// findByMuxLocked returns a running tuner carrying the multiplex.
func (d *poolDriver) findByMuxLocked(mux MuxKey) *SharedTuner {
	for _, t := range d.tuners {
		if !t.Running() {
			continue
		}
		if m, ok := t.MuxIdentity(); ok && m == mux {
			return t
		}
	}
	return nil
}

// selectVictimLocked picks the tuner to evict for a request at prio:
// every subscriber must rank strictly below it and none may be
// protected. Ties go to the fewest subscribers, then the longest idle.
func (d *poolDriver) selectVictimLocked(prio int32) *SharedTuner {
	var cands []*SharedTuner
	for _, t := range d.tuners {
		maxP := t.MaxPriority()
		if maxP >= prio || maxP >= ProtectedPriority {
			continue
		}
		cands = append(cands, t)
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		si, sj := cands[i].SubscriberCount(), cands[j].SubscriberCount()
		if si != sj {
			return si < sj
		}
		return cands[i].IdleSince().Before(cands[j].IdleSince())
	})
	return cands[0]
}

// join subscribes onto an existing tuner as a shared rider. Failures
// are retriable: the tuner may be stopping or held exclusively.
func (p *Pool) join(ctx context.Context, t *SharedTuner, key ChannelKey, priority int32) (*Subscription, bool, error) {
	joinCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.AccessLock().AcquireShared(joinCtx, key); err != nil {
		return nil, true, err
	}
	if !t.Running() {
		// lost the race against shutdown
		t.AccessLock().ReleaseShared()
		return nil, true, ErrTunerStopped
	}
	sub := t.Subscribe(priority)
	sub.joined = true
	return sub, false, nil
}

// openInstance opens and tunes a fresh adapter; the caller holds weight
// capacity permits which pass to the tuner on success. The new tuner is
// tuned under the exclusive lock; shared requests then downgrade it so
// riders can join.
func (p *Pool) openInstance(d *poolDriver, key ChannelKey, mux *MuxKey, priority int32, exclusive bool, weight int64) (*Subscription, error) {
	ad, err := p.reg.Open(key.DriverPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTune, err)
	}
	if err := ad.SetChannel(key.Space, key.Channel); err != nil {
		_ = ad.Close()
		return nil, fmt.Errorf("%w: %v", ErrTune, err)
	}

	t := NewSharedTuner(key, ad, func(t *SharedTuner) { p.onTunerExit(d, t) })
	t.permits = weight
	if err := t.AccessLock().TryAcquireExclusive(key); err != nil {
		_ = ad.Close()
		return nil, err
	}
	if !exclusive {
		t.AccessLock().Downgrade(key)
	}
	if mux != nil {
		t.SetMuxIdentity(*mux)
	}

	p.mu.Lock()
	d.tuners[t.ID] = t
	p.mu.Unlock()
	metrics.TunersOpen.WithLabelValues(key.DriverPath).Inc()

	t.StartReader()
	sub := t.Subscribe(priority)
	sub.exclusive = exclusive
	return sub, nil
}

// onTunerExit runs when a tuner's reader ends; it returns the tuner's
// capacity permits.
func (p *Pool) onTunerExit(d *poolDriver, t *SharedTuner) {
	p.mu.Lock()
	_, present := d.tuners[t.ID]
	delete(d.tuners, t.ID)
	if present {
		// return the permits before a pending capacity change swaps
		// the semaphore out
		d.sem.Release(t.permits)
	}
	p.applyCapacityLocked(d)
	p.mu.Unlock()
	if present {
		metrics.TunersOpen.WithLabelValues(t.key.DriverPath).Dec()
	}
}

// Release detaches a subscription; the last one off a tuner shuts it
// down.
func (p *Pool) Release(sub *Subscription) {
	t := sub.tuner
	remaining := t.Unsubscribe(sub)
	if sub.exclusive {
		t.AccessLock().ReleaseExclusive()
	} else {
		t.AccessLock().ReleaseShared()
	}
	if remaining == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), readerJoinDeadline+time.Second)
		defer cancel()
		_ = t.StopReader(ctx)
	}
}

// TunerStatus is a point-in-time view of one open tuner, for status
// surfaces.
type TunerStatus struct {
	ID          string
	DriverPath  string
	Space       uint32
	Channel     uint32
	Subscribers int
	MaxPriority int32
	SignalLevel float32
	Packets     uint64
	BytesRead   uint64
}

// Status snapshots every open tuner.
func (p *Pool) Status() []TunerStatus {
	p.mu.Lock()
	var tuners []*SharedTuner
	for _, d := range p.drivers {
		for _, t := range d.tuners {
			tuners = append(tuners, t)
		}
	}
	p.mu.Unlock()

	out := make([]TunerStatus, 0, len(tuners))
	for _, t := range tuners {
		key := t.Key()
		out = append(out, TunerStatus{
			ID:          t.ID,
			DriverPath:  key.DriverPath,
			Space:       key.Space,
			Channel:     key.Channel,
			Subscribers: t.SubscriberCount(),
			MaxPriority: t.MaxPriority(),
			SignalLevel: t.SignalLevel(),
			Packets:     t.Packets(),
			BytesRead:   t.BytesRead(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverPath < out[j].DriverPath })
	return out
}

// Tuners snapshots the live tuner set. The passive scanner walks this to
// read analyzer state off running streams.
func (p *Pool) Tuners() []*SharedTuner {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*SharedTuner
	for _, d := range p.drivers {
		for _, t := range d.tuners {
			if t.Running() {
				out = append(out, t)
			}
		}
	}
	return out
}

// DriverBusy reports whether any tuner is open on the driver path.
func (p *Pool) DriverBusy(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[path]
	return ok && len(d.tuners) > 0
}

// Shutdown stops every tuner.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var tuners []*SharedTuner
	for _, d := range p.drivers {
		for _, t := range d.tuners {
			tuners = append(tuners, t)
		}
	}
	p.mu.Unlock()
	for _, t := range tuners {
		t.Preempt(ctx)
	}
}
