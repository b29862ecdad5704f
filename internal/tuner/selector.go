package tuner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
)

// ErrNoCandidate means the catalog has no enabled channel for the
// requested service.
var ErrNoCandidate = errors.New("tuner: no candidate channel")

// ErrAllCandidatesFailed means every candidate was tried and none
// delivered a verified stream.
var ErrAllCandidatesFailed = errors.New("tuner: all candidates failed")

// SelectorConfig tunes stream verification.
type SelectorConfig struct {
	SignalTimeout time.Duration
	SignalPoll    time.Duration
	SignalMin     float32
	PacketTimeout time.Duration
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SignalTimeout: 3 * time.Second,
		SignalPoll:    100 * time.Millisecond,
		SignalMin:     5.0,
		PacketTimeout: 2 * time.Second,
	}
}

// LogicalRequest asks for a service by its on-air identity rather than a
// physical coordinate.
type LogicalRequest struct {
	NID       uint16
	TSID      uint16
	SID       *uint16 // nil tunes the whole multiplex
	Group     string  // restrict to one driver group, empty for all
	Priority  int32
	Exclusive bool
}

// SelectResult is a successful logical tune.
type SelectResult struct {
	Sub       *Subscription
	Candidate catalog.Candidate
	FellBack  bool
}

// Selector resolves logical channels through the catalog and verifies
// each tune before handing it to the caller, falling back across
// candidates and keeping per-channel failure counters current.
type Selector struct {
	pool  *Pool
	store *catalog.Store
	cfg   SelectorConfig
}

func NewSelector(pool *Pool, store *catalog.Store, cfg SelectorConfig) *Selector {
	if cfg.SignalPoll <= 0 {
		cfg = DefaultSelectorConfig()
	}
	return &Selector{pool: pool, store: store, cfg: cfg}
}

// TuneLogical walks the candidate list best-first until one candidate
// delivers signal and packets.
func (s *Selector) TuneLogical(ctx context.Context, req LogicalRequest) (*SelectResult, error) {
	cands, err := s.store.ChannelCandidates(req.NID, req.TSID, req.SID)
	if err != nil {
		return nil, err
	}
	cands = filterGroup(s.store, cands, req.Group)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %04X/%04X", ErrNoCandidate, req.NID, req.TSID)
	}

	logger := log.WithComponent("selector").With().
		Uint16(log.FieldNID, req.NID).
		Uint16(log.FieldTSID, req.TSID).
		Logger()

	var lastErr error
	for i, cand := range cands {
		key := ChannelKey{DriverPath: cand.DriverPath, Space: cand.BonSpace, Channel: cand.BonChannel}
		mux := MuxKey{DriverPath: cand.DriverPath, NID: req.NID, TSID: req.TSID}
		// callers without an explicit priority inherit the channel's own
		priority := req.Priority
		if priority <= 0 {
			priority = int32(cand.Priority)
		}
		sub, err := s.pool.Acquire(ctx, key, &mux, priority, req.Exclusive)
		if err != nil {
			lastErr = err
			logger.Warn().
				Str(log.FieldDriverPath, cand.DriverPath).
				Int64(log.FieldChannelID, cand.ID).
				Err(err).
				Msg("candidate acquire failed")
			// a saturated driver is not a channel defect; only actual
			// tune failures charge the counter
			if errors.Is(err, ErrTune) {
				s.recordFailure(cand.ID)
			}
			continue
		}

		// tune-and-verify applies to fresh allocations only; a join rides
		// a stream someone else already verified
		if !sub.Joined() {
			if err := s.verify(ctx, sub.Tuner()); err != nil {
				lastErr = err
				logger.Warn().
					Str(log.FieldDriverPath, cand.DriverPath).
					Int64(log.FieldChannelID, cand.ID).
					Err(err).
					Msg("candidate verification failed")
				s.pool.Release(sub)
				s.recordFailure(cand.ID)
				continue
			}
		}

		metrics.TuneAttemptsTotal.WithLabelValues("ok").Inc()
		if err := s.store.ResetFailure(cand.ID); err != nil {
			logger.Warn().Err(err).Msg("failure counter reset failed")
		}
		if i > 0 {
			metrics.FallbacksTotal.Inc()
			logger.Info().
				Str(log.FieldDriverPath, cand.DriverPath).
				Int("candidate_index", i).
				Msg("served by fallback candidate")
		}
		return &SelectResult{Sub: sub, Candidate: cand, FellBack: i > 0}, nil
	}
	return nil, fmt.Errorf("%w (%d tried): %v", ErrAllCandidatesFailed, len(cands), lastErr)
}

func (s *Selector) recordFailure(channelID int64) {
	l := log.WithComponent("selector")
	count, err := s.store.IncrementFailure(channelID)
	if err != nil {
		l.Warn().Err(err).Msg("failure counter update failed")
		return
	}
	if count >= s.store.FailureThreshold {
		l.Info().
			Int64(log.FieldChannelID, channelID).
			Int("failures", count).
			Msg("channel disabled after repeated failures")
	}
}

// verify waits for carrier and then for packets. A tuner that is already
// mid-stream passes immediately.
func (s *Selector) verify(ctx context.Context, t *SharedTuner) error {
	signalDeadline := time.Now().Add(s.cfg.SignalTimeout)
	for t.SignalLevel() < s.cfg.SignalMin {
		if time.Now().After(signalDeadline) {
			metrics.TuneAttemptsTotal.WithLabelValues("no_signal").Inc()
			return fmt.Errorf("no signal above %.1f within %s", s.cfg.SignalMin, s.cfg.SignalTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SignalPoll):
		}
	}

	packetDeadline := time.Now().Add(s.cfg.PacketTimeout)
	for t.Packets() == 0 {
		if time.Now().After(packetDeadline) {
			metrics.TuneAttemptsTotal.WithLabelValues("no_packets").Inc()
			return fmt.Errorf("no packets within %s", s.cfg.PacketTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SignalPoll):
		}
	}
	return nil
}

// filterGroup keeps candidates whose driver belongs to group.
func filterGroup(store *catalog.Store, cands []catalog.Candidate, group string) []catalog.Candidate {
	if group == "" {
		return cands
	}
	members, err := store.GroupDrivers(group)
	if err != nil {
		return nil
	}
	ids := make(map[int64]bool, len(members))
	for _, d := range members {
		ids[d.ID] = true
	}
	var out []catalog.Candidate
	for _, c := range cands {
		if ids[c.DriverID] {
			out = append(out, c)
		}
	}
	return out
}
