package tuner

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/driver"
)

const (
	simBadTune = "sim://bad?spaces=UHF:13-20&badtune=0:3"
	simDead    = "sim://dead?spaces=UHF:13-20&dead=0:3"
	simGood    = "sim://good?spaces=UHF:13-20"
)

// fastVerify keeps candidate verification short for tests.
func fastVerify() SelectorConfig {
	return SelectorConfig{
		SignalTimeout: 300 * time.Millisecond,
		SignalPoll:    20 * time.Millisecond,
		SignalMin:     5.0,
		PacketTimeout: 500 * time.Millisecond,
	}
}

// seedSelector builds a catalog where primary is the preferred candidate
// and fallback the second choice, both carrying the same service.
func seedSelector(t *testing.T, primary, fallback string) (*catalog.Store, uint16, uint16, uint16) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	nid, tsid := driver.SimMuxIdentity("UHF", 0, 3)
	sid := uint16(0x0400 + 3*4)
	obs := []catalog.Observed{{
		NID: nid, SID: sid, TSID: tsid,
		Name: "SIM UHF 3-0", ServiceType: 0x01,
		Space: 0, Channel: 3,
	}}

	primID, _ := store.UpsertDriver(primary)
	fbID, _ := store.UpsertDriver(fallback)
	if _, err := store.MergeScan(primID, obs); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MergeScan(fbID, obs); err != nil {
		t.Fatal(err)
	}
	// the primary wins candidate ordering
	if _, err := store.DB.Exec(`UPDATE channels SET priority = 10 WHERE bon_driver_id = ?`, primID); err != nil {
		t.Fatal(err)
	}
	return store, nid, tsid, sid
}

func TestSelectorDirectHit(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.FellBack {
		t.Error("primary candidate reported as fallback")
	}
	if res.Candidate.DriverPath != simGood {
		t.Errorf("served by %s", res.Candidate.DriverPath)
	}

	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}

func TestSelectorFallsBackOnTuneFailure(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simBadTune, simGood)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FellBack || res.Candidate.DriverPath != simGood {
		t.Errorf("result = %+v", res.Candidate.DriverPath)
	}

	// the failed candidate picked up a failure mark
	primID, _ := store.UpsertDriver(simBadTune)
	chans, _ := store.ChannelsByDriver(primID)
	if len(chans) != 1 || chans[0].FailureCount != 1 {
		t.Errorf("primary failure count = %+v", chans)
	}

	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}

func TestSelectorFallsBackOnDeadCarrier(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simDead, simGood)
	p := newTestPool(2)
	sel := NewSelector(p, store, fastVerify())

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FellBack {
		t.Error("dead carrier candidate passed verification")
	}

	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}

func TestSelectorSuccessResetsFailures(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	goodID, _ := store.UpsertDriver(simGood)
	if _, err := store.DB.Exec(`UPDATE channels SET failure_count = 3 WHERE bon_driver_id = ?`, goodID); err != nil {
		t.Fatal(err)
	}

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	chans, _ := store.ChannelsByDriver(goodID)
	if chans[0].FailureCount != 0 {
		t.Errorf("failure count = %d after success", chans[0].FailureCount)
	}

	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}

func TestSelectorBusyDriverDoesNotChargeFailure(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	// a protected holder saturates the good driver on another channel
	blocker, err := p.Acquire(testCtx(t), ChannelKey{DriverPath: simGood, Space: 0, Channel: 1}, nil, ProtectedPriority, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if !errors.Is(err, ErrAllCandidatesFailed) {
		t.Fatalf("err = %v", err)
	}

	// saturation on the preferred driver must not look like a channel
	// defect
	goodID, _ := store.UpsertDriver(simGood)
	chans, _ := store.ChannelsByDriver(goodID)
	if len(chans) != 1 || chans[0].FailureCount != 0 {
		t.Errorf("busy driver failure count = %+v", chans)
	}

	p.Release(blocker)
	waitStopped(t, blocker.Tuner())
}

func TestSelectorJoinSkipsVerification(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)

	// an impossible signal floor fails any fresh verification
	cfg := fastVerify()
	cfg.SignalMin = 1000
	sel := NewSelector(p, store, cfg)

	first, err := p.Acquire(testCtx(t), ChannelKey{DriverPath: simGood, Space: 0, Channel: 3}, nil, 10, false)
	if err != nil {
		t.Fatal(err)
	}

	// the logical tune rides the running tuner and is never verified
	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Sub.Joined() {
		t.Error("join not reported as a join")
	}
	if res.Sub.Tuner() != first.Tuner() {
		t.Error("join opened a second instance")
	}
	goodID, _ := store.UpsertDriver(simGood)
	chans, _ := store.ChannelsByDriver(goodID)
	if len(chans) != 1 || chans[0].FailureCount != 0 {
		t.Errorf("joined channel failure count = %+v", chans)
	}

	p.Release(res.Sub)
	p.Release(first)
	waitStopped(t, first.Tuner())
}

func TestSelectorNoCandidate(t *testing.T) {
	store, _, _, _ := seedSelector(t, simGood, simBadTune)
	sel := NewSelector(newTestPool(1), store, fastVerify())

	_, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: 0x0004, TSID: 0x4010, Priority: 10})
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectorAllCandidatesFail(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simBadTune, simBadTune)
	sel := NewSelector(newTestPool(1), store, fastVerify())

	_, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Priority: 10})
	if !errors.Is(err, ErrAllCandidatesFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectorWholeMux(t *testing.T) {
	store, nid, tsid, _ := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}

func TestSelectorGroupRestriction(t *testing.T) {
	store, nid, tsid, sid := seedSelector(t, simGood, simBadTune)
	p := newTestPool(1)
	sel := NewSelector(p, store, fastVerify())

	goodID, _ := store.UpsertDriver(simGood)
	if err := store.SetDriverGroup(goodID, "terra"); err != nil {
		t.Fatal(err)
	}

	// a group the good driver is not in cannot be served by it
	_, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Group: "bs", Priority: 10})
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("foreign group: %v", err)
	}

	res, err := sel.TuneLogical(testCtx(t), LogicalRequest{NID: nid, TSID: tsid, SID: &sid, Group: "terra", Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidate.DriverPath != simGood {
		t.Errorf("served by %s", res.Candidate.DriverPath)
	}
	p.Release(res.Sub)
	waitStopped(t, res.Sub.Tuner())
}
