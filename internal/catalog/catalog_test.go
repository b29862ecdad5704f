package catalog

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenPragmasAndSchema(t *testing.T) {
	s := openTestStore(t)

	var mode string
	if err := s.DB.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Errorf("expected WAL mode, got %s (err: %v)", mode, err)
	}
	var fk int
	if err := s.DB.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		t.Errorf("expected foreign_keys=ON, got %d", fk)
	}
	var version int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != schemaVersion {
		t.Errorf("expected user_version=%d, got %d (err: %v)", schemaVersion, version, err)
	}
}

func TestUpsertDriverIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertDriver("/opt/bon/BonDriver_PT3-T0.so")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.UpsertDriver("/opt/bon/BonDriver_PT3-T0.so")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("upsert not idempotent: %d != %d", id1, id2)
	}

	d, err := s.GetDriver(id1)
	if err != nil {
		t.Fatal(err)
	}
	if d.MaxInstances != 1 || !d.AutoScanEnabled || d.ScanIntervalHours != 24 {
		t.Errorf("unexpected defaults: %+v", d)
	}
}

func TestMergeScanInsertUpdateDisable(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")

	first := []Observed{
		{NID: 0x7FE8, SID: 1024, TSID: 0x7FE8, Name: "NHK総合・東京", ServiceType: 0x01, PhysicalCh: 27, RemoteKey: 1, Space: 0, Channel: 13},
		{NID: 0x7FE8, SID: 1032, TSID: 0x7FE9, Name: "NHKEテレ東京", ServiceType: 0x01, PhysicalCh: 26, RemoteKey: 2, Space: 0, Channel: 12},
	}
	res, err := s.MergeScan(id, first)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Disabled != 0 {
		t.Fatalf("first merge = %+v", res)
	}

	// Second scan: one service refreshed, one gone.
	second := []Observed{
		{NID: 0x7FE8, SID: 1024, TSID: 0x7FE8, Name: "NHK総合1・東京", ServiceType: 0x01, PhysicalCh: 27, RemoteKey: 1, Space: 0, Channel: 13},
	}
	res, err = s.MergeScan(id, second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Updated != 1 || res.Disabled != 1 {
		t.Fatalf("second merge = %+v", res)
	}

	chans, err := s.ChannelsByDriver(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 {
		t.Fatalf("want 2 rows, got %d", len(chans))
	}
	var enabled, disabled int
	for _, c := range chans {
		if c.IsEnabled {
			enabled++
			if c.Name != "NHK総合1・東京" {
				t.Errorf("refresh did not apply: %q", c.Name)
			}
			if c.BandType != "terrestrial" || c.Region == "" {
				t.Errorf("band derivation missing: %q/%q", c.BandType, c.Region)
			}
		} else {
			disabled++
		}
	}
	if enabled != 1 || disabled != 1 {
		t.Errorf("enabled=%d disabled=%d", enabled, disabled)
	}
}

func TestMergeScanRevivesDisabled(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")

	obs := []Observed{{NID: 0x0004, SID: 101, TSID: 0x4010, Name: "BS1"}}
	if _, err := s.MergeScan(id, obs); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeScan(id, nil); err != nil {
		t.Fatal(err)
	}
	res, err := s.MergeScan(id, obs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("revive merge = %+v", res)
	}
	chans, _ := s.ChannelsByDriver(id)
	if len(chans) != 1 || !chans[0].IsEnabled {
		t.Error("disabled row was not revived in place")
	}
}

func TestChannelCandidatesOrdering(t *testing.T) {
	s := openTestStore(t)

	lowPrio, _ := s.UpsertDriver("/opt/bon/a.so")
	highPrio, _ := s.UpsertDriver("/opt/bon/b.so")
	if _, err := s.DB.Exec(`UPDATE bon_drivers SET scan_priority = 10 WHERE id = ?`, highPrio); err != nil {
		t.Fatal(err)
	}

	obs := []Observed{{NID: 0x7FE8, SID: 1024, TSID: 0x7FE8, Name: "NHK総合"}}
	if _, err := s.MergeScan(lowPrio, obs); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeScan(highPrio, obs); err != nil {
		t.Fatal(err)
	}

	sid := uint16(1024)
	cands, err := s.ChannelCandidates(0x7FE8, 0x7FE8, &sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(cands))
	}
	if cands[0].DriverID != highPrio {
		t.Errorf("driver scan_priority tie-break failed: first = driver %d", cands[0].DriverID)
	}

	// Per-channel priority beats driver priority.
	if _, err := s.DB.Exec(`UPDATE channels SET priority = 5 WHERE bon_driver_id = ?`, lowPrio); err != nil {
		t.Fatal(err)
	}
	cands, _ = s.ChannelCandidates(0x7FE8, 0x7FE8, &sid)
	if cands[0].DriverID != lowPrio {
		t.Errorf("channel priority did not dominate: first = driver %d", cands[0].DriverID)
	}

	// nil sid matches any service on the mux.
	all, err := s.ChannelCandidates(0x7FE8, 0x7FE8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("nil sid: want 2, got %d", len(all))
	}

	// Disabled channels never surface.
	if _, err := s.DB.Exec(`UPDATE channels SET is_enabled = 0`); err != nil {
		t.Fatal(err)
	}
	cands, _ = s.ChannelCandidates(0x7FE8, 0x7FE8, &sid)
	if len(cands) != 0 {
		t.Errorf("disabled channels returned: %d", len(cands))
	}
}

func TestPassiveUpdate(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")

	obs := Observed{NID: 0x7FE8, SID: 1024, TSID: 0x7FE8, Name: "NHK総合", ServiceType: 0x01}
	if _, err := s.MergeScan(id, []Observed{obs}); err != nil {
		t.Fatal(err)
	}

	// Unchanged service: touch only, no write counted.
	n, err := s.PassiveUpdate(id, []Observed{obs})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unchanged service wrote %d rows", n)
	}

	// Name change triggers a full update.
	obs.Name = "NHK総合・東京"
	n, err = s.PassiveUpdate(id, []Observed{obs})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("name change wrote %d rows", n)
	}

	// New service on the stream is inserted.
	n, err = s.PassiveUpdate(id, []Observed{{NID: 0x7FE8, SID: 1025, TSID: 0x7FE8, Name: "サブ", ServiceType: 0x01}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("new service wrote %d rows", n)
	}
	chans, _ := s.ChannelsByDriver(id)
	if len(chans) != 2 {
		t.Errorf("want 2 rows, got %d", len(chans))
	}
}

func TestFailureThresholdDisables(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")
	if _, err := s.MergeScan(id, []Observed{{NID: 0x7FE8, SID: 1024, TSID: 0x7FE8, Name: "X"}}); err != nil {
		t.Fatal(err)
	}
	chans, _ := s.ChannelsByDriver(id)
	chID := chans[0].ID

	for i := 1; i < s.FailureThreshold; i++ {
		count, err := s.IncrementFailure(chID)
		if err != nil {
			t.Fatal(err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
	}
	chans, _ = s.ChannelsByDriver(id)
	if !chans[0].IsEnabled {
		t.Fatal("disabled below threshold")
	}

	if _, err := s.IncrementFailure(chID); err != nil {
		t.Fatal(err)
	}
	chans, _ = s.ChannelsByDriver(id)
	if chans[0].IsEnabled {
		t.Error("not disabled at threshold")
	}

	// A success resets the counter.
	if err := s.ResetFailure(chID); err != nil {
		t.Fatal(err)
	}
	chans, _ = s.ChannelsByDriver(id)
	if chans[0].FailureCount != 0 {
		t.Errorf("failure_count = %d after reset", chans[0].FailureCount)
	}
}

func TestDueDriversAndMarkScanned(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")
	now := time.Now()

	due, err := s.DueDrivers(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("fresh driver not due: %d", len(due))
	}

	if err := s.MarkScanned(id, now); err != nil {
		t.Fatal(err)
	}
	due, _ = s.DueDrivers(now)
	if len(due) != 0 {
		t.Errorf("driver due immediately after scan: %d", len(due))
	}

	d, _ := s.GetDriver(id)
	wantNext := now.Add(time.Duration(d.ScanIntervalHours) * time.Hour).Unix()
	if !d.NextScanAt.Valid || d.NextScanAt.Int64 != wantNext {
		t.Errorf("next_scan_at = %v, want %d", d.NextScanAt, wantNext)
	}

	due, _ = s.DueDrivers(now.Add(25 * time.Hour))
	if len(due) != 1 {
		t.Errorf("driver not due past interval: %d", len(due))
	}
}

func TestScanHistory(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.UpsertDriver("/opt/bon/t0.so")

	if err := s.RecordScan(id, 12, true, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordScan(id, 0, false, "tuner busy"); err != nil {
		t.Fatal(err)
	}

	hist, err := s.ScanHistory(id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("want 2 entries, got %d", len(hist))
	}
	if hist[0].Success || hist[0].ErrorMessage != "tuner busy" {
		t.Errorf("latest entry wrong: %+v", hist[0])
	}
}

func TestGroupDrivers(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.UpsertDriver("/opt/bon/t0.so")
	b, _ := s.UpsertDriver("/opt/bon/t1.so")
	if _, err := s.UpsertDriver("/opt/bon/s0.so"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetDriverGroup(a, "terra"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDriverGroup(b, "terra"); err != nil {
		t.Fatal(err)
	}

	group, err := s.GroupDrivers("terra")
	if err != nil {
		t.Fatal(err)
	}
	if len(group) != 2 {
		t.Errorf("want 2 group members, got %d", len(group))
	}
}
