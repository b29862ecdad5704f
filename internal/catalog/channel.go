package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bondnet/bonproxy/internal/arib"
)

// Channel is a row of channels.
type Channel struct {
	ID           int64
	DriverID     int64
	NID          uint16
	SID          uint16
	TSID         uint16
	ManualSheet  sql.NullInt64
	RawName      string
	Name         string
	PhysicalCh   int
	RemoteKey    int
	ServiceType  uint8
	NetworkName  string
	BonSpace     uint32
	BonChannel   uint32
	BandType     string
	Region       string
	IsEnabled    bool
	LastSeen     sql.NullInt64
	FailureCount int
	Priority     int
}

// Observed is one service seen by a scan, together with the driver-local
// tuning coordinates it was received on.
type Observed struct {
	NID         uint16
	SID         uint16
	TSID        uint16
	RawName     string
	Name        string
	NetworkName string
	ServiceType uint8
	PhysicalCh  int
	RemoteKey   int
	Space       uint32
	Channel     uint32
}

// Candidate is a channel joined with its driver, as consumed by the
// logical selector.
type Candidate struct {
	Channel
	DriverPath   string
	ScanPriority int
	MaxInstances int
}

// MergeResult summarises a MergeScan.
type MergeResult struct {
	Inserted int
	Updated  int
	Disabled int
}

const channelCols = `id, bon_driver_id, nid, sid, tsid, manual_sheet,
	COALESCE(raw_name, ''), COALESCE(channel_name, ''), COALESCE(physical_ch, 0),
	COALESCE(remote_control_key, 0), COALESCE(service_type, 0), COALESCE(network_name, ''),
	COALESCE(bon_space, 0), COALESCE(bon_channel, 0), COALESCE(band_type, ''),
	COALESCE(terrestrial_region, ''), is_enabled, last_seen, failure_count, priority`

func scanChannel(row interface{ Scan(...any) error }, extra ...any) (Channel, error) {
	var c Channel
	dest := []any{&c.ID, &c.DriverID, &c.NID, &c.SID, &c.TSID, &c.ManualSheet,
		&c.RawName, &c.Name, &c.PhysicalCh, &c.RemoteKey, &c.ServiceType, &c.NetworkName,
		&c.BonSpace, &c.BonChannel, &c.BandType, &c.Region,
		&c.IsEnabled, &c.LastSeen, &c.FailureCount, &c.Priority}
	dest = append(dest, extra...)
	err := row.Scan(dest...)
	return c, err
}

// ChannelCandidates resolves a service triple against the catalog. sid may
// be nil to match any service on the multiplex. Only enabled channels are
// returned, best first.
func (s *Store) ChannelCandidates(nid, tsid uint16, sid *uint16) ([]Candidate, error) {
	query := `SELECT ` + channelColsC + `,
		d.path, d.scan_priority, d.max_instances
		FROM channels c JOIN bon_drivers d ON d.id = c.bon_driver_id
		WHERE c.nid = ? AND c.tsid = ? AND c.is_enabled = 1`
	args := []any{nid, tsid}
	if sid != nil {
		query += ` AND c.sid = ?`
		args = append(args, *sid)
	}
	query += ` ORDER BY c.priority DESC, d.scan_priority DESC, c.id`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cand Candidate
		c, err := scanChannel(rows, &cand.DriverPath, &cand.ScanPriority, &cand.MaxInstances)
		if err != nil {
			return nil, err
		}
		cand.Channel = c
		out = append(out, cand)
	}
	return out, rows.Err()
}

// ChannelsByDriver lists channels of a driver, enabled first.
func (s *Store) ChannelsByDriver(driverID int64) ([]Channel, error) {
	rows, err := s.DB.Query(
		`SELECT `+channelCols+` FROM channels WHERE bon_driver_id = ?
		 ORDER BY is_enabled DESC, bon_space, bon_channel, sid`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnabledChannels lists every enabled channel across drivers.
func (s *Store) EnabledChannels() ([]Channel, error) {
	rows, err := s.DB.Query(
		`SELECT ` + channelCols + ` FROM channels WHERE is_enabled = 1
		 ORDER BY band_type, remote_control_key, nid, tsid, sid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnabledCandidates lists every enabled channel joined with its driver.
// With driver ids given, only those drivers' channels are returned; the
// group-bound space mapping is built from this restricted form.
func (s *Store) EnabledCandidates(driverIDs ...int64) ([]Candidate, error) {
	query := `SELECT ` + channelColsC + `,
		d.path, d.scan_priority, d.max_instances
		FROM channels c JOIN bon_drivers d ON d.id = c.bon_driver_id
		WHERE c.is_enabled = 1`
	var args []any
	if len(driverIDs) > 0 {
		query += ` AND c.bon_driver_id IN (?` + strings.Repeat(",?", len(driverIDs)-1) + `)`
		for _, id := range driverIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY c.band_type, c.remote_control_key, c.nid, c.tsid, c.sid`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cand Candidate
		c, err := scanChannel(rows, &cand.DriverPath, &cand.ScanPriority, &cand.MaxInstances)
		if err != nil {
			return nil, err
		}
		cand.Channel = c
		out = append(out, cand)
	}
	return out, rows.Err()
}

// BandCounts tallies enabled channels per band, for the catalog gauge.
func (s *Store) BandCounts() (map[string]int, error) {
	rows, err := s.DB.Query(
		`SELECT COALESCE(band_type, ''), COUNT(*) FROM channels WHERE is_enabled = 1 GROUP BY band_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var band string
		var n int
		if err := rows.Scan(&band, &n); err != nil {
			return nil, err
		}
		out[band] = n
	}
	return out, rows.Err()
}

// MergeScan applies a full active-scan result for a driver in one
// transaction: observed services are inserted or refreshed, previously
// enabled services the scan no longer sees are soft-disabled.
func (s *Store) MergeScan(driverID int64, observed []Observed) (MergeResult, error) {
	var res MergeResult
	now := time.Now().Unix()

	tx, err := s.DB.Begin()
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[[3]uint16]bool, len(observed))
	for _, o := range observed {
		seen[[3]uint16{o.NID, o.SID, o.TSID}] = true
		band := arib.BandFromNID(o.NID)
		region, _ := arib.RegionFromNID(o.NID)

		r, err := tx.Exec(
			`UPDATE channels SET
				raw_name = ?, channel_name = ?, physical_ch = ?, remote_control_key = ?,
				service_type = ?, network_name = ?, bon_space = ?, bon_channel = ?,
				band_type = ?, terrestrial_region = ?,
				is_enabled = 1, failure_count = 0, last_seen = ?, updated_at = strftime('%s','now')
			 WHERE bon_driver_id = ? AND nid = ? AND sid = ? AND tsid = ? AND manual_sheet IS NULL`,
			o.RawName, o.Name, o.PhysicalCh, o.RemoteKey,
			o.ServiceType, o.NetworkName, o.Space, o.Channel,
			band.String(), region, now,
			driverID, o.NID, o.SID, o.TSID)
		if err != nil {
			return MergeResult{}, fmt.Errorf("catalog: merge update: %w", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Updated++
			continue
		}

		if _, err := tx.Exec(
			`INSERT INTO channels (bon_driver_id, nid, sid, tsid, raw_name, channel_name,
				physical_ch, remote_control_key, service_type, network_name,
				bon_space, bon_channel, band_type, terrestrial_region, is_enabled, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			driverID, o.NID, o.SID, o.TSID, o.RawName, o.Name,
			o.PhysicalCh, o.RemoteKey, o.ServiceType, o.NetworkName,
			o.Space, o.Channel, band.String(), region, now); err != nil {
			return MergeResult{}, fmt.Errorf("catalog: merge insert: %w", err)
		}
		res.Inserted++
	}

	// Soft-disable enabled channels the scan no longer observes.
	rows, err := tx.Query(
		`SELECT id, nid, sid, tsid FROM channels
		 WHERE bon_driver_id = ? AND is_enabled = 1 AND manual_sheet IS NULL`, driverID)
	if err != nil {
		return MergeResult{}, err
	}
	var stale []int64
	for rows.Next() {
		var id int64
		var nid, sid, tsid uint16
		if err := rows.Scan(&id, &nid, &sid, &tsid); err != nil {
			_ = rows.Close()
			return MergeResult{}, err
		}
		if !seen[[3]uint16{nid, sid, tsid}] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return MergeResult{}, err
	}
	_ = rows.Close()

	for _, id := range stale {
		if _, err := tx.Exec(`UPDATE channels SET is_enabled = 0, updated_at = strftime('%s','now') WHERE id = ?`, id); err != nil {
			return MergeResult{}, err
		}
		res.Disabled++
	}

	if err := tx.Commit(); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

// PassiveUpdate applies services observed on a live stream. Known rows get
// their last_seen touched and failure count reset; a full update is written
// only when the name or service type changed. Unknown services are
// inserted. Returns the number of rows written (inserts plus full updates).
func (s *Store) PassiveUpdate(driverID int64, observed []Observed) (int, error) {
	now := time.Now().Unix()
	written := 0

	for _, o := range observed {
		var id int64
		var name string
		var serviceType uint8
		err := s.DB.QueryRow(
			`SELECT id, COALESCE(channel_name, ''), COALESCE(service_type, 0) FROM channels
			 WHERE bon_driver_id = ? AND nid = ? AND sid = ? AND tsid = ? AND manual_sheet IS NULL`,
			driverID, o.NID, o.SID, o.TSID).Scan(&id, &name, &serviceType)
		switch {
		case err == sql.ErrNoRows:
			band := arib.BandFromNID(o.NID)
			region, _ := arib.RegionFromNID(o.NID)
			if _, err := s.DB.Exec(
				`INSERT INTO channels (bon_driver_id, nid, sid, tsid, raw_name, channel_name,
					physical_ch, remote_control_key, service_type, network_name,
					bon_space, bon_channel, band_type, terrestrial_region, is_enabled, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
				driverID, o.NID, o.SID, o.TSID, o.RawName, o.Name,
				o.PhysicalCh, o.RemoteKey, o.ServiceType, o.NetworkName,
				o.Space, o.Channel, band.String(), region, now); err != nil {
				return written, fmt.Errorf("catalog: passive insert: %w", err)
			}
			written++
		case err != nil:
			return written, err
		case name != o.Name || serviceType != o.ServiceType:
			if _, err := s.DB.Exec(
				`UPDATE channels SET raw_name = ?, channel_name = ?, service_type = ?,
					network_name = ?, failure_count = 0, last_seen = ?, updated_at = strftime('%s','now')
				 WHERE id = ?`,
				o.RawName, o.Name, o.ServiceType, o.NetworkName, now, id); err != nil {
				return written, err
			}
			written++
		default:
			if _, err := s.DB.Exec(
				`UPDATE channels SET failure_count = 0, last_seen = ? WHERE id = ?`, now, id); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// IncrementFailure bumps a channel's consecutive failure counter and
// disables the channel once the threshold is reached. Returns the new count.
func (s *Store) IncrementFailure(channelID int64) (int, error) {
	if _, err := s.DB.Exec(
		`UPDATE channels SET failure_count = failure_count + 1, updated_at = strftime('%s','now') WHERE id = ?`,
		channelID); err != nil {
		return 0, err
	}
	var count int
	if err := s.DB.QueryRow(`SELECT failure_count FROM channels WHERE id = ?`, channelID).Scan(&count); err != nil {
		return 0, err
	}
	if count >= s.FailureThreshold {
		if _, err := s.DB.Exec(`UPDATE channels SET is_enabled = 0, updated_at = strftime('%s','now') WHERE id = ?`, channelID); err != nil {
			return count, err
		}
	}
	return count, nil
}

// ResetFailure clears a channel's failure counter after a successful tune.
func (s *Store) ResetFailure(channelID int64) error {
	_, err := s.DB.Exec(`UPDATE channels SET failure_count = 0 WHERE id = ?`, channelID)
	return err
}

// channelColsC is channelCols qualified with the alias used by the
// candidates join.
const channelColsC = `c.id, c.bon_driver_id, c.nid, c.sid, c.tsid, c.manual_sheet,
	COALESCE(c.raw_name, ''), COALESCE(c.channel_name, ''), COALESCE(c.physical_ch, 0),
	COALESCE(c.remote_control_key, 0), COALESCE(c.service_type, 0), COALESCE(c.network_name, ''),
	COALESCE(c.bon_space, 0), COALESCE(c.bon_channel, 0), COALESCE(c.band_type, ''),
	COALESCE(c.terrestrial_region, ''), c.is_enabled, c.last_seen, c.failure_count, c.priority`
