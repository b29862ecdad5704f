package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Driver is a row of bon_drivers.
type Driver struct {
	ID                 int64
	Path               string
	DisplayName        string
	GroupName          string
	AutoScanEnabled    bool
	ScanIntervalHours  int
	ScanPriority       int
	PassiveScanEnabled bool
	MaxInstances       int
	LastScan           sql.NullInt64
	NextScanAt         sql.NullInt64
}

const driverCols = `id, path, COALESCE(display_name, ''), COALESCE(group_name, ''),
	auto_scan_enabled, scan_interval_hours, scan_priority, passive_scan_enabled,
	max_instances, last_scan, next_scan_at`

func scanDriver(row interface{ Scan(...any) error }) (Driver, error) {
	var d Driver
	err := row.Scan(&d.ID, &d.Path, &d.DisplayName, &d.GroupName,
		&d.AutoScanEnabled, &d.ScanIntervalHours, &d.ScanPriority, &d.PassiveScanEnabled,
		&d.MaxInstances, &d.LastScan, &d.NextScanAt)
	return d, err
}

// UpsertDriver registers a driver path, returning the stable id. Idempotent
// on path.
func (s *Store) UpsertDriver(path string) (int64, error) {
	res, err := s.DB.Exec(
		`INSERT INTO bon_drivers (path) VALUES (?) ON CONFLICT(path) DO NOTHING`, path)
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert driver: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err == nil {
			return id, nil
		}
	}
	var id int64
	if err := s.DB.QueryRow(`SELECT id FROM bon_drivers WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("catalog: upsert driver lookup: %w", err)
	}
	return id, nil
}

// GetDriver returns the driver row by id.
func (s *Store) GetDriver(id int64) (Driver, error) {
	d, err := scanDriver(s.DB.QueryRow(
		`SELECT `+driverCols+` FROM bon_drivers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Driver{}, fmt.Errorf("catalog: driver %d not found", id)
	}
	return d, err
}

// GetDriverByPath returns the driver row by path.
func (s *Store) GetDriverByPath(path string) (Driver, error) {
	d, err := scanDriver(s.DB.QueryRow(
		`SELECT `+driverCols+` FROM bon_drivers WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Driver{}, fmt.Errorf("catalog: driver %q not found", path)
	}
	return d, err
}

// AllDrivers lists every registered driver.
func (s *Store) AllDrivers() ([]Driver, error) {
	rows, err := s.DB.Query(`SELECT ` + driverCols + ` FROM bon_drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GroupDrivers lists the drivers of a group, empty when none.
func (s *Store) GroupDrivers(group string) ([]Driver, error) {
	rows, err := s.DB.Query(
		`SELECT `+driverCols+` FROM bon_drivers WHERE group_name = ? ORDER BY scan_priority DESC, id`,
		group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DueDrivers returns drivers due for an active scan at now, highest scan
// priority first.
func (s *Store) DueDrivers(now time.Time) ([]Driver, error) {
	rows, err := s.DB.Query(
		`SELECT `+driverCols+` FROM bon_drivers
		 WHERE auto_scan_enabled = 1 AND scan_interval_hours > 0
		   AND (next_scan_at IS NULL OR next_scan_at <= ?)
		 ORDER BY scan_priority DESC, id`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDriverGroup assigns (or clears) a driver's group name.
func (s *Store) SetDriverGroup(id int64, group string) error {
	_, err := s.DB.Exec(`UPDATE bon_drivers SET group_name = ?, updated_at = strftime('%s','now') WHERE id = ?`,
		nullString(group), id)
	return err
}

// SetMaxInstances updates a driver's concurrent tuning capacity. Shrinks
// take effect lazily as running tuners release their permits.
func (s *Store) SetMaxInstances(id int64, n int) error {
	if n < 1 {
		n = 1
	}
	_, err := s.DB.Exec(`UPDATE bon_drivers SET max_instances = ?, updated_at = strftime('%s','now') WHERE id = ?`, n, id)
	return err
}

// RegisterDriver upserts a driver and applies its configured group,
// capacity and scan priority in one step, returning the driver id.
func (s *Store) RegisterDriver(path, group string, maxInstances, scanPriority int) (int64, error) {
	id, err := s.UpsertDriver(path)
	if err != nil {
		return 0, err
	}
	if maxInstances < 1 {
		maxInstances = 1
	}
	_, err = s.DB.Exec(
		`UPDATE bon_drivers SET group_name = ?, max_instances = ?, scan_priority = ?,
		 updated_at = strftime('%s','now') WHERE id = ?`,
		nullString(group), maxInstances, scanPriority, id)
	if err != nil {
		return 0, fmt.Errorf("catalog: register driver: %w", err)
	}
	return id, nil
}

// MarkScanned records a completed scan and schedules the next one.
func (s *Store) MarkScanned(id int64, at time.Time) error {
	var next sql.NullInt64
	var interval int
	if err := s.DB.QueryRow(`SELECT scan_interval_hours FROM bon_drivers WHERE id = ?`, id).Scan(&interval); err != nil {
		return err
	}
	if interval > 0 {
		next = sql.NullInt64{Int64: at.Add(time.Duration(interval) * time.Hour).Unix(), Valid: true}
	}
	_, err := s.DB.Exec(
		`UPDATE bon_drivers SET last_scan = ?, next_scan_at = ?, updated_at = strftime('%s','now') WHERE id = ?`,
		at.Unix(), next, id)
	return err
}

// RecordScan appends a scan_history row.
func (s *Store) RecordScan(driverID int64, channelCount int, success bool, errMsg string) error {
	_, err := s.DB.Exec(
		`INSERT INTO scan_history (bon_driver_id, channel_count, success, error_message) VALUES (?, ?, ?, ?)`,
		driverID, channelCount, success, nullString(errMsg))
	return err
}

// ScanHistoryEntry is a row of scan_history.
type ScanHistoryEntry struct {
	ID           int64
	DriverID     int64
	ScanTime     int64
	ChannelCount int
	Success      bool
	ErrorMessage string
}

// ScanHistory returns the most recent scan entries for a driver.
func (s *Store) ScanHistory(driverID int64, limit int) ([]ScanHistoryEntry, error) {
	rows, err := s.DB.Query(
		`SELECT id, bon_driver_id, scan_time, COALESCE(channel_count, 0), success, COALESCE(error_message, '')
		 FROM scan_history WHERE bon_driver_id = ? ORDER BY scan_time DESC, id DESC LIMIT ?`,
		driverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanHistoryEntry
	for rows.Next() {
		var e ScanHistoryEntry
		if err := rows.Scan(&e.ID, &e.DriverID, &e.ScanTime, &e.ChannelCount, &e.Success, &e.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
