// Package catalog is the persistent store of drivers, channels and scan
// history backing logical channel selection.
package catalog

import (
	"database/sql"
	"fmt"

	"github.com/bondnet/bonproxy/internal/arib"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/persistence/sqlite"
)

const schemaVersion = 2

// DefaultFailureThreshold disables a channel after this many consecutive
// tuning failures.
const DefaultFailureThreshold = 5

// Store wraps the catalog database.
type Store struct {
	DB               *sql.DB
	FailureThreshold int
}

// Open opens (and migrates) the catalog at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, FailureThreshold: DefaultFailureThreshold}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var current int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS bon_drivers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT UNIQUE NOT NULL,
		display_name TEXT,
		group_name TEXT,
		auto_scan_enabled INTEGER DEFAULT 1,
		scan_interval_hours INTEGER DEFAULT 24,
		scan_priority INTEGER DEFAULT 0,
		passive_scan_enabled INTEGER DEFAULT 1,
		max_instances INTEGER DEFAULT 1,
		last_scan INTEGER,
		next_scan_at INTEGER,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bon_driver_id INTEGER NOT NULL,
		nid INTEGER NOT NULL,
		sid INTEGER NOT NULL,
		tsid INTEGER NOT NULL,
		manual_sheet INTEGER,
		raw_name TEXT,
		channel_name TEXT,
		physical_ch INTEGER,
		remote_control_key INTEGER,
		service_type INTEGER,
		network_name TEXT,
		bon_space INTEGER,
		bon_channel INTEGER,
		band_type TEXT,
		terrestrial_region TEXT,
		is_enabled INTEGER DEFAULT 1,
		last_seen INTEGER,
		failure_count INTEGER DEFAULT 0,
		priority INTEGER DEFAULT 0,
		created_at INTEGER DEFAULT (strftime('%s', 'now')),
		updated_at INTEGER DEFAULT (strftime('%s', 'now')),
		UNIQUE(bon_driver_id, nid, sid, tsid, manual_sheet),
		FOREIGN KEY(bon_driver_id) REFERENCES bon_drivers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS scan_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bon_driver_id INTEGER NOT NULL,
		scan_time INTEGER DEFAULT (strftime('%s', 'now')),
		channel_count INTEGER,
		success INTEGER,
		error_message TEXT,
		FOREIGN KEY(bon_driver_id) REFERENCES bon_drivers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_bon_drivers_group ON bon_drivers(group_name);
	CREATE INDEX IF NOT EXISTS idx_channels_driver ON channels(bon_driver_id);
	CREATE INDEX IF NOT EXISTS idx_channels_nid_sid_tsid ON channels(nid, sid, tsid);
	CREATE INDEX IF NOT EXISTS idx_channels_enabled ON channels(is_enabled);
	CREATE INDEX IF NOT EXISTS idx_channels_select ON channels(nid, tsid, priority DESC, is_enabled);
	CREATE INDEX IF NOT EXISTS idx_channels_band ON channels(band_type);
	CREATE INDEX IF NOT EXISTS idx_scan_history_driver ON scan_history(bon_driver_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	// v2: band_type/terrestrial_region became derived columns; backfill
	// rows written before the derivation existed.
	if current >= 1 && current < 2 {
		if err := backfillBands(tx); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func backfillBands(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, nid FROM channels WHERE band_type IS NULL OR band_type = ''`)
	if err != nil {
		return err
	}
	type pending struct {
		id  int64
		nid uint16
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.nid); err != nil {
			_ = rows.Close()
			return err
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	for _, p := range todo {
		band := arib.BandFromNID(p.nid)
		region, _ := arib.RegionFromNID(p.nid)
		if _, err := tx.Exec(
			`UPDATE channels SET band_type = ?, terrestrial_region = ? WHERE id = ?`,
			band.String(), region, p.id,
		); err != nil {
			return err
		}
	}
	if len(todo) > 0 {
		l := log.WithComponent("catalog")
		l.Info().
			Int("rows", len(todo)).
			Msg("backfilled band classification")
	}
	return nil
}
