// Checkpoint schema and operations: advisory persistence for reservation
// and federation summary state, rewritten from the teacher's region/
// circuit-breaker/quarantine schema into the digital twin's equivalent —
// same migration-slice-and-upsert shape (db.db.Exec, ON CONFLICT...DO
// UPDATE), new tables.
package sqlite

import (
	"database/sql"
	"time"
)

// ─── Checkpoint Schema ──────────────────────────────────────────────────────

// CheckpointMigrations returns the checkpoint schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func CheckpointMigrations() []string {
	return []string{
		// One row per live reservation, mirrored on each checkpoint pass.
		`CREATE TABLE IF NOT EXISTS reservation_checkpoints (
			reservation_id TEXT PRIMARY KEY,
			node           TEXT NOT NULL,
			cpu_cores      REAL NOT NULL DEFAULT 0,
			mem_gb         REAL NOT NULL DEFAULT 0,
			gpu_vram_gb    REAL NOT NULL DEFAULT 0,
			checkpointed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservation_checkpoints_node ON reservation_checkpoints(node)`,

		// One row per federation, replaced wholesale on every checkpoint
		// (federation aggregates are cheap to recompute from a snapshot).
		`CREATE TABLE IF NOT EXISTS federation_checkpoints (
			federation        TEXT PRIMARY KEY,
			node_count        INTEGER NOT NULL DEFAULT 0,
			total_cpu_cores   REAL NOT NULL DEFAULT 0,
			free_cpu_cores    REAL NOT NULL DEFAULT 0,
			down_nodes        INTEGER NOT NULL DEFAULT 0,
			hot_nodes         INTEGER NOT NULL DEFAULT 0,
			load_factor       REAL NOT NULL DEFAULT 0,
			checkpointed_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// A single row recording when the last full checkpoint ran and
		// against which snapshot timestamp, so a restarted process can
		// report how stale its last-known view is.
		`CREATE TABLE IF NOT EXISTS checkpoint_meta (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			snapshot_ts_ms INTEGER NOT NULL DEFAULT 0,
			checkpointed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
}

// ─── Reservation Checkpoint Operations ──────────────────────────────────────

// UpsertReservationCheckpoint mirrors one live reservation.
func (db *DB) UpsertReservationCheckpoint(reservationID, node string, cpuCores, memGB, vramGB float64) error {
	_, err := db.db.Exec(`
		INSERT INTO reservation_checkpoints (reservation_id, node, cpu_cores, mem_gb, gpu_vram_gb, checkpointed_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(reservation_id) DO UPDATE SET
			node        = excluded.node,
			cpu_cores   = excluded.cpu_cores,
			mem_gb      = excluded.mem_gb,
			gpu_vram_gb = excluded.gpu_vram_gb,
			checkpointed_at = datetime('now')
	`, reservationID, node, cpuCores, memGB, vramGB)
	return err
}

// DeleteReservationCheckpoint removes a reservation's mirror row; a
// checkpoint pass calls it for rows whose reservation is no longer live.
func (db *DB) DeleteReservationCheckpoint(reservationID string) error {
	_, err := db.db.Exec(`DELETE FROM reservation_checkpoints WHERE reservation_id = ?`, reservationID)
	return err
}

// ListReservationCheckpoints returns every mirrored reservation, for
// restart-time last-known-state reporting.
func (db *DB) ListReservationCheckpoints() ([]ReservationCheckpoint, error) {
	rows, err := db.db.Query(`
		SELECT reservation_id, node, cpu_cores, mem_gb, gpu_vram_gb, checkpointed_at
		FROM reservation_checkpoints ORDER BY node, reservation_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ReservationCheckpoint
	for rows.Next() {
		var r ReservationCheckpoint
		var checkpointedStr string
		if err := rows.Scan(&r.ReservationID, &r.Node, &r.CPUCores, &r.MemGB, &r.GPUVRAMGB, &checkpointedStr); err != nil {
			return nil, err
		}
		r.CheckpointedAt, _ = time.Parse("2006-01-02 15:04:05", checkpointedStr)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ReservationCheckpoint is one mirrored reservation row.
type ReservationCheckpoint struct {
	ReservationID  string
	Node           string
	CPUCores       float64
	MemGB          float64
	GPUVRAMGB      float64
	CheckpointedAt time.Time
}

// ─── Federation Checkpoint Operations ───────────────────────────────────────

// ReplaceFederationCheckpoints wholesale-replaces the federation summary
// table with the given aggregates — cheaper and simpler than diffing
// per-federation, since the full aggregate set is always small and is
// always recomputed together from one Snapshot call.
func (db *DB) ReplaceFederationCheckpoints(rows []FederationCheckpoint) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM federation_checkpoints`); err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range rows {
		if _, err := tx.Exec(`
			INSERT INTO federation_checkpoints (federation, node_count, total_cpu_cores, free_cpu_cores, down_nodes, hot_nodes, load_factor, checkpointed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		`, r.Federation, r.NodeCount, r.TotalCPUCores, r.FreeCPUCores, r.DownNodes, r.HotNodes, r.LoadFactor); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// FederationCheckpoint is one federation's summary row.
type FederationCheckpoint struct {
	Federation    string
	NodeCount     int
	TotalCPUCores float64
	FreeCPUCores  float64
	DownNodes     int
	HotNodes      int
	LoadFactor    float64
}

// ListFederationCheckpoints returns every federation's last-checkpointed
// summary.
func (db *DB) ListFederationCheckpoints() ([]FederationCheckpoint, error) {
	rows, err := db.db.Query(`
		SELECT federation, node_count, total_cpu_cores, free_cpu_cores, down_nodes, hot_nodes, load_factor
		FROM federation_checkpoints ORDER BY federation
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []FederationCheckpoint
	for rows.Next() {
		var r FederationCheckpoint
		if err := rows.Scan(&r.Federation, &r.NodeCount, &r.TotalCPUCores, &r.FreeCPUCores, &r.DownNodes, &r.HotNodes, &r.LoadFactor); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ─── Checkpoint Metadata ─────────────────────────────────────────────────────

// TouchCheckpointMeta records the snapshot timestamp a checkpoint pass ran
// against.
func (db *DB) TouchCheckpointMeta(snapshotTSMillis int64) error {
	_, err := db.db.Exec(`
		INSERT INTO checkpoint_meta (id, snapshot_ts_ms, checkpointed_at)
		VALUES (1, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			snapshot_ts_ms = excluded.snapshot_ts_ms,
			checkpointed_at = datetime('now')
	`, snapshotTSMillis)
	return err
}

// LastCheckpoint returns the snapshot timestamp and wall-clock time of the
// most recent checkpoint pass, or zero values if none has run yet.
func (db *DB) LastCheckpoint() (snapshotTSMillis int64, checkpointedAt time.Time, err error) {
	var checkpointedStr string
	err = db.db.QueryRow(`SELECT snapshot_ts_ms, checkpointed_at FROM checkpoint_meta WHERE id = 1`).
		Scan(&snapshotTSMillis, &checkpointedStr)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	checkpointedAt, _ = time.Parse("2006-01-02 15:04:05", checkpointedStr)
	return snapshotTSMillis, checkpointedAt, nil
}
