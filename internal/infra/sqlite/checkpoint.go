package sqlite

import "github.com/fabricdt/dt/internal/domain"

// CheckpointSnapshot mirrors a full State Store snapshot into the
// checkpoint tables: every node's live reservations, and the federation
// summary rows. Called periodically (not on every Reserve/Release) by the
// serve loop — advisory only, per the store's persistence contract.
func (db *DB) CheckpointSnapshot(snap domain.SnapshotView) error {
	if err := db.replaceReservationCheckpoints(snap); err != nil {
		return err
	}
	if err := db.ReplaceFederationCheckpoints(federationCheckpointsFrom(snap)); err != nil {
		return err
	}
	return db.TouchCheckpointMeta(snap.TSMillis)
}

func (db *DB) replaceReservationCheckpoints(snap domain.SnapshotView) error {
	existing, err := db.ListReservationCheckpoints()
	if err != nil {
		return err
	}
	live := make(map[string]bool)
	for _, nv := range snap.Nodes {
		for id, r := range nv.Dyn.Reservations {
			live[id] = true
			if err := db.UpsertReservationCheckpoint(id, nv.Name, r.CPUCores, r.MemGB, r.GPUVRAMGB); err != nil {
				return err
			}
		}
	}
	for _, row := range existing {
		if !live[row.ReservationID] {
			if err := db.DeleteReservationCheckpoint(row.ReservationID); err != nil {
				return err
			}
		}
	}
	return nil
}

func federationCheckpointsFrom(snap domain.SnapshotView) []FederationCheckpoint {
	rows := make([]FederationCheckpoint, 0, len(snap.Federations))
	for _, f := range snap.Federations {
		rows = append(rows, FederationCheckpoint{
			Federation:    f.Name,
			NodeCount:     f.NodeCount,
			TotalCPUCores: f.TotalCPUCores,
			FreeCPUCores:  f.FreeCPUCores,
			DownNodes:     f.DownNodes,
			HotNodes:      f.HotNodes,
			LoadFactor:    f.LoadFactor,
		})
	}
	return rows
}
