package storage

import (
	"fmt"

	"github.com/ioverseer/ioverseer/internal/model"
)

// SettingsEntry is one row to persist via SaveUserPackageSettings.
type SettingsEntry struct {
	UserID        int32
	PackageName   string
	KillableState model.KillableState
}

// SaveUserPackageSettings atomically replaces-or-inserts all given rows in
// a single transaction (all-or-nothing), then queries the rows back to
// populate the row-id mapping the caller's in-memory accounting keys off
// of. Returns the row id of each (userID, packageName) pair, keyed by a
// UserPackage that also carries that row id.
func (s *Store) SaveUserPackageSettings(entries []SettingsEntry) (map[model.UserPackage]int64, error) {
	if len(entries) == 0 {
		return map[model.UserPackage]int64{}, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("storage.SaveUserPackageSettings: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO user_package_settings (package_name, user_id, killable_state)
		VALUES (?, ?, ?)
		ON CONFLICT(package_name, user_id) DO UPDATE SET killable_state = excluded.killable_state
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.SaveUserPackageSettings: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.PackageName, e.UserID, uint8(e.KillableState)); err != nil {
			return nil, fmt.Errorf("storage.SaveUserPackageSettings: upsert %s/%d: %w", e.PackageName, e.UserID, err)
		}
	}

	result := make(map[model.UserPackage]int64, len(entries))
	rowStmt, err := tx.Prepare(`SELECT row_id FROM user_package_settings WHERE package_name = ? AND user_id = ?`)
	if err != nil {
		return nil, fmt.Errorf("storage.SaveUserPackageSettings: prepare row lookup: %w", err)
	}
	defer rowStmt.Close()

	for _, e := range entries {
		var rowID int64
		if err := rowStmt.QueryRow(e.PackageName, e.UserID).Scan(&rowID); err != nil {
			return nil, fmt.Errorf("storage.SaveUserPackageSettings: row lookup %s/%d: %w", e.PackageName, e.UserID, err)
		}
		result[model.UserPackage{UserID: e.UserID, GenericPackageName: e.PackageName, RowID: rowID}] = rowID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage.SaveUserPackageSettings: commit: %w", err)
	}
	return result, nil
}

// LoadAllSettings returns every settings row, for C4's boot-time
// initialization pipeline (load settings and today-usage from C3).
func (s *Store) LoadAllSettings() ([]model.UserPackage, map[int64]model.KillableState, error) {
	rows, err := s.db.Query(`SELECT row_id, package_name, user_id, killable_state FROM user_package_settings`)
	if err != nil {
		return nil, nil, fmt.Errorf("storage.LoadAllSettings: query: %w", err)
	}
	defer rows.Close()

	var packages []model.UserPackage
	states := make(map[int64]model.KillableState)
	for rows.Next() {
		var up model.UserPackage
		var killable uint8
		if err := rows.Scan(&up.RowID, &up.GenericPackageName, &up.UserID, &killable); err != nil {
			return nil, nil, fmt.Errorf("storage.LoadAllSettings: scan: %w", err)
		}
		packages = append(packages, up)
		states[up.RowID] = model.KillableState(killable)
	}
	return packages, states, rows.Err()
}

// SyncUsers deletes settings rows (and, by cascade, usage rows) whose user
// id is not in aliveIDs.
func (s *Store) SyncUsers(aliveIDs []int32) error {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM user_package_settings`)
	if err != nil {
		return fmt.Errorf("storage.SyncUsers: query users: %w", err)
	}
	alive := make(map[int32]struct{}, len(aliveIDs))
	for _, id := range aliveIDs {
		alive[id] = struct{}{}
	}

	var stale []int32
	for rows.Next() {
		var uid int32
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return fmt.Errorf("storage.SyncUsers: scan: %w", err)
		}
		if _, ok := alive[uid]; !ok {
			stale = append(stale, uid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(stale) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage.SyncUsers: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`DELETE FROM user_package_settings WHERE user_id = ?`)
	if err != nil {
		return fmt.Errorf("storage.SyncUsers: prepare: %w", err)
	}
	defer stmt.Close()

	for _, uid := range stale {
		if _, err := stmt.Exec(uid); err != nil {
			return fmt.Errorf("storage.SyncUsers: delete user %d: %w", uid, err)
		}
	}
	return tx.Commit()
}
