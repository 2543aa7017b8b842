package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ioverseer/ioverseer/internal/model"
)

// retentionWindowSeconds is the number of seconds in the fixed 30-day
// retention window used by SaveIoUsageStats' check. ShrinkDatabase takes
// its window from its retentionDays argument instead.
const retentionWindowSeconds = 30 * 24 * 60 * 60

// SaveIoUsageStats atomically replaces (or inserts) rows for the given
// entries in a single transaction. When checkRetention is true, entries
// whose day is older than the retention period are silently skipped
// instead of being written.
func (s *Store) SaveIoUsageStats(entries []model.DailyIoUsage, todayEpoch int64, checkRetention bool) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage.SaveIoUsageStats: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO io_usage_stats (
			user_package_id, date_epoch, num_overuses, num_forgiven_overuses, num_times_killed,
			written_fg, written_bg, written_gm,
			remaining_fg, remaining_bg, remaining_gm,
			forgiven_fg, forgiven_bg, forgiven_gm
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_package_id, date_epoch) DO UPDATE SET
			num_overuses = excluded.num_overuses,
			num_forgiven_overuses = excluded.num_forgiven_overuses,
			num_times_killed = excluded.num_times_killed,
			written_fg = excluded.written_fg,
			written_bg = excluded.written_bg,
			written_gm = excluded.written_gm,
			remaining_fg = excluded.remaining_fg,
			remaining_bg = excluded.remaining_bg,
			remaining_gm = excluded.remaining_gm,
			forgiven_fg = excluded.forgiven_fg,
			forgiven_bg = excluded.forgiven_bg,
			forgiven_gm = excluded.forgiven_gm
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveIoUsageStats: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if checkRetention && e.DateEpoch < todayEpoch-retentionWindowSeconds {
			continue
		}
		remFG, remBG, remGM := nullableTriple(e.RemainingWriteBytes)
		forFG, forBG, forGM := nullableTriple(e.ForgivenWriteBytes)
		if _, err := stmt.Exec(
			e.UserPackageRowID, e.DateEpoch, e.TotalOveruses, e.ForgivenOveruses, e.TotalTimesKilled,
			e.WrittenBytes.Foreground, e.WrittenBytes.Background, e.WrittenBytes.GarageMode,
			remFG, remBG, remGM,
			forFG, forBG, forGM,
		); err != nil {
			return fmt.Errorf("storage.SaveIoUsageStats: upsert row %d/%d: %w", e.UserPackageRowID, e.DateEpoch, err)
		}
	}

	return tx.Commit()
}

func nullableTriple(p *model.PerStateBytes) (fg, bg, gm sql.NullInt64) {
	if p == nil {
		return sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(p.Foreground), Valid: true},
		sql.NullInt64{Int64: int64(p.Background), Valid: true},
		sql.NullInt64{Int64: int64(p.GarageMode), Valid: true}
}

func tripleToPerStateBytes(fg, bg, gm sql.NullInt64) *model.PerStateBytes {
	if !fg.Valid && !bg.Valid && !gm.Valid {
		return nil
	}
	return &model.PerStateBytes{
		Foreground: uint64(fg.Int64),
		Background: uint64(bg.Int64),
		GarageMode: uint64(gm.Int64),
	}
}

// GetTodayIoUsageStats returns the per-row-id usage for todayEpoch,
// memoized for the duration of a boot: prior-boot rows for today are
// immutable from the store's point of view once loaded.
func (s *Store) GetTodayIoUsageStats(todayEpoch int64) (map[int64]model.DailyIoUsage, error) {
	s.mu.Lock()
	if s.todayCached && s.todayCacheDay == todayEpoch {
		cached := s.todayCache
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT user_package_id, date_epoch, num_overuses, num_forgiven_overuses, num_times_killed,
			written_fg, written_bg, written_gm, remaining_fg, remaining_bg, remaining_gm,
			forgiven_fg, forgiven_bg, forgiven_gm
		FROM io_usage_stats WHERE date_epoch = ?`, todayEpoch)
	if err != nil {
		return nil, fmt.Errorf("storage.GetTodayIoUsageStats: query: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]model.DailyIoUsage)
	for rows.Next() {
		var u model.DailyIoUsage
		var remFG, remBG, remGM, forFG, forBG, forGM sql.NullInt64
		if err := rows.Scan(&u.UserPackageRowID, &u.DateEpoch, &u.TotalOveruses, &u.ForgivenOveruses, &u.TotalTimesKilled,
			&u.WrittenBytes.Foreground, &u.WrittenBytes.Background, &u.WrittenBytes.GarageMode,
			&remFG, &remBG, &remGM, &forFG, &forBG, &forGM); err != nil {
			return nil, fmt.Errorf("storage.GetTodayIoUsageStats: scan: %w", err)
		}
		u.RemainingWriteBytes = tripleToPerStateBytes(remFG, remBG, remGM)
		u.ForgivenWriteBytes = tripleToPerStateBytes(forFG, forBG, forGM)
		result[u.UserPackageRowID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.todayCache = result
	s.todayCacheDay = todayEpoch
	s.todayCached = true
	s.mu.Unlock()

	return result, nil
}

// InvalidateTodayCache drops the memoized today-row cache. Called by the
// accounting engine on date rollover, once the closing day's rows have
// been persisted and a new "today" begins.
func (s *Store) InvalidateTodayCache() {
	s.mu.Lock()
	s.todayCached = false
	s.mu.Unlock()
}

// HistoricalOveruseStats is the aggregate result of
// GetHistoricalIoOveruseStats.
type HistoricalOveruseStats struct {
	TotalOveruses    int64
	TotalTimesKilled int64
	WrittenBytes     model.PerStateBytes
	StartTime        int64 // earliest contributing day's date_epoch
}

// GetHistoricalIoOveruseStats sums overuses, times-killed, and per-state
// written bytes over (today - numDaysAgo, today) for one user package.
// Returns nil when no rows exist or total written is zero.
func (s *Store) GetHistoricalIoOveruseStats(rowID int64, todayEpoch int64, numDaysAgo int) (*HistoricalOveruseStats, error) {
	from := todayEpoch - int64(numDaysAgo)*86400

	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(num_overuses), 0), COALESCE(SUM(num_times_killed), 0),
			COALESCE(SUM(written_fg), 0), COALESCE(SUM(written_bg), 0), COALESCE(SUM(written_gm), 0),
			COALESCE(MIN(date_epoch), 0), COUNT(*)
		FROM io_usage_stats WHERE user_package_id = ? AND date_epoch >= ? AND date_epoch < ?`,
		rowID, from, todayEpoch)

	var res HistoricalOveruseStats
	var count int64
	if err := row.Scan(&res.TotalOveruses, &res.TotalTimesKilled,
		&res.WrittenBytes.Foreground, &res.WrittenBytes.Background, &res.WrittenBytes.GarageMode,
		&res.StartTime, &count); err != nil {
		return nil, fmt.Errorf("storage.GetHistoricalIoOveruseStats: query: %w", err)
	}
	if count == 0 || res.WrittenBytes.IsZero() {
		return nil, nil
	}
	return &res, nil
}

// GetNotForgivenHistoricalIoOveruses returns, per user_package_id,
// totalOveruses - forgivenOveruses over the last numDaysAgo days, when
// strictly positive.
func (s *Store) GetNotForgivenHistoricalIoOveruses(todayEpoch int64, numDaysAgo int) (map[int64]int64, error) {
	from := todayEpoch - int64(numDaysAgo)*86400

	rows, err := s.db.Query(`
		SELECT user_package_id, SUM(num_overuses) - SUM(num_forgiven_overuses) AS not_forgiven
		FROM io_usage_stats WHERE date_epoch >= ? AND date_epoch < ?
		GROUP BY user_package_id HAVING not_forgiven > 0`, from, todayEpoch)
	if err != nil {
		return nil, fmt.Errorf("storage.GetNotForgivenHistoricalIoOveruses: query: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]int64)
	for rows.Next() {
		var rowID, notForgiven int64
		if err := rows.Scan(&rowID, &notForgiven); err != nil {
			return nil, fmt.Errorf("storage.GetNotForgivenHistoricalIoOveruses: scan: %w", err)
		}
		result[rowID] = notForgiven
	}
	return result, rows.Err()
}

// ForgiveHistoricalOveruses updates num_forgiven_overuses = num_overuses
// for matching rows in the window, for the given user-package row ids.
func (s *Store) ForgiveHistoricalOveruses(rowIDs []int64, todayEpoch int64, numDaysAgo int) error {
	if len(rowIDs) == 0 {
		return nil
	}
	from := todayEpoch - int64(numDaysAgo)*86400

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage.ForgiveHistoricalOveruses: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		UPDATE io_usage_stats SET num_forgiven_overuses = num_overuses
		WHERE user_package_id = ? AND date_epoch >= ? AND date_epoch < ?`)
	if err != nil {
		return fmt.Errorf("storage.ForgiveHistoricalOveruses: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range rowIDs {
		if _, err := stmt.Exec(id, from, todayEpoch); err != nil {
			return fmt.Errorf("storage.ForgiveHistoricalOveruses: update row %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetDailySystemIoUsageSummaries groups written bytes by UTC day across
// every tracked package in [from, to), returning rows in ascending date
// order and suppressing days with zero total writes.
func (s *Store) GetDailySystemIoUsageSummaries(from, to int64) ([]model.DailySystemIoUsageSummary, error) {
	rows, err := s.db.Query(`
		SELECT date_epoch,
			SUM(written_fg) AS fg, SUM(written_bg) AS bg, SUM(written_gm) AS gm
		FROM io_usage_stats
		WHERE date_epoch >= ? AND date_epoch < ?
		GROUP BY date_epoch
		HAVING fg + bg + gm > 0
		ORDER BY date_epoch ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage.GetDailySystemIoUsageSummaries: query: %w", err)
	}
	defer rows.Close()

	var out []model.DailySystemIoUsageSummary
	for rows.Next() {
		var sum model.DailySystemIoUsageSummary
		if err := rows.Scan(&sum.DateEpoch, &sum.WrittenBytes.Foreground, &sum.WrittenBytes.Background, &sum.WrittenBytes.GarageMode); err != nil {
			return nil, fmt.Errorf("storage.GetDailySystemIoUsageSummaries: scan: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetTopUsersDailyIoUsageSummaries runs the two-phase query described in
// spec §4.3: an inner query selects the n user_package_id's with the
// highest total written bytes in [from, to) that meet minTotalWritten,
// then an outer query returns daily summaries restricted to those ids.
func (s *Store) GetTopUsersDailyIoUsageSummaries(n int, minTotalWritten uint64, from, to int64) ([]model.UserPackageDailyIoUsageSummary, error) {
	if n <= 0 {
		return nil, nil
	}

	topRows, err := s.db.Query(`
		SELECT user_package_id
		FROM io_usage_stats
		WHERE date_epoch >= ? AND date_epoch < ?
		GROUP BY user_package_id
		HAVING SUM(written_fg) + SUM(written_bg) + SUM(written_gm) >= ?
		ORDER BY SUM(written_fg) + SUM(written_bg) + SUM(written_gm) DESC
		LIMIT ?`, from, to, minTotalWritten, n)
	if err != nil {
		return nil, fmt.Errorf("storage.GetTopUsersDailyIoUsageSummaries: top query: %w", err)
	}
	var ids []int64
	for topRows.Next() {
		var id int64
		if err := topRows.Scan(&id); err != nil {
			topRows.Close()
			return nil, fmt.Errorf("storage.GetTopUsersDailyIoUsageSummaries: top scan: %w", err)
		}
		ids = append(ids, id)
	}
	topErr := topRows.Err()
	topRows.Close()
	if topErr != nil {
		return nil, topErr
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, from, to)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT user_package_id, date_epoch, written_fg, written_bg, written_gm
		FROM io_usage_stats
		WHERE date_epoch >= ? AND date_epoch < ? AND user_package_id IN (%s)
		ORDER BY date_epoch ASC`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.GetTopUsersDailyIoUsageSummaries: outer query: %w", err)
	}
	defer rows.Close()

	var out []model.UserPackageDailyIoUsageSummary
	for rows.Next() {
		var sum model.UserPackageDailyIoUsageSummary
		if err := rows.Scan(&sum.UserPackageRowID, &sum.DateEpoch, &sum.WrittenBytes.Foreground, &sum.WrittenBytes.Background, &sum.WrittenBytes.GarageMode); err != nil {
			return nil, fmt.Errorf("storage.GetTopUsersDailyIoUsageSummaries: scan: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ShrinkDatabase is idempotent per calendar day: keeps only the rows of
// the retentionDays most recent days (today included), deleting older
// ones, and nulls out the current/forgiven columns for historical
// (non-today) rows.
func (s *Store) ShrinkDatabase(todayEpoch int64, retentionDays int) error {
	s.mu.Lock()
	if s.lastShrinkDay == todayEpoch {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	windowSeconds := int64(retentionDays) * 86400
	cutoff := todayEpoch - windowSeconds + 86400

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage.ShrinkDatabase: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM io_usage_stats WHERE date_epoch < ?`, cutoff); err != nil {
		return fmt.Errorf("storage.ShrinkDatabase: delete old rows: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE io_usage_stats SET remaining_fg = NULL, remaining_bg = NULL, remaining_gm = NULL,
			forgiven_fg = NULL, forgiven_bg = NULL, forgiven_gm = NULL
		WHERE date_epoch < ?`, todayEpoch); err != nil {
		return fmt.Errorf("storage.ShrinkDatabase: null historical columns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.ShrinkDatabase: commit: %w", err)
	}

	s.mu.Lock()
	s.lastShrinkDay = todayEpoch
	s.mu.Unlock()
	return nil
}
