package database

import (
	"database/sql"
	"time"
)

const testHistoryColumns = `id, case_id, remote_id, query, expected, actual, status, verdict, issues,
	execution_ms, table_json, tags, priority, submitted, from_api, created_at`

// InsertTestHistory stores a history entry. Entries with the same query and
// timestamp as an existing one are ignored; the returned id is then 0.
func (db *DB) InsertTestHistory(e TestHistoryEntry) (int64, error) {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return 0, err
	}
	if e.Priority == "" {
		e.Priority = "medium"
	}

	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO test_history
		 (case_id, remote_id, query, expected, actual, status, verdict, issues,
		  execution_ms, table_json, tags, priority, submitted, from_api, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CaseID, e.RemoteID, e.Query, e.Expected, e.Actual, e.Status, e.Verdict, e.Issues,
		e.ExecutionTime.Milliseconds(), e.TableJSON, tags, e.Priority,
		boolInt(e.Submitted), boolInt(e.FromAPI), formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTestHistory returns one entry, or nil when absent.
func (db *DB) GetTestHistory(id int64) (*TestHistoryEntry, error) {
	row := db.conn.QueryRow(`SELECT `+testHistoryColumns+` FROM test_history WHERE id = ?`, id)
	e, err := scanTestHistory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListTestHistory returns entries created at or after since, newest first.
// A limit of 0 means no limit.
func (db *DB) ListTestHistory(since time.Time, limit int) ([]TestHistoryEntry, error) {
	query := `SELECT ` + testHistoryColumns + ` FROM test_history`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestHistoryEntry
	for rows.Next() {
		e, err := scanTestHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkTestHistory stores a manual verdict and whether it reached the backend.
func (db *DB) MarkTestHistory(id int64, verdict, issues string, submitted bool) error {
	_, err := db.conn.Exec(
		`UPDATE test_history SET verdict = ?, issues = ?, submitted = ? WHERE id = ?`,
		verdict, issues, boolInt(submitted), id,
	)
	return err
}

// TrimTestHistory keeps only the newest keep entries and returns how many
// were removed.
func (db *DB) TrimTestHistory(keep int) (int64, error) {
	result, err := db.conn.Exec(
		`DELETE FROM test_history WHERE id NOT IN (
		     SELECT id FROM test_history ORDER BY created_at DESC, id DESC LIMIT ?
		 )`, keep,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ClearTestHistory removes every history entry.
func (db *DB) ClearTestHistory() error {
	_, err := db.conn.Exec(`DELETE FROM test_history`)
	return err
}

// TestHistoryStats aggregates entries created at or after since.
func (db *DB) TestHistoryStats(since time.Time) (TestStats, error) {
	query := `SELECT
	    COUNT(*),
	    COALESCE(SUM(status = 'completed'), 0),
	    COALESCE(SUM(status = 'failed'), 0),
	    COALESCE(SUM(status = 'timeout'), 0),
	    COALESCE(SUM(verdict = 'pass'), 0),
	    COALESCE(SUM(verdict = 'fail'), 0),
	    COALESCE(AVG(CASE WHEN execution_ms > 0 THEN execution_ms END), 0)
	FROM test_history`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= ?`
		args = append(args, formatTime(since))
	}

	var s TestStats
	var avgMS float64
	err := db.conn.QueryRow(query, args...).Scan(
		&s.Total, &s.Completed, &s.Failed, &s.TimedOut, &s.Passed, &s.FailedVerdicts, &avgMS,
	)
	if err != nil {
		return TestStats{}, err
	}
	s.AvgExecutionTime = time.Duration(avgMS * float64(time.Millisecond))
	return s, nil
}

func scanTestHistory(s scanner) (*TestHistoryEntry, error) {
	var e TestHistoryEntry
	var caseID sql.NullInt64
	var ms int64
	var tags, createdAt string
	var submitted, fromAPI int
	if err := s.Scan(&e.ID, &caseID, &e.RemoteID, &e.Query, &e.Expected, &e.Actual, &e.Status,
		&e.Verdict, &e.Issues, &ms, &e.TableJSON, &tags, &e.Priority, &submitted, &fromAPI,
		&createdAt); err != nil {
		return nil, err
	}
	if caseID.Valid {
		id := caseID.Int64
		e.CaseID = &id
	}
	e.ExecutionTime = time.Duration(ms) * time.Millisecond
	e.Tags = decodeTags(tags)
	e.Submitted = submitted != 0
	e.FromAPI = fromAPI != 0
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
