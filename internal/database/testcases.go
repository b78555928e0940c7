package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const testCaseColumns = `id, query, expected, tags, priority, status, actual, execution_ms, created_at, updated_at`

// InsertTestCase stores a new test case and returns its id.
func (db *DB) InsertTestCase(tc TestCase) (int64, error) {
	if strings.TrimSpace(tc.Query) == "" {
		return 0, fmt.Errorf("test case query is empty")
	}
	if tc.Priority == "" {
		tc.Priority = "medium"
	}
	if tc.Status == "" {
		tc.Status = "pending"
	}
	tags, err := encodeTags(tc.Tags)
	if err != nil {
		return 0, err
	}
	now := formatTime(time.Now())

	result, err := db.conn.Exec(
		`INSERT INTO test_cases (query, expected, tags, priority, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.Query, tc.Expected, tags, tc.Priority, tc.Status, now, now,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTestCase returns a test case by id, or nil when absent.
func (db *DB) GetTestCase(id int64) (*TestCase, error) {
	row := db.conn.QueryRow(`SELECT `+testCaseColumns+` FROM test_cases WHERE id = ?`, id)
	tc, err := scanTestCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tc, err
}

// ListTestCases returns all test cases in creation order.
func (db *DB) ListTestCases() ([]TestCase, error) {
	rows, err := db.conn.Query(`SELECT ` + testCaseColumns + ` FROM test_cases ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

// UpdateTestCaseResult records the outcome of the latest run of a case.
func (db *DB) UpdateTestCaseResult(id int64, status, actual string, elapsed time.Duration) error {
	_, err := db.conn.Exec(
		`UPDATE test_cases SET status = ?, actual = ?, execution_ms = ?, updated_at = ? WHERE id = ?`,
		status, actual, elapsed.Milliseconds(), formatTime(time.Now()), id,
	)
	return err
}

// DeleteTestCase removes a test case. History entries keep their copy of
// the query.
func (db *DB) DeleteTestCase(id int64) error {
	_, err := db.conn.Exec(`DELETE FROM test_cases WHERE id = ?`, id)
	return err
}

func scanTestCase(s scanner) (*TestCase, error) {
	var tc TestCase
	var tags, createdAt, updatedAt string
	var ms int64
	if err := s.Scan(&tc.ID, &tc.Query, &tc.Expected, &tags, &tc.Priority, &tc.Status, &tc.Actual,
		&ms, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	tc.Tags = decodeTags(tags)
	tc.ExecutionTime = time.Duration(ms) * time.Millisecond
	tc.CreatedAt = parseTime(createdAt)
	tc.UpdatedAt = parseTime(updatedAt)
	return &tc, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(data), nil
}

func decodeTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}
