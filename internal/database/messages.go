package database

import (
	"database/sql"
	"time"
)

const messageColumns = `id, role, content, query, job_id, remote_id, status, table_json, feedback, created_at, updated_at`

// UpsertMessage inserts a message or replaces its mutable fields. Feedback
// is left untouched when the incoming value is empty.
func (db *DB) UpsertMessage(m Message) error {
	_, err := db.conn.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     content = excluded.content,
		     status = excluded.status,
		     remote_id = CASE WHEN excluded.remote_id != '' THEN excluded.remote_id ELSE messages.remote_id END,
		     table_json = excluded.table_json,
		     feedback = CASE WHEN excluded.feedback != '' THEN excluded.feedback ELSE messages.feedback END,
		     updated_at = excluded.updated_at`,
		m.ID, m.Role, m.Content, m.Query, m.JobID, m.RemoteID, m.Status, m.TableJSON, m.Feedback,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

// GetMessage returns a message by id, or nil when absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.conn.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessagesBefore returns up to limit messages created at or before the given
// time, oldest first. A zero time means "newest".
func (db *DB) MessagesBefore(before time.Time, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	var args []any
	if !before.IsZero() {
		query += ` WHERE created_at <= ?`
		args = append(args, formatTime(before))
	}
	query += ` ORDER BY created_at DESC, role ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SetMessageFeedback records a vote on a message. An empty vote clears it.
func (db *DB) SetMessageFeedback(id, feedback string) error {
	_, err := db.conn.Exec(`UPDATE messages SET feedback = ? WHERE id = ?`, feedback, id)
	return err
}

// CountMessages returns the number of stored messages.
func (db *DB) CountMessages() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// DeleteMessages removes the whole local conversation.
func (db *DB) DeleteMessages() error {
	_, err := db.conn.Exec(`DELETE FROM messages`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var createdAt, updatedAt string
	if err := s.Scan(&m.ID, &m.Role, &m.Content, &m.Query, &m.JobID, &m.RemoteID, &m.Status,
		&m.TableJSON, &m.Feedback, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
