// Package db archives conversation transcripts and generated reports in
// postgres or sqlite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"xray-chatbot/pkg"
)

// Repository wraps database operations for sessions, messages and reports.
type Repository struct {
	DB      *sql.DB
	Dialect Dialect
}

// NewRepository constructs a new Repository from an existing sql.DB whose
// schema has been migrated.  The caller is responsible for closing it.
func NewRepository(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{DB: db, Dialect: dialect}
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.DB.ExecContext(ctx, rebind(r.Dialect, query), args...)
}

// CreateSession records the start of a conversation.  Creating a session that
// already exists is a no-op.
func (r *Repository) CreateSession(ctx context.Context, sessionID string) error {
	_, err := r.exec(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?)
         ON CONFLICT (id) DO NOTHING`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession stamps the end of a conversation.
func (r *Repository) EndSession(ctx context.Context, sessionID string) error {
	_, err := r.exec(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// CreateMessage appends a message to the session's transcript.
func (r *Repository) CreateMessage(ctx context.Context, sessionID string, m pkg.Message) error {
	var reportID sql.NullString
	if m.Report != nil {
		reportID = sql.NullString{String: m.Report.ID, Valid: true}
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.exec(ctx,
		`INSERT INTO messages (session_id, sender, content, report_id, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(m.Sender), m.Text, reportID, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("create message for %s: %w", sessionID, err)
	}
	return nil
}

// RecordReport remembers a published report so transcripts can link to it.
func (r *Repository) RecordReport(ctx context.Context, sessionID string, link pkg.ReportLink) error {
	_, err := r.exec(ctx,
		`INSERT INTO reports (id, session_id, url, filename, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		link.ID, sessionID, link.URL, link.Filename, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record report %s: %w", link.ID, err)
	}
	return nil
}

// GetTranscript returns the session's messages in log order.  Messages that
// carried a report link get it back when the report was recorded.
func (r *Repository) GetTranscript(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx, rebind(r.Dialect,
		`SELECT m.sender, m.content, m.created_at, rp.id, rp.url, rp.filename
         FROM messages m
         LEFT JOIN reports rp ON rp.id = m.report_id
         WHERE m.session_id = ?
         ORDER BY m.id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transcript []pkg.Message
	for rows.Next() {
		var (
			m                 pkg.Message
			sender            string
			id, url, filename sql.NullString
		)
		if err := rows.Scan(&sender, &m.Text, &m.CreatedAt, &id, &url, &filename); err != nil {
			return nil, err
		}
		m.Sender = pkg.Sender(sender)
		if id.Valid {
			m.Report = &pkg.ReportLink{ID: id.String, URL: url.String, Filename: filename.String}
		}
		transcript = append(transcript, m)
	}
	return transcript, rows.Err()
}

// CountReports returns how many reports were generated in the session.
func (r *Repository) CountReports(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, rebind(r.Dialect,
		`SELECT COUNT(*) FROM reports WHERE session_id = ?`), sessionID).Scan(&count)
	return count, err
}
