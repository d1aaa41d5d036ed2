// Package storage keeps a local SQLite history of detected record changes
// and received notifications.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/diff"
)

const timeLayout = "2006-01-02 15:04:05"

// DB is the local history database.
type DB struct {
	sql *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and ensures its schema.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS record_changes (
  id          INTEGER PRIMARY KEY,
  occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  poll_key    TEXT NOT NULL,
  kind        TEXT NOT NULL,
  record_id   TEXT NOT NULL,
  change_type TEXT NOT NULL CHECK (change_type IN ('added','updated','removed')),
  summary     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_time ON record_changes(occurred_at);
CREATE INDEX IF NOT EXISTS idx_changes_key ON record_changes(poll_key, occurred_at);
CREATE TABLE IF NOT EXISTS notifications (
  id          INTEGER PRIMARY KEY,
  type        TEXT NOT NULL,
  title       TEXT,
  content     TEXT,
  data        TEXT,
  created_at  TEXT,
  received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  is_read     INTEGER NOT NULL DEFAULT 0 CHECK (is_read IN (0,1))
);
CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at);
    `); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{sql: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// LogChanges stores a batch of changes detected for pollKey in one
// transaction.
func (d *DB) LogChanges(ctx context.Context, pollKey string, changes []diff.Change) (err error) {
	if len(changes) == 0 {
		return nil
	}
	at := d.now().UTC().Format(timeLayout)

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO record_changes
  (occurred_at, poll_key, kind, record_id, change_type, summary)
  VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range changes {
		if _, err = stmt.ExecContext(ctx, at, pollKey, c.Kind, c.RecordID, string(c.Type), c.String()); err != nil {
			return fmt.Errorf("log change %s/%s: %w", c.Kind, c.RecordID, err)
		}
	}
	return tx.Commit()
}

// ListRecentChanges returns the newest changes first.
func (d *DB) ListRecentChanges(ctx context.Context, q ChangeQuery) ([]Change, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var where []string
	var args []interface{}
	if q.PollKey != "" {
		where = append(where, "poll_key = ?")
		args = append(args, q.PollKey)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if !q.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}

	query := "SELECT id, occurred_at, poll_key, kind, record_id, change_type, summary FROM record_changes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		var occurredAt string
		if err := rows.Scan(&c.ID, &occurredAt, &c.PollKey, &c.Kind, &c.RecordID, &c.ChangeType, &c.Summary); err != nil {
			return nil, err
		}
		c.OccurredAt = parseTime(occurredAt)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// RecordNotification stores n unless a notification with the same id is
// already kept. It reports whether a row was added.
func (d *DB) RecordNotification(ctx context.Context, n api.Notification) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT OR IGNORE INTO notifications
  (id, type, title, content, data, created_at, received_at, is_read)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, nullIfEmpty(n.Title), nullIfEmpty(n.Content), nullIfEmpty(string(n.Data)),
		nullIfEmpty(n.CreateTime), d.now().UTC().Format(timeLayout), boolToInt(n.IsRead))
	if err != nil {
		return false, fmt.Errorf("record notification %d: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkNotificationsRead flags the given ids as read. With no ids every
// stored notification is flagged.
func (d *DB) MarkNotificationsRead(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		_, err := d.sql.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE is_read = 0")
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := d.sql.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id IN ("+placeholders+")", args...)
	return err
}

// ListNotifications returns the most recently received notifications.
func (d *DB) ListNotifications(ctx context.Context, limit int, unreadOnly bool) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, type, title, content, data, created_at, received_at, is_read FROM notifications"
	if unreadOnly {
		query += " WHERE is_read = 0"
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"

	rows, err := d.sql.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var title, content, data, createdAt sql.NullString
		var receivedAt string
		var isRead int
		if err := rows.Scan(&n.ID, &n.Type, &title, &content, &data, &createdAt, &receivedAt, &isRead); err != nil {
			return nil, err
		}
		n.Title = title.String
		n.Content = content.String
		n.Data = data.String
		n.CreatedAt = createdAt.String
		n.ReceivedAt = parseTime(receivedAt)
		n.Read = isRead == 1
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats counts logged changes per poll key.
func (d *DB) GetStats(ctx context.Context) ([]KeyStats, error) {
	query := `
		SELECT
			poll_key,
			SUM(change_type = 'added'),
			SUM(change_type = 'updated'),
			SUM(change_type = 'removed')
		FROM
			record_changes
		GROUP BY
			poll_key
		ORDER BY
			poll_key;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []KeyStats
	for rows.Next() {
		var s KeyStats
		if err := rows.Scan(&s.PollKey, &s.Added, &s.Updated, &s.Removed); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// PruneChanges removes changes logged before cutoff.
func (d *DB) PruneChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune: zero cutoff")
	}
	res, err := d.sql.ExecContext(ctx, "DELETE FROM record_changes WHERE occurred_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// parseTime accepts the CURRENT_TIMESTAMP layout and RFC3339.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
