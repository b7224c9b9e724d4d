package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// AppendMessage inserts msg unless a message with the same direction,
// name and text was stored at or after dedupSince. A zero dedupSince
// disables the check. Returns whether a row was inserted.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message, dedupSince time.Time) (bool, error) {
	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	if !dedupSince.IsZero() {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM messages
			WHERE direction = ? AND name = ? AND text = ? AND ts >= ?
			LIMIT 1
		`, msg.Direction, msg.Name, msg.Text, toMillis(dedupSince)).Scan(&exists)
		if err == nil {
			L_trace("store: duplicate message skipped", "name", msg.Name, "direction", msg.Direction)
			return false, nil
		}
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("dedup query failed: %w", err)
		}
	}

	var contactID interface{}
	if msg.ContactID != nil {
		contactID = *msg.ContactID
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (contact_id, name, public_key, direction, text, ts, raw, client_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		contactID, msg.Name, nullString(msg.PublicKey), msg.Direction, msg.Text,
		toMillis(msg.TS), msg.Raw, nullString(msg.ClientID), nullString(msg.Status),
	)
	if err != nil {
		return false, fmt.Errorf("insert message failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit failed: %w", err)
	}

	msg.ID, _ = result.LastInsertId()
	L_trace("store: message appended", "id", msg.ID, "name", msg.Name, "direction", msg.Direction)
	return true, nil
}

// BackfillMessages links earlier messages from name that arrived before
// the sender's public key was known.
func (s *SQLiteStore) BackfillMessages(ctx context.Context, name, publicKey string, contactID int64) (int64, error) {
	if name == "" {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET public_key = ?, contact_id = ?
		WHERE name = ? AND public_key IS NULL
	`, nullString(publicKey), contactID, name)
	if err != nil {
		return 0, fmt.Errorf("backfill failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		L_debug("store: backfilled messages", "name", name, "count", n)
	}
	return n, nil
}

// ListMessages returns messages newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	var where []string
	var args []any
	if filter.PublicKey != "" {
		where = append(where, "public_key = ?")
		args = append(args, filter.PublicKey)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT id, contact_id, name, public_key, direction, text, ts, raw, client_id, status FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var contactID sql.NullInt64
		var publicKey, clientID, status sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &contactID, &m.Name, &publicKey, &m.Direction, &m.Text, &ts, &m.Raw, &clientID, &status); err != nil {
			return nil, err
		}
		m.ContactID = intPtr(contactID)
		m.PublicKey = publicKey.String
		m.ClientID = clientID.String
		m.Status = status.String
		m.TS = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
