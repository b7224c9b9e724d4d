package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const ruleColumns = `id, enabled, name, description, match_type, pattern, case_sensitive,
	only_incoming, from_name, from_public_key, action_type, response_text,
	mqtt_topic, mqtt_payload, priority, stop_processing, cooldown_seconds,
	last_triggered_at, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*Rule, error) {
	var r Rule
	var lastTriggered sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.ID, &r.Enabled, &r.Name, &r.Description, &r.MatchType, &r.Pattern, &r.CaseSensitive,
		&r.OnlyIncoming, &r.FromName, &r.FromPublicKey, &r.ActionType, &r.ResponseText,
		&r.MQTTTopic, &r.MQTTPayload, &r.Priority, &r.StopProcessing, &r.CooldownSeconds,
		&lastTriggered, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastTriggered.Valid {
		t := fromMillis(lastTriggered.Int64)
		r.LastTriggeredAt = &t
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListRules returns all rules, enabled first, then by priority and name.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules
		ORDER BY enabled DESC, priority DESC, name ASC`)
}

// EnabledRules returns enabled rules in evaluation order: priority
// descending, then id ascending.
func (s *SQLiteStore) EnabledRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules
		WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
}

// GetRule returns one rule by id.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return r, nil
}

// CreateRule inserts r and sets its ID and timestamps.
func (s *SQLiteStore) CreateRule(ctx context.Context, r *Rule) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (enabled, name, description, match_type, pattern, case_sensitive,
		                              only_incoming, from_name, from_public_key, action_type, response_text,
		                              mqtt_topic, mqtt_payload, priority, stop_processing, cooldown_seconds,
		                              last_triggered_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		boolInt(r.Enabled), r.Name, r.Description, r.MatchType, r.Pattern, boolInt(r.CaseSensitive),
		boolInt(r.OnlyIncoming), r.FromName, r.FromPublicKey, r.ActionType, r.ResponseText,
		r.MQTTTopic, r.MQTTPayload, r.Priority, boolInt(r.StopProcessing), r.CooldownSeconds,
		nullTime(r.LastTriggeredAt), toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("insert rule failed: %w", err)
	}
	r.ID, _ = result.LastInsertId()
	return nil
}

// UpdateRule replaces all editable fields of r.
func (s *SQLiteStore) UpdateRule(ctx context.Context, r *Rule) error {
	r.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			enabled = ?, name = ?, description = ?, match_type = ?, pattern = ?, case_sensitive = ?,
			only_incoming = ?, from_name = ?, from_public_key = ?, action_type = ?, response_text = ?,
			mqtt_topic = ?, mqtt_payload = ?, priority = ?, stop_processing = ?, cooldown_seconds = ?,
			last_triggered_at = ?, updated_at = ?
		WHERE id = ?
	`,
		boolInt(r.Enabled), r.Name, r.Description, r.MatchType, r.Pattern, boolInt(r.CaseSensitive),
		boolInt(r.OnlyIncoming), r.FromName, r.FromPublicKey, r.ActionType, r.ResponseText,
		r.MQTTTopic, r.MQTTPayload, r.Priority, boolInt(r.StopProcessing), r.CooldownSeconds,
		nullTime(r.LastTriggeredAt), toMillis(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRuleTriggered stamps last_triggered_at.
func (s *SQLiteStore) MarkRuleTriggered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET last_triggered_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark rule triggered failed: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
