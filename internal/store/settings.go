package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LatestCollectorSettings returns the newest collector_config row.
func (s *SQLiteStore) LatestCollectorSettings(ctx context.Context) (*CollectorSettings, error) {
	var cs CollectorSettings
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, updated_at, interval_seconds, enable_req_status, enable_req_telemetry
		FROM collector_config ORDER BY id DESC LIMIT 1
	`).Scan(&cs.ID, &updatedAt, &cs.IntervalSeconds, &cs.EnableReqStatus, &cs.EnableReqTelemetry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	cs.UpdatedAt = fromMillis(updatedAt)
	return &cs, nil
}

// SaveCollectorSettings appends a new collector_config row; the newest wins.
func (s *SQLiteStore) SaveCollectorSettings(ctx context.Context, cs *CollectorSettings) error {
	if cs.IntervalSeconds < 0 {
		return fmt.Errorf("interval_seconds must not be negative")
	}
	cs.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collector_config (updated_at, interval_seconds, enable_req_status, enable_req_telemetry)
		VALUES (?, ?, ?, ?)
	`, toMillis(cs.UpdatedAt), cs.IntervalSeconds, boolInt(cs.EnableReqStatus), boolInt(cs.EnableReqTelemetry))
	if err != nil {
		return fmt.Errorf("insert collector config failed: %w", err)
	}
	cs.ID, _ = result.LastInsertId()
	return nil
}

// LatestMQTTSettings returns the newest mqtt_config row.
func (s *SQLiteStore) LatestMQTTSettings(ctx context.Context) (*MQTTSettings, error) {
	var ms MQTTSettings
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, updated_at, server, port, username, password, use_tls
		FROM mqtt_config ORDER BY id DESC LIMIT 1
	`).Scan(&ms.ID, &updatedAt, &ms.Server, &ms.Port, &ms.Username, &ms.Password, &ms.UseTLS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	ms.UpdatedAt = fromMillis(updatedAt)
	return &ms, nil
}

// SaveMQTTSettings appends a new mqtt_config row; the newest wins.
func (s *SQLiteStore) SaveMQTTSettings(ctx context.Context, ms *MQTTSettings) error {
	if ms.Port == 0 {
		ms.Port = 1883
	}
	ms.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO mqtt_config (updated_at, server, port, username, password, use_tls)
		VALUES (?, ?, ?, ?, ?, ?)
	`, toMillis(ms.UpdatedAt), ms.Server, ms.Port, ms.Username, ms.Password, boolInt(ms.UseTLS))
	if err != nil {
		return fmt.Errorf("insert mqtt config failed: %w", err)
	}
	ms.ID, _ = result.LastInsertId()
	return nil
}

// LatestNodeInfo returns the newest cached info for a node name.
func (s *SQLiteStore) LatestNodeInfo(ctx context.Context, name string) (*NodeInfo, error) {
	var ni NodeInfo
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, data, fetched_at FROM node_info
		WHERE name = ? ORDER BY fetched_at DESC, id DESC LIMIT 1
	`, name).Scan(&ni.ID, &ni.Name, &ni.Data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	ni.FetchedAt = fromMillis(fetchedAt)
	return &ni, nil
}

// AppendNodeInfo caches a node info payload.
func (s *SQLiteStore) AppendNodeInfo(ctx context.Context, name string, data string) (*NodeInfo, error) {
	ni := &NodeInfo{Name: name, Data: data, FetchedAt: time.Now()}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO node_info (name, data, fetched_at) VALUES (?, ?, ?)`,
		name, data, toMillis(ni.FetchedAt))
	if err != nil {
		return nil, fmt.Errorf("insert node info failed: %w", err)
	}
	ni.ID, _ = result.LastInsertId()
	return ni, nil
}
