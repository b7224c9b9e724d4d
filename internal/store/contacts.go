package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
)

const contactColumns = `id, public_key, name, first_seen, last_seen`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	var firstSeen, lastSeen int64
	if err := row.Scan(&c.ID, &c.PublicKey, &c.Name, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	c.FirstSeen = fromMillis(firstSeen)
	c.LastSeen = fromMillis(lastSeen)
	return &c, nil
}

// UpsertContact returns the contact with publicKey, creating it with name
// if missing. An existing contact's name is not changed here.
func (s *SQLiteStore) UpsertContact(ctx context.Context, publicKey, name string) (*Contact, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("upsert contact: empty public key")
	}
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (public_key, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(public_key) DO NOTHING
	`, publicKey, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert contact failed: %w", err)
	}

	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE public_key = ?`, publicKey))
	if err != nil {
		return nil, fmt.Errorf("query contact failed: %w", err)
	}
	return c, nil
}

// TouchContact stamps last_seen and renames the contact when name differs.
func (s *SQLiteStore) TouchContact(ctx context.Context, c *Contact, name string) error {
	now := time.Now()
	if name != "" && name != c.Name {
		c.Name = name
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, last_seen = ? WHERE id = ?`,
		c.Name, toMillis(now), c.ID)
	if err != nil {
		return fmt.Errorf("touch contact failed: %w", err)
	}
	c.LastSeen = now
	return nil
}

// ContactByName returns the most recently seen contact with this exact name.
func (s *SQLiteStore) ContactByName(ctx context.Context, name string) (*Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE name = ? ORDER BY last_seen DESC, id DESC LIMIT 1
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return c, nil
}

// ContactByKeyPrefix returns the most recently seen contact whose public
// key starts with prefix.
func (s *SQLiteStore) ContactByKeyPrefix(ctx context.Context, prefix string) (*Contact, error) {
	if prefix == "" {
		return nil, ErrNotFound
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	c, err := scanContact(s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE public_key LIKE ? ESCAPE '\' ORDER BY last_seen DESC, id DESC LIMIT 1
	`, escaped+"%"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return c, nil
}

// ContactNames returns the distinct non-empty contact names.
func (s *SQLiteStore) ContactNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM contacts WHERE name != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ListContacts returns all contacts, most recently seen first.
func (s *SQLiteStore) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// AppendTelemetry stores a telemetry snapshot.
func (s *SQLiteStore) AppendTelemetry(ctx context.Context, t *Telemetry) error {
	if t.FetchedAt.IsZero() {
		t.FetchedAt = time.Now()
	}
	if t.Raw == "" {
		t.Raw = "{}"
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_telemetry (contact_id, fetched_at, adv_name, last_advert,
		                               adv_lat, adv_lon, rssi, snr, battery_mv, battery_percent,
		                               type, flags, out_path_len, out_path, lastmod, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ContactID, toMillis(t.FetchedAt), t.AdvName, nullInt(t.LastAdvert),
		nullFloat(t.AdvLat), nullFloat(t.AdvLon), nullInt(t.RSSI), nullFloat(t.SNR),
		nullInt(t.BatteryMV), nullFloat(t.BatteryPercent),
		nullInt(t.Type), nullInt(t.Flags), nullInt(t.OutPathLen), t.OutPath, nullInt(t.Lastmod), t.Raw,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry failed: %w", err)
	}
	t.ID, _ = result.LastInsertId()
	L_trace("store: telemetry appended", "contact", t.ContactID, "id", t.ID)
	return nil
}

// LatestTelemetry returns the newest snapshot for a contact.
func (s *SQLiteStore) LatestTelemetry(ctx context.Context, contactID int64) (*Telemetry, error) {
	var t Telemetry
	var fetchedAt int64
	var lastAdvert, rssi, batteryMV, typ, flags, outPathLen, lastmod sql.NullInt64
	var advLat, advLon, snr, batteryPct sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, fetched_at, adv_name, last_advert, adv_lat, adv_lon,
		       rssi, snr, battery_mv, battery_percent, type, flags, out_path_len,
		       out_path, lastmod, raw
		FROM contact_telemetry WHERE contact_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1
	`, contactID).Scan(
		&t.ID, &t.ContactID, &fetchedAt, &t.AdvName, &lastAdvert, &advLat, &advLon,
		&rssi, &snr, &batteryMV, &batteryPct, &typ, &flags, &outPathLen,
		&t.OutPath, &lastmod, &t.Raw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	t.FetchedAt = fromMillis(fetchedAt)
	t.LastAdvert = intPtr(lastAdvert)
	t.AdvLat = floatPtr(advLat)
	t.AdvLon = floatPtr(advLon)
	t.RSSI = intPtr(rssi)
	t.SNR = floatPtr(snr)
	t.BatteryMV = intPtr(batteryMV)
	t.BatteryPercent = floatPtr(batteryPct)
	t.Type = intPtr(typ)
	t.Flags = intPtr(flags)
	t.OutPathLen = intPtr(outPathLen)
	t.Lastmod = intPtr(lastmod)
	return &t, nil
}
