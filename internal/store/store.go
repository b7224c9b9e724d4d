// Package store persists contacts, telemetry, chat messages, automation
// rules and collector settings.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Message directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Outgoing message statuses
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Store is the persistence backend. Consumers depend on narrower
// interfaces declared where they are used.
type Store interface {
	// Contacts
	UpsertContact(ctx context.Context, publicKey, name string) (*Contact, error)
	TouchContact(ctx context.Context, c *Contact, name string) error
	ContactByName(ctx context.Context, name string) (*Contact, error)
	ContactByKeyPrefix(ctx context.Context, prefix string) (*Contact, error)
	ContactNames(ctx context.Context) ([]string, error)
	ListContacts(ctx context.Context) ([]Contact, error)
	AppendTelemetry(ctx context.Context, t *Telemetry) error
	LatestTelemetry(ctx context.Context, contactID int64) (*Telemetry, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message, dedupSince time.Time) (bool, error)
	BackfillMessages(ctx context.Context, name, publicKey string, contactID int64) (int64, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error)

	// Settings
	LatestCollectorSettings(ctx context.Context) (*CollectorSettings, error)
	SaveCollectorSettings(ctx context.Context, cs *CollectorSettings) error
	LatestMQTTSettings(ctx context.Context) (*MQTTSettings, error)
	SaveMQTTSettings(ctx context.Context, ms *MQTTSettings) error

	// Node info cache
	LatestNodeInfo(ctx context.Context, name string) (*NodeInfo, error)
	AppendNodeInfo(ctx context.Context, name string, data string) (*NodeInfo, error)

	// Automation rules
	ListRules(ctx context.Context) ([]Rule, error)
	EnabledRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, id int64) error
	MarkRuleTriggered(ctx context.Context, id int64, at time.Time) error

	// Lifecycle
	Close() error
	Migrate() error
}

// Contact is a known peer on the mesh, identified by public key.
type Contact struct {
	ID        int64
	PublicKey string
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Telemetry is one snapshot of a contact's reported state. Nil pointers
// are fields the device did not report.
type Telemetry struct {
	ID             int64
	ContactID      int64
	FetchedAt      time.Time
	AdvName        string
	LastAdvert     *int64
	AdvLat         *float64
	AdvLon         *float64
	RSSI           *int64
	SNR            *float64
	BatteryMV      *int64
	BatteryPercent *float64
	Type           *int64
	Flags          *int64
	OutPathLen     *int64
	OutPath        string
	Lastmod        *int64
	Raw            string // JSON
}

// Message is a chat message seen on, or sent through, the device.
type Message struct {
	ID        int64     `json:"id"`
	ContactID *int64    `json:"contact_id,omitempty"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key,omitempty"` // "" when unresolved
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	TS        time.Time `json:"ts"`
	Raw       string    `json:"raw,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// MessageFilter selects messages for listing, newest first.
type MessageFilter struct {
	PublicKey string
	Name      string
	Limit     int // clamped to 1..500, default 100
}

// CollectorSettings overrides the collector's file configuration.
type CollectorSettings struct {
	ID                 int64
	IntervalSeconds    int
	EnableReqStatus    bool
	EnableReqTelemetry bool
	UpdatedAt          time.Time
}

// MQTTSettings holds broker connection details.
type MQTTSettings struct {
	ID        int64
	Server    string
	Port      int
	Username  string
	Password  string
	UseTLS    bool
	UpdatedAt time.Time
}

// NodeInfo is a cached snapshot of the local node's info payload.
type NodeInfo struct {
	ID        int64
	Name      string
	Data      string // JSON object
	FetchedAt time.Time
}

// Rule is a stored automation rule.
type Rule struct {
	ID          int64  `json:"id"`
	Enabled     bool   `json:"enabled"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	MatchType     string `json:"match_type"` // equals|prefix|contains|regex
	Pattern       string `json:"pattern"`
	CaseSensitive bool   `json:"case_sensitive"`
	OnlyIncoming  bool   `json:"only_incoming"`
	FromName      string `json:"from_name,omitempty"`
	FromPublicKey string `json:"from_public_key,omitempty"`

	ActionType   string `json:"action_type"` // autoresponse|mqtt
	ResponseText string `json:"response_text,omitempty"`
	MQTTTopic    string `json:"mqtt_topic,omitempty"`
	MQTTPayload  string `json:"mqtt_payload,omitempty"`

	Priority        int        `json:"priority"`
	StopProcessing  bool       `json:"stop_processing"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
