package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Event statuses. Happy-path transitions run accepted -> processing ->
// on_ledger; a failed publish may move failed -> processing again on retry.
const (
	StatusAccepted   = "accepted"
	StatusProcessing = "processing"
	StatusOnLedger   = "on_ledger"
	StatusFailed     = "failed"
)

// Event types accepted by the pipeline. Aggregation events are rejected at
// validation and never reach storage.
const (
	TypeObject         = "object"
	TypeTransaction    = "transaction"
	TypeTransformation = "transformation"
)

// Event actions
const (
	ActionAdd     = "add"
	ActionObserve = "observe"
	ActionDelete  = "delete"
)

// PlaceholderDestination is the "No Route Found" row written when no
// downstream adapter matched an event. It is deleted once a real
// destination row is recorded for the same event.
const PlaceholderDestination = "No Route Found"

// Event represents an ingested traceability event. XMLData and JSONData hold
// the redacted copies; the unredacted document only ever travels through the
// message broker.
type Event struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	Timestamp      *time.Time     `json:"timestamp"`
	ClientID       string         `gorm:"not null;index" json:"client_id"`
	OrganizationID string         `gorm:"not null;index" json:"organization_id"`
	Type           string         `gorm:"not null" json:"type"`
	Action         string         `gorm:"not null" json:"action"`
	Source         string         `gorm:"not null" json:"source"`
	Status         string         `gorm:"not null;index" json:"status"`
	XMLData        string         `gorm:"type:text" json:"xml_data"`
	JSONData       []byte         `gorm:"type:jsonb" json:"json_data"`
	Destinations   []EventDestination `gorm:"foreignKey:EventID" json:"-"`
}

// EventDestination is one row of the append-only per-event destination log:
// one row per downstream adapter attempt.
type EventDestination struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	EventID            uuid.UUID `gorm:"type:uuid;not null;index" json:"event_id"`
	DestinationName    string    `gorm:"not null" json:"destination_name"`
	ServiceName        string    `gorm:"not null" json:"service_name"`
	Status             string    `gorm:"not null" json:"status"`
	Timestamp          time.Time `json:"timestamp"`
	BlockchainResponse string    `gorm:"type:text" json:"blockchain_response"`
}

// QueueStatus is an append-only versioned pause record. The current status
// is the most recent row by timestamp; toggling writes a brand-new row.
type QueueStatus struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventsPaused     bool      `gorm:"not null" json:"events_paused"`
	MasterdataPaused bool      `gorm:"not null" json:"masterdata_paused"`
	UpdatedBy        string    `gorm:"not null" json:"updated_by"`
	Timestamp        time.Time `gorm:"not null;index" json:"timestamp"`
}

// DataPrivacyRule names one field path to redact from stored and indexed
// copies of an organization's events.
type DataPrivacyRule struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	OrganizationID string    `gorm:"not null;index" json:"organization_id"`
	FieldPath      string    `gorm:"not null" json:"field_path"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Event{},
		&EventDestination{},
		&QueueStatus{},
		&DataPrivacyRule{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
