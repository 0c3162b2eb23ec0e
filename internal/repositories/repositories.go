package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/chaintrace/services/events/internal/models"
)

// EventRepository provides access to event rows
type EventRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventRepository {
	return &EventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Insert persists a new event row
func (r *EventRepository) Insert(ctx context.Context, event *models.Event) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to insert event")
	}
	return nil
}

// GetByID gets an event by its id
func (r *EventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by id")
	}
	return &event, nil
}

// UpdateStatus updates the status of an existing event
func (r *EventRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return errors.Wrap(err, "failed to update event status")
	}
	return nil
}

// EventDestinationRepository provides access to the append-only destination log
type EventDestinationRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEventDestinationRepository creates a new repository
func NewEventDestinationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *EventDestinationRepository {
	return &EventDestinationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Record appends a destination row for an event. When a real destination is
// recorded, any prior "No Route Found" placeholder row for the same event is
// deleted (supersession, not merge).
func (r *EventDestinationRepository) Record(ctx context.Context, dest *models.EventDestination) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dest).Error; err != nil {
			return errors.Wrap(err, "failed to record event destination")
		}

		if dest.DestinationName != models.PlaceholderDestination {
			err := tx.Where("event_id = ? AND destination_name = ?",
				dest.EventID, models.PlaceholderDestination).
				Delete(&models.EventDestination{}).Error
			if err != nil {
				return errors.Wrap(err, "failed to supersede placeholder destination")
			}
		}

		return nil
	})
}

// ListByEvent returns all destination rows for an event, oldest first
func (r *EventDestinationRepository) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.EventDestination, error) {
	var rows []models.EventDestination
	err := r.readOnlyDB.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list event destinations")
	}
	return rows, nil
}

// QueueStatusRepository provides access to the append-only pause record
type QueueStatusRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewQueueStatusRepository creates a new repository
func NewQueueStatusRepository(db *gorm.DB, readOnlyDB *gorm.DB) *QueueStatusRepository {
	return &QueueStatusRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Current returns the most recent queue status row. A database with no rows
// yet reads as fully unpaused.
func (r *QueueStatusRepository) Current(ctx context.Context) (*models.QueueStatus, error) {
	var status models.QueueStatus
	err := r.readOnlyDB.WithContext(ctx).
		Order("timestamp desc").
		First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.QueueStatus{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current queue status")
	}
	return &status, nil
}

// Append writes a brand-new queue status row; rows are never updated
func (r *QueueStatusRepository) Append(ctx context.Context, status *models.QueueStatus) error {
	if status.ID == uuid.Nil {
		status.ID = uuid.New()
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(status).Error; err != nil {
		return errors.Wrap(err, "failed to append queue status")
	}
	return nil
}

// PrivacyRuleRepository provides access to data privacy rules
type PrivacyRuleRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewPrivacyRuleRepository creates a new repository
func NewPrivacyRuleRepository(db *gorm.DB, readOnlyDB *gorm.DB) *PrivacyRuleRepository {
	return &PrivacyRuleRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// FieldPaths returns the redaction field paths configured for an organization
func (r *PrivacyRuleRepository) FieldPaths(ctx context.Context, organizationID string) ([]string, error) {
	var rules []models.DataPrivacyRule
	err := r.readOnlyDB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Find(&rules).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load privacy rules")
	}

	paths := make([]string, 0, len(rules))
	for _, rule := range rules {
		paths = append(paths, rule.FieldPath)
	}
	return paths, nil
}
