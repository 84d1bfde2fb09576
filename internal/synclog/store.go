package synclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("synclog: database handle is required")
	// ErrInvalidMessage indicates a message lacks a required attribute.
	ErrInvalidMessage = errors.New("synclog: invalid message")
)

// Query selects log entries for one user with SinceHLC < hlc <= UntilHLC. Zero values
// disable the optional filters.
type Query struct {
	UserID                string
	SinceHLC              int64
	EntityType            string
	ExcludeOriginDeviceID string
	UntilHLC              int64
	Limit                 int
}

// Store persists and reads sync log entries.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a Store backed by db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Append durably stores message and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, message Message) (Message, error) {
	if strings.TrimSpace(message.UserID) == "" {
		return Message{}, fmt.Errorf("%w: empty user id", ErrInvalidMessage)
	}
	if strings.TrimSpace(message.EntityType) == "" {
		return Message{}, fmt.Errorf("%w: empty entity type", ErrInvalidMessage)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.clock().UTC()
	}
	message.ID = 0
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, fmt.Errorf("synclog: append: %w", err)
	}
	return message, nil
}

// Query returns entries with hlc strictly greater than SinceHLC in ascending HLC order.
func (s *Store) Query(ctx context.Context, query Query) ([]Message, error) {
	if strings.TrimSpace(query.UserID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidMessage)
	}
	statement := s.db.WithContext(ctx).
		Where("user_id = ? AND hlc_timestamp > ?", query.UserID, query.SinceHLC)
	if query.EntityType != "" {
		statement = statement.Where("entity_type = ?", query.EntityType)
	}
	if query.ExcludeOriginDeviceID != "" {
		statement = statement.Where("origin_device_id <> ?", query.ExcludeOriginDeviceID)
	}
	if query.UntilHLC > 0 {
		statement = statement.Where("hlc_timestamp <= ?", query.UntilHLC)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var messages []Message
	if err := statement.Order("hlc_timestamp ASC").Order("id ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("synclog: query: %w", err)
	}
	return messages, nil
}

// ListByEntityKey returns every entry recorded for one entity in ascending HLC order.
func (s *Store) ListByEntityKey(ctx context.Context, userID, entityType, entityKey string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND crdt_key = ?", userID, entityType, entityKey).
		Order("hlc_timestamp ASC").Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("synclog: list by key: %w", err)
	}
	return messages, nil
}

// MaxHLC returns the largest HLC stored across all users, or zero for an empty log.
func (s *Store) MaxHLC(ctx context.Context) (int64, error) {
	var maxHLC int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Select("COALESCE(MAX(hlc_timestamp), 0)").Scan(&maxHLC).Error; err != nil {
		return 0, fmt.Errorf("synclog: max hlc: %w", err)
	}
	return maxHLC, nil
}
