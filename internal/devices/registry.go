package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxIdentifierLength = 190

var (
	// ErrMissingDatabase indicates the registry was constructed without a database handle.
	ErrMissingDatabase = errors.New("devices: database handle is required")
	// ErrInvalidDeviceID indicates an empty or oversized device identifier.
	ErrInvalidDeviceID = errors.New("devices: invalid device id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("devices: invalid user id")
	// ErrDeviceConflict indicates the device id is registered to a different user.
	ErrDeviceConflict = errors.New("devices: device registered to another user")
	// ErrDeviceNotFound indicates the device has not been registered.
	ErrDeviceNotFound = errors.New("devices: device not found")
)

// Device is a client replica known to the server. LastSyncHLC only moves forward.
type Device struct {
	ID          string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index:idx_devices_user"`
	Name        string    `gorm:"column:device_name;size:255;not null;default:''"`
	LastSyncHLC int64     `gorm:"column:last_sync_hlc_timestamp;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// Registry stores devices and their sync cursors.
type Registry struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewRegistry constructs a Registry backed by db.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Registry{db: db, clock: time.Now}, nil
}

func normalizeIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Register creates the device on first sight and refreshes its name afterwards.
// Re-registering never resets the cursor.
func (r *Registry) Register(ctx context.Context, userID, deviceID, name string) (Device, error) {
	normalizedUser, err := normalizeIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return Device{}, err
	}
	normalizedDevice, err := normalizeIdentifier(deviceID, ErrInvalidDeviceID)
	if err != nil {
		return Device{}, err
	}
	name = strings.TrimSpace(name)

	var device Device
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clock().UTC()
		candidate := Device{
			ID:        normalizedDevice,
			UserID:    normalizedUser,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", normalizedDevice).Take(&device).Error; err != nil {
			return err
		}
		if device.UserID != normalizedUser {
			return ErrDeviceConflict
		}
		if name != "" && device.Name != name {
			if err := tx.Model(&Device{}).
				Where("device_id = ?", normalizedDevice).
				Updates(map[string]any{"device_name": name, "updated_at": now}).Error; err != nil {
				return err
			}
			device.Name = name
			device.UpdatedAt = now
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrDeviceConflict) {
			return Device{}, fmt.Errorf("%w: %s", ErrDeviceConflict, normalizedDevice)
		}
		return Device{}, fmt.Errorf("devices: register: %w", txErr)
	}
	return device, nil
}

// Get returns the device owned by userID.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("device_id = ?", strings.TrimSpace(deviceID)).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return Device{}, fmt.Errorf("devices: get: %w", err)
	}
	if device.UserID != userID {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceConflict, deviceID)
	}
	return device, nil
}

// ListByUser returns the user's devices in registration order.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]Device, error) {
	var devices []Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").Order("device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("devices: list: %w", err)
	}
	return devices, nil
}

// AdvanceCursor raises the device cursor to hlc. Lower values leave it unchanged, so
// concurrent fetches for the same device can finish in any order.
func (r *Registry) AdvanceCursor(ctx context.Context, userID, deviceID string, hlc int64) (Device, error) {
	result := r.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ? AND user_id = ?", deviceID, userID).
		Updates(map[string]any{
			"last_sync_hlc_timestamp": gorm.Expr("CASE WHEN last_sync_hlc_timestamp < ? THEN ? ELSE last_sync_hlc_timestamp END", hlc, hlc),
			"updated_at":              r.clock().UTC(),
		})
	if result.Error != nil {
		return Device{}, fmt.Errorf("devices: advance cursor: %w", result.Error)
	}
	return r.Get(ctx, userID, deviceID)
}
