package projection

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound indicates the entity has no live projection row for the user.
var ErrNotFound = errors.New("projection: entity not found")

// GetSchedule returns a live schedule owned by userID.
func (e *Engine) GetSchedule(ctx context.Context, userID, key string) (Schedule, error) {
	var schedule Schedule
	err := e.getLive(ctx, &schedule, userID, key)
	return schedule, err
}

// GetTimeSlot returns a live time slot owned by userID.
func (e *Engine) GetTimeSlot(ctx context.Context, userID, key string) (TimeSlot, error) {
	var slot TimeSlot
	err := e.getLive(ctx, &slot, userID, key)
	return slot, err
}

// GetCourse returns a live course owned by userID.
func (e *Engine) GetCourse(ctx context.Context, userID, key string) (Course, error) {
	var course Course
	err := e.getLive(ctx, &course, userID, key)
	return course, err
}

// ListSchedules returns live schedules ordered by key.
func (e *Engine) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	var schedules []Schedule
	err := e.listLive(ctx, &schedules, userID)
	return schedules, err
}

// ListTimeSlots returns live time slots ordered by key.
func (e *Engine) ListTimeSlots(ctx context.Context, userID string) ([]TimeSlot, error) {
	var slots []TimeSlot
	err := e.listLive(ctx, &slots, userID)
	return slots, err
}

// ListCourses returns live courses ordered by key.
func (e *Engine) ListCourses(ctx context.Context, userID string) ([]Course, error) {
	var courses []Course
	err := e.listLive(ctx, &courses, userID)
	return courses, err
}

func (e *Engine) getLive(ctx context.Context, dest any, userID, key string) error {
	err := e.db.WithContext(ctx).
		Where("crdt_key = ? AND user_id = ? AND is_deleted = ?", key, userID, false).
		Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("projection: get %s: %w", key, err)
	}
	return nil
}

func (e *Engine) listLive(ctx context.Context, dest any, userID string) error {
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ?", userID, false).
		Order("crdt_key ASC").
		Find(dest).Error
	if err != nil {
		return fmt.Errorf("projection: list: %w", err)
	}
	return nil
}
