package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.uber.org/zap"
)

// ServerChange is a state change produced by the server itself, for example by a
// reminder job. It is relayed to every device like a client edit.
type ServerChange struct {
	UserID     string
	EntityType string
	EntityKey  string
	Operation  projection.Operation
	Fields     map[string]any
}

// RecordServerChange stamps change with the server clock, appends it under the
// server-reminder origin and projects it.
func (s *Service) RecordServerChange(ctx context.Context, change ServerChange) (MessageResult, error) {
	userID, err := requireUser(opRecordServerChange, change.UserID)
	if err != nil {
		return MessageResult{}, err
	}
	entityKey := strings.TrimSpace(change.EntityKey)
	if entityKey == "" || strings.TrimSpace(change.EntityType) == "" {
		return MessageResult{}, newServiceError(opRecordServerChange, "missing_entity", ErrValidation, nil)
	}
	entityType, _ := projection.ParseEntityType(change.EntityType)
	operation := change.Operation
	if operation == "" {
		operation = projection.OperationUpdate
	}

	stamp := s.clock.Now()
	body := make(map[string]any, len(change.Fields)+3)
	for name, value := range change.Fields {
		body[name] = value
	}
	body["crdtKey"] = entityKey
	body["operationType"] = string(operation)
	body["hlcTimestamp"] = stamp.Int64()
	payload, err := json.Marshal(body)
	if err != nil {
		return MessageResult{}, newServiceError(opRecordServerChange, "encode_failed", ErrValidation, err)
	}

	stored, err := s.log.Append(ctx, synclog.Message{
		UserID:         userID,
		EntityType:     entityType.String(),
		EntityKey:      entityKey,
		Payload:        string(payload),
		HLC:            stamp.Int64(),
		OriginDeviceID: ServerReminderOrigin,
	})
	if err != nil {
		s.logError(opRecordServerChange, "append_failed", err, zap.String("user_id", userID), zap.String("entity_key", entityKey))
		return MessageResult{}, newServiceError(opRecordServerChange, "append_failed", ErrStorage, err)
	}

	outcome := s.projector.Apply(ctx, stored)
	s.notify(userID, ChangeNotice{
		OriginDeviceID: ServerReminderOrigin,
		EntityType:     stored.EntityType,
		HighestHLC:     stored.HLC,
		Count:          1,
	})
	return MessageResult{
		MessageID: stored.ID,
		EntityKey: entityKey,
		HLC:       stored.HLC,
		Status:    outcome.Status,
		Reason:    outcome.Reason,
	}, nil
}

// MarkTimeSlotNotified flips a time slot's notified flag through the log so every
// device observes the change.
func (s *Service) MarkTimeSlotNotified(ctx context.Context, userID, entityKey string) (MessageResult, error) {
	slot, err := s.projector.GetTimeSlot(ctx, userID, entityKey)
	if errors.Is(err, projection.ErrNotFound) {
		return MessageResult{}, newServiceError(opMarkNotified, "time_slot_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(opMarkNotified, "time_slot_lookup_failed", err, zap.String("entity_key", entityKey))
		return MessageResult{}, newServiceError(opMarkNotified, "time_slot_lookup_failed", ErrStorage, err)
	}

	return s.RecordServerChange(ctx, ServerChange{
		UserID:     userID,
		EntityType: projection.EntityTimeSlot.String(),
		EntityKey:  slot.EntityKey,
		Operation:  projection.OperationUpdate,
		Fields:     timeSlotFields(slot, true),
	})
}

// timeSlotFields renders the full entity, since an UPDATE replaces every field.
func timeSlotFields(slot projection.TimeSlot, notified bool) map[string]any {
	return map[string]any{
		"startTime":       slot.StartTime,
		"endTime":         slot.EndTime,
		"scheduleType":    slot.ScheduleType,
		"scheduleCrdtKey": slot.ScheduleKey,
		"head":            slot.Head,
		"priority":        slot.Priority,
		"isCompleted":     slot.IsCompleted,
		"isRepeated":      slot.IsRepeated,
		"repeatPattern":   slot.RepeatPattern,
		"reminderType":    slot.ReminderType,
		"reminderOffset":  slot.ReminderOffset,
		"isNotified":      notified,
	}
}
