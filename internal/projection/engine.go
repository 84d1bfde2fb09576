package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Status classifies the result of applying one message.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
)

const (
	ReasonCreated          = "created"
	ReasonTombstoneCreated = "tombstone_created"
	ReasonUpdated          = "updated"
	ReasonDeleted          = "deleted"
	ReasonResurrected      = "resurrected"
	ReasonStale            = "stale"
	ReasonTombstoned       = "tombstoned"
	ReasonAlreadyDeleted   = "already_deleted"
	ReasonUnprojected      = "unprojected_entity_type"
	ReasonMalformed        = "malformed_payload"
	ReasonForeignOwner     = "key_owned_by_other_user"
	ReasonStorage          = "storage_failed"
	ReasonHLCMismatch      = "hlc_mismatch"
)

// TombstonePolicy decides whether a newer ADD or UPDATE may revive a deleted entity.
type TombstonePolicy string

const (
	TombstoneTerminal  TombstonePolicy = "terminal"
	TombstoneResurrect TombstonePolicy = "resurrect"
)

var (
	errMissingDatabase   = errors.New("projection: database handle is required")
	errInvalidPolicy     = errors.New("projection: unknown tombstone policy")
	errCreateRaceRepeats = errors.New("projection: concurrent create did not settle")
	noOpLogger           = zap.NewNop()
)

// ParseTombstonePolicy validates a configured policy name. Empty selects terminal.
func ParseTombstonePolicy(raw string) (TombstonePolicy, error) {
	switch TombstonePolicy(raw) {
	case "", TombstoneTerminal:
		return TombstoneTerminal, nil
	case TombstoneResurrect:
		return TombstoneResurrect, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidPolicy, raw)
	}
}

// Outcome reports what Apply did with one message.
type Outcome struct {
	Status     Status
	EntityType string
	EntityKey  string
	Reason     string
	Err        error
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Database        *gorm.DB
	Logger          *zap.Logger
	Clock           func() time.Time
	TombstonePolicy TombstonePolicy
}

// Engine folds sync log messages into the projection tables using last-writer-wins
// per entity key.
type Engine struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
	policy TombstonePolicy
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	policy, err := ParseTombstonePolicy(string(cfg.TombstonePolicy))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{db: cfg.Database, logger: logger, clock: clock, policy: policy}, nil
}

type rowState struct {
	UserID    string `gorm:"column:user_id"`
	HLC       int64  `gorm:"column:hlc_timestamp"`
	IsDeleted bool   `gorm:"column:is_deleted"`
}

// Apply projects one stored message. It never panics and never returns an error;
// failures are reported as a rejected Outcome so callers can continue a batch.
// Applying the same message twice, or messages in any order, converges to the
// state of the highest HLC per key.
func (e *Engine) Apply(ctx context.Context, message synclog.Message) Outcome {
	entityType, projected := ParseEntityType(message.EntityType)
	outcome := Outcome{EntityType: entityType.String(), EntityKey: message.EntityKey}
	if !projected {
		outcome.Status = StatusSkipped
		outcome.Reason = ReasonUnprojected
		return outcome
	}

	record, err := Decode(entityType, message.Payload, message.EntityKey)
	if err != nil {
		e.logger.Warn("projection payload rejected",
			zap.Int64("message_id", message.ID),
			zap.String("user_id", message.UserID),
			zap.String("entity_type", entityType.String()),
			zap.Error(err))
		outcome.Status = StatusRejected
		outcome.Reason = ReasonMalformed
		outcome.Err = err
		return outcome
	}
	outcome.EntityKey = record.Header.EntityKey
	if record.Header.HasHLC && record.Header.HLC.Int64() != message.HLC {
		// The relay restamped a client HLC it refused; the payload is kept for audit only.
		outcome.Status = StatusRejected
		outcome.Reason = ReasonHLCMismatch
		return outcome
	}

	for attempt := 0; attempt < 2; attempt++ {
		result, retry, err := e.applyRecord(ctx, message, record)
		if err != nil {
			e.logError("apply", ReasonStorage, err,
				zap.Int64("message_id", message.ID),
				zap.String("user_id", message.UserID),
				zap.String("entity_key", record.Header.EntityKey))
			outcome.Status = StatusRejected
			outcome.Reason = ReasonStorage
			outcome.Err = err
			return outcome
		}
		if retry {
			continue
		}
		outcome.Status = result.Status
		outcome.Reason = result.Reason
		if result.Status == StatusSkipped {
			e.logger.Debug("projection write skipped",
				zap.String("entity_key", record.Header.EntityKey),
				zap.Int64("hlc", message.HLC),
				zap.String("reason", result.Reason))
		}
		return outcome
	}

	e.logError("apply", ReasonStorage, errCreateRaceRepeats, zap.String("entity_key", record.Header.EntityKey))
	outcome.Status = StatusRejected
	outcome.Reason = ReasonStorage
	outcome.Err = errCreateRaceRepeats
	return outcome
}

// applyRecord runs the HLC gate and the write in one transaction. retry reports that
// a concurrent creator inserted the key between the read and the insert.
func (e *Engine) applyRecord(ctx context.Context, message synclog.Message, record Record) (Outcome, bool, error) {
	table := record.EntityType.table()
	key := record.Header.EntityKey
	deleting := record.Header.Operation == OperationDelete

	var result Outcome
	retry := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.clock().UTC()

		var state rowState
		err := tx.Table(table).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("user_id", "hlc_timestamp", "is_deleted").
			Where("crdt_key = ?", key).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := map[string]any{
				"crdt_key":      key,
				"user_id":       message.UserID,
				"hlc_timestamp": message.HLC,
				"is_deleted":    deleting,
				"updated_at":    now,
			}
			if deleting {
				row["deleted_at"] = now
			} else {
				for column, value := range record.Fields.columns() {
					row[column] = value
				}
			}
			created := tx.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
			if created.Error != nil {
				return created.Error
			}
			if created.RowsAffected == 0 {
				retry = true
				return nil
			}
			result = Outcome{Status: StatusApplied, Reason: ReasonCreated}
			if deleting {
				result.Reason = ReasonTombstoneCreated
			}
			return nil
		}
		if err != nil {
			return err
		}

		if state.UserID != message.UserID {
			result = Outcome{Status: StatusRejected, Reason: ReasonForeignOwner}
			return nil
		}
		if message.HLC <= state.HLC {
			result = Outcome{Status: StatusSkipped, Reason: ReasonStale}
			return nil
		}

		reason := ReasonUpdated
		updates := map[string]any{
			"hlc_timestamp": message.HLC,
			"updated_at":    now,
		}
		switch {
		case state.IsDeleted && deleting:
			result = Outcome{Status: StatusSkipped, Reason: ReasonAlreadyDeleted}
			return nil
		case state.IsDeleted && e.policy == TombstoneTerminal:
			result = Outcome{Status: StatusSkipped, Reason: ReasonTombstoned}
			return nil
		case deleting:
			reason = ReasonDeleted
			updates["is_deleted"] = true
			updates["deleted_at"] = now
		default:
			if state.IsDeleted {
				reason = ReasonResurrected
				updates["is_deleted"] = false
				updates["deleted_at"] = nil
			}
			for column, value := range record.Fields.columns() {
				updates[column] = value
			}
		}

		updated := tx.Table(table).
			Where("crdt_key = ? AND hlc_timestamp < ?", key, message.HLC).
			Updates(updates)
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected == 0 {
			result = Outcome{Status: StatusSkipped, Reason: ReasonStale}
			return nil
		}
		result = Outcome{Status: StatusApplied, Reason: reason}
		return nil
	})
	if err != nil {
		return Outcome{}, false, fmt.Errorf("projection: %s %s: %w", record.EntityType, key, err)
	}
	return result, retry, nil
}

// LogSource reads the sync log for replay.
type LogSource interface {
	Query(ctx context.Context, query synclog.Query) ([]synclog.Message, error)
}

// ReplaySummary counts outcomes of a replay.
type ReplaySummary struct {
	Messages int
	Applied  int
	Skipped  int
	Rejected int
}

// Replay re-applies every logged message of userID in ascending HLC order. Because
// Apply is idempotent, replaying over an existing projection is safe.
func (e *Engine) Replay(ctx context.Context, source LogSource, userID string) (ReplaySummary, error) {
	messages, err := source.Query(ctx, synclog.Query{UserID: userID})
	if err != nil {
		e.logError("replay", "log_query_failed", err, zap.String("user_id", userID))
		return ReplaySummary{}, err
	}
	summary := ReplaySummary{Messages: len(messages)}
	for _, message := range messages {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		switch e.Apply(ctx, message).Status {
		case StatusApplied:
			summary.Applied++
		case StatusSkipped:
			summary.Skipped++
		case StatusRejected:
			summary.Rejected++
		}
	}
	e.logger.Info("projection replay finished",
		zap.String("user_id", userID),
		zap.Int("messages", summary.Messages),
		zap.Int("applied", summary.Applied),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rejected", summary.Rejected))
	return summary, nil
}

// ClearUser deletes every projected row owned by userID, tombstones included, so a
// following Replay rebuilds the user's state from the log alone.
func (e *Engine) ClearUser(ctx context.Context, userID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Models() {
			if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
				e.logError("clear", "delete_failed", err, zap.String("user_id", userID))
				return fmt.Errorf("projection: clear %T: %w", model, err)
			}
		}
		return nil
	})
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "projection."+operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("projection engine error", attrs...)
}
