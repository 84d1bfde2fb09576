package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeScheduleKeys = "2024-06-01_normalize_time_slot_schedule_keys"
	migrationBackfillMessageKeys   = "2024-06-15_backfill_sync_message_keys"

	migrationBatchSize = 500
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationNormalizeScheduleKeys, apply: normalizeScheduleKeys},
		{name: migrationBackfillMessageKeys, apply: backfillMessageKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeScheduleKeys rewrites numeric parent ids left by older clients into
// the entity keys the projection writes today.
func normalizeScheduleKeys(db *gorm.DB) error {
	var slots []projection.TimeSlot
	return db.Where("schedule_crdt_key IS NOT NULL").
		FindInBatches(&slots, migrationBatchSize, func(tx *gorm.DB, _ int) error {
			for _, slot := range slots {
				scheduleType := ""
				if slot.ScheduleType != nil {
					scheduleType = *slot.ScheduleType
				}
				normalized := projection.NormalizeScheduleKey(*slot.ScheduleKey, scheduleType)
				if normalized == *slot.ScheduleKey {
					continue
				}
				var value any
				if normalized != "" {
					value = normalized
				}
				if err := tx.Model(&projection.TimeSlot{}).
					Where("crdt_key = ?", slot.EntityKey).
					UpdateColumn("schedule_crdt_key", value).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

// backfillMessageKeys fills crdt_key on log rows stored before the key column was
// indexed. Payloads whose header cannot be read keep an empty key.
func backfillMessageKeys(db *gorm.DB) error {
	var messages []synclog.Message
	return db.Where("crdt_key = ?", "").
		FindInBatches(&messages, migrationBatchSize, func(tx *gorm.DB, _ int) error {
			for _, message := range messages {
				header, err := projection.PeekHeader(message.Payload)
				if err != nil || header.EntityKey == "" {
					continue
				}
				if err := tx.Model(&synclog.Message{}).
					Where("id = ?", message.ID).
					UpdateColumn("crdt_key", header.EntityKey).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
