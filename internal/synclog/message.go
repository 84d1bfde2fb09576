package synclog

import "time"

// Message is one immutable entry of the append-only sync log. The payload is stored
// exactly as the client sent it.
type Message struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_sync_messages_user_hlc,priority:1;index:idx_sync_messages_user_type_hlc,priority:1;index:idx_sync_messages_user_key,priority:1"`
	EntityType     string    `gorm:"column:entity_type;size:64;not null;index:idx_sync_messages_user_type_hlc,priority:2"`
	EntityKey      string    `gorm:"column:crdt_key;size:190;not null;default:'';index:idx_sync_messages_user_key,priority:2"`
	Payload        string    `gorm:"column:message_data;type:text;not null"`
	HLC            int64     `gorm:"column:hlc_timestamp;not null;index:idx_sync_messages_user_hlc,priority:2;index:idx_sync_messages_user_type_hlc,priority:3"`
	OriginDeviceID string    `gorm:"column:origin_device_id;size:190;not null"`
	BatchID        string    `gorm:"column:batch_id;size:64;not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "sync_messages"
}
