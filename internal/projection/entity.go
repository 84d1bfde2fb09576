package projection

import "strings"

// EntityType names a kind of synced entity.
type EntityType string

const (
	EntityOrdinarySchedule EntityType = "OrdinarySchedule"
	EntityTimeSlot         EntityType = "TimeSlot"
	EntityCourse           EntityType = "Course"
)

var entityTypeAliases = map[string]EntityType{
	"ordinaryschedule": EntityOrdinarySchedule,
	"schedule":         EntityOrdinarySchedule,
	"timeslot":         EntityTimeSlot,
	"course":           EntityCourse,
}

// ParseEntityType canonicalizes a client supplied entity type. Unknown types are
// returned trimmed with projected=false; they are still valid for relay.
func ParseEntityType(raw string) (EntityType, bool) {
	trimmed := strings.TrimSpace(raw)
	folded := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(trimmed))
	if canonical, ok := entityTypeAliases[folded]; ok {
		return canonical, true
	}
	return EntityType(trimmed), false
}

func (t EntityType) String() string {
	return string(t)
}

func (t EntityType) table() string {
	switch t {
	case EntityOrdinarySchedule:
		return Schedule{}.TableName()
	case EntityTimeSlot:
		return TimeSlot{}.TableName()
	case EntityCourse:
		return Course{}.TableName()
	default:
		return ""
	}
}
