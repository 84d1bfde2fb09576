package projection

import "time"

// Schedule is the projected state of an OrdinarySchedule entity.
type Schedule struct {
	EntityKey   string     `gorm:"column:crdt_key;primaryKey;size:190;not null" json:"crdtKey"`
	UserID      string     `gorm:"column:user_id;size:190;not null;index:idx_ordinary_schedules_user" json:"userId"`
	Title       *string    `gorm:"column:title;size:255" json:"title"`
	Description *string    `gorm:"column:description;type:text" json:"description"`
	Location    *string    `gorm:"column:location;size:255" json:"location"`
	Category    *string    `gorm:"column:category;size:64" json:"category"`
	Color       *string    `gorm:"column:color;size:32" json:"color"`
	IsAllDay    bool       `gorm:"column:is_all_day;not null;default:false" json:"isAllDay"`
	Status      *string    `gorm:"column:status;size:32" json:"status"`
	StartTime   *string    `gorm:"column:start_time;size:32" json:"startTime"`
	EndTime     *string    `gorm:"column:end_time;size:32" json:"endTime"`
	Priority    *int64     `gorm:"column:priority" json:"priority"`
	Completed   bool       `gorm:"column:completed;not null;default:false" json:"completed"`
	HLC         int64      `gorm:"column:hlc_timestamp;not null" json:"hlcTimestamp"`
	IsDeleted   bool       `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
	DeletedAt   *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Schedule) TableName() string {
	return "ordinary_schedules"
}

// TimeSlot is the projected state of a TimeSlot entity. Start and end are epoch
// milliseconds; ScheduleKey references a Schedule or Course by entity key.
type TimeSlot struct {
	EntityKey      string     `gorm:"column:crdt_key;primaryKey;size:190;not null" json:"crdtKey"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_time_slots_user" json:"userId"`
	StartTime      *int64     `gorm:"column:start_time" json:"startTime"`
	EndTime        *int64     `gorm:"column:end_time" json:"endTime"`
	ScheduleType   *string    `gorm:"column:schedule_type;size:32" json:"scheduleType"`
	ScheduleKey    *string    `gorm:"column:schedule_crdt_key;size:190;index:idx_time_slots_schedule" json:"scheduleCrdtKey"`
	Head           *string    `gorm:"column:head;size:255" json:"head"`
	Priority       *int64     `gorm:"column:priority" json:"priority"`
	IsCompleted    bool       `gorm:"column:is_completed;not null;default:false" json:"isCompleted"`
	IsRepeated     bool       `gorm:"column:is_repeated;not null;default:false" json:"isRepeated"`
	RepeatPattern  *string    `gorm:"column:repeat_pattern;size:255" json:"repeatPattern"`
	ReminderType   string     `gorm:"column:reminder_type;size:32;not null;default:'NONE'" json:"reminderType"`
	ReminderOffset *int64     `gorm:"column:reminder_offset" json:"reminderOffset"`
	IsNotified     bool       `gorm:"column:is_notified;not null;default:false" json:"isNotified"`
	HLC            int64      `gorm:"column:hlc_timestamp;not null" json:"hlcTimestamp"`
	IsDeleted      bool       `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
	DeletedAt      *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (TimeSlot) TableName() string {
	return "time_slots"
}

// Course is the projected state of a Course entity.
type Course struct {
	EntityKey    string     `gorm:"column:crdt_key;primaryKey;size:190;not null" json:"crdtKey"`
	UserID       string     `gorm:"column:user_id;size:190;not null;index:idx_courses_user" json:"userId"`
	CourseName   *string    `gorm:"column:course_name;size:255" json:"courseName"`
	Color        *string    `gorm:"column:color;size:32" json:"color"`
	Room         *string    `gorm:"column:room;size:128" json:"room"`
	Teacher      *string    `gorm:"column:teacher;size:128" json:"teacher"`
	Credit       *float64   `gorm:"column:credit" json:"credit"`
	CourseCode   *string    `gorm:"column:course_code;size:64" json:"courseCode"`
	SyllabusLink *string    `gorm:"column:syllabus_link;size:512" json:"syllabusLink"`
	StartNode    *int64     `gorm:"column:start_node" json:"startNode"`
	Step         *int64     `gorm:"column:step" json:"step"`
	Day          *int64     `gorm:"column:day" json:"day"`
	StartWeek    *int64     `gorm:"column:start_week" json:"startWeek"`
	EndWeek      *int64     `gorm:"column:end_week" json:"endWeek"`
	WeekType     *int64     `gorm:"column:week_type" json:"weekType"`
	HLC          int64      `gorm:"column:hlc_timestamp;not null" json:"hlcTimestamp"`
	IsDeleted    bool       `gorm:"column:is_deleted;not null;default:false" json:"isDeleted"`
	DeletedAt    *time.Time `gorm:"column:deleted_at" json:"deletedAt"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Course) TableName() string {
	return "courses"
}

// Models lists the projection tables for schema migration.
func Models() []any {
	return []any{&Schedule{}, &TimeSlot{}, &Course{}}
}
