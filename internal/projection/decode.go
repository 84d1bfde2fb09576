package projection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/hlc"
)

// Operation is the mutation a message requests for its entity.
type Operation string

const (
	OperationAdd    Operation = "ADD"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

const (
	scheduleKeyPrefix = "ordinary_schedule_"
	courseKeyPrefix   = "course_"
)

// ErrMalformedPayload indicates a payload that cannot be normalized into a record.
var ErrMalformedPayload = errors.New("projection: malformed payload")

var digitsOnly = regexp.MustCompile(`^\d+$`)

var (
	operationAliases = []string{"operationType", "operation_type", "op"}
	entityKeyAliases = []string{"crdt_key", "crdtKey", "key"}
	hlcAliases       = []string{"hlcTimestamp", "hlc_timestamp"}
	deletedAliases   = []string{"isDeleted", "is_deleted"}
)

// Header carries the envelope attributes of a payload.
type Header struct {
	Operation Operation
	EntityKey string
	HLC       hlc.Timestamp
	HasHLC    bool
}

// Fields is the typed business content of an ADD or UPDATE.
type Fields interface {
	columns() map[string]any
}

// Record is a payload normalized for the merge engine.
type Record struct {
	EntityType EntityType
	Header     Header
	Fields     Fields
}

// ScheduleFields are the business attributes of an OrdinarySchedule.
type ScheduleFields struct {
	Title       *string
	Description *string
	Location    *string
	Category    *string
	Color       *string
	IsAllDay    bool
	Status      *string
	StartTime   *string
	EndTime     *string
	Priority    *int64
	Completed   bool
}

func (f ScheduleFields) columns() map[string]any {
	return map[string]any{
		"title":       nullable(f.Title),
		"description": nullable(f.Description),
		"location":    nullable(f.Location),
		"category":    nullable(f.Category),
		"color":       nullable(f.Color),
		"is_all_day":  f.IsAllDay,
		"status":      nullable(f.Status),
		"start_time":  nullable(f.StartTime),
		"end_time":    nullable(f.EndTime),
		"priority":    nullable(f.Priority),
		"completed":   f.Completed,
	}
}

// TimeSlotFields are the business attributes of a TimeSlot.
type TimeSlotFields struct {
	StartTime      *int64
	EndTime        *int64
	ScheduleType   *string
	ScheduleKey    *string
	Head           *string
	Priority       *int64
	IsCompleted    bool
	IsRepeated     bool
	RepeatPattern  *string
	ReminderType   string
	ReminderOffset *int64
	IsNotified     bool
}

func (f TimeSlotFields) columns() map[string]any {
	return map[string]any{
		"start_time":        nullable(f.StartTime),
		"end_time":          nullable(f.EndTime),
		"schedule_type":     nullable(f.ScheduleType),
		"schedule_crdt_key": nullable(f.ScheduleKey),
		"head":              nullable(f.Head),
		"priority":          nullable(f.Priority),
		"is_completed":      f.IsCompleted,
		"is_repeated":       f.IsRepeated,
		"repeat_pattern":    nullable(f.RepeatPattern),
		"reminder_type":     f.ReminderType,
		"reminder_offset":   nullable(f.ReminderOffset),
		"is_notified":       f.IsNotified,
	}
}

// CourseFields are the business attributes of a Course.
type CourseFields struct {
	CourseName   *string
	Color        *string
	Room         *string
	Teacher      *string
	Credit       *float64
	CourseCode   *string
	SyllabusLink *string
	StartNode    *int64
	Step         *int64
	Day          *int64
	StartWeek    *int64
	EndWeek      *int64
	WeekType     *int64
}

func (f CourseFields) columns() map[string]any {
	return map[string]any{
		"course_name":   nullable(f.CourseName),
		"color":         nullable(f.Color),
		"room":          nullable(f.Room),
		"teacher":       nullable(f.Teacher),
		"credit":        nullable(f.Credit),
		"course_code":   nullable(f.CourseCode),
		"syllabus_link": nullable(f.SyllabusLink),
		"start_node":    nullable(f.StartNode),
		"step":          nullable(f.Step),
		"day":           nullable(f.Day),
		"start_week":    nullable(f.StartWeek),
		"end_week":      nullable(f.EndWeek),
		"week_type":     nullable(f.WeekType),
	}
}

func nullable[T any](value *T) any {
	if value == nil {
		return nil
	}
	return *value
}

// document resolves field aliases against the business object first and the envelope second.
type document struct {
	fields map[string]any
	root   map[string]any
}

func parseDocument(payload string) (document, error) {
	root, err := decodeObject(payload)
	if err != nil {
		return document{}, err
	}
	doc := document{fields: root, root: root}
	if nested, ok := root["messageData"]; ok && nested != nil {
		switch typed := nested.(type) {
		case map[string]any:
			doc.fields = typed
		case string:
			inner, err := decodeObject(typed)
			if err != nil {
				return document{}, fmt.Errorf("%w: messageData: %v", ErrMalformedPayload, err)
			}
			doc.fields = inner
		default:
			return document{}, fmt.Errorf("%w: messageData must be an object or string", ErrMalformedPayload)
		}
		return doc, nil
	}
	if data, ok := root["data"].(map[string]any); ok {
		doc.fields = data
	}
	return doc, nil
}

func decodeObject(raw string) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if object == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	return object, nil
}

func (d document) lookup(aliases ...string) (any, bool) {
	for _, alias := range aliases {
		if value, ok := d.fields[alias]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func (d document) lookupHeader(aliases ...string) (any, bool) {
	if value, ok := d.lookup(aliases...); ok {
		return value, true
	}
	for _, alias := range aliases {
		if value, ok := d.root[alias]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func (d document) stringField(aliases ...string) *string {
	value, ok := d.lookup(aliases...)
	if !ok {
		return nil
	}
	return coerceString(value)
}

func (d document) intField(aliases ...string) *int64 {
	value, ok := d.lookup(aliases...)
	if !ok {
		return nil
	}
	return coerceInt(value)
}

func (d document) floatField(aliases ...string) *float64 {
	value, ok := d.lookup(aliases...)
	if !ok {
		return nil
	}
	return coerceFloat(value)
}

func (d document) flag(aliases ...string) bool {
	value, ok := d.lookup(aliases...)
	if !ok {
		return false
	}
	return coerceBool(value)
}

func coerceString(value any) *string {
	var text string
	switch typed := value.(type) {
	case string:
		text = typed
	case json.Number:
		text = typed.String()
	case bool:
		text = strconv.FormatBool(typed)
	default:
		return nil
	}
	return &text
}

func coerceInt(value any) *int64 {
	var text string
	switch typed := value.(type) {
	case json.Number:
		text = typed.String()
	case string:
		text = strings.TrimSpace(typed)
	default:
		return nil
	}
	if parsed, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &parsed
	}
	parsedFloat, err := strconv.ParseFloat(text, 64)
	if err != nil || parsedFloat != math.Trunc(parsedFloat) || math.Abs(parsedFloat) >= math.MaxInt64 {
		return nil
	}
	result := int64(parsedFloat)
	return &result
}

func coerceFloat(value any) *float64 {
	var text string
	switch typed := value.(type) {
	case json.Number:
		text = typed.String()
	case string:
		text = strings.TrimSpace(typed)
	default:
		return nil
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	return &parsed
}

func coerceBool(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case json.Number:
		parsed, err := typed.Float64()
		return err == nil && parsed != 0
	case string:
		trimmed := strings.TrimSpace(typed)
		return strings.EqualFold(trimmed, "true") || trimmed == "1"
	default:
		return false
	}
}

// PeekHeader reads the envelope attributes without normalizing business fields.
func PeekHeader(payload string) (Header, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return Header{}, err
	}
	return doc.header("")
}

func (d document) header(fallbackKey string) (Header, error) {
	header := Header{Operation: OperationUpdate}

	if raw, ok := d.lookupHeader(operationAliases...); ok {
		text := coerceString(raw)
		if text == nil {
			return Header{}, fmt.Errorf("%w: operation type is not a string", ErrMalformedPayload)
		}
		switch Operation(strings.ToUpper(strings.TrimSpace(*text))) {
		case OperationAdd:
			header.Operation = OperationAdd
		case OperationUpdate, "":
			header.Operation = OperationUpdate
		case OperationDelete:
			header.Operation = OperationDelete
		default:
			return Header{}, fmt.Errorf("%w: unknown operation type %q", ErrMalformedPayload, *text)
		}
	}
	if raw, ok := d.lookupHeader(deletedAliases...); ok && coerceBool(raw) {
		header.Operation = OperationDelete
	}

	if raw, ok := d.lookupHeader(entityKeyAliases...); ok {
		if key := coerceString(raw); key != nil {
			header.EntityKey = strings.TrimSpace(*key)
		}
	}
	if header.EntityKey == "" {
		header.EntityKey = strings.TrimSpace(fallbackKey)
	}

	timestamp, present, err := d.hlcHeader()
	if err != nil {
		return Header{}, err
	}
	header.HLC = timestamp
	header.HasHLC = present
	return header, nil
}

func (d document) hlcHeader() (hlc.Timestamp, bool, error) {
	if raw, ok := d.lookupHeader(hlcAliases...); ok {
		return parsePackedHLC(raw)
	}
	raw, ok := d.lookupHeader("hlc")
	if !ok {
		return 0, false, nil
	}
	object, isObject := raw.(map[string]any)
	if !isObject {
		return parsePackedHLC(raw)
	}
	wallClock := coerceInt(object["wallClockTime"])
	if wallClock == nil || *wallClock < 0 || *wallClock > hlc.MaxPhysical {
		return 0, false, fmt.Errorf("%w: hlc.wallClockTime", ErrMalformedPayload)
	}
	var logical int64
	if counter := coerceInt(object["logicalCounter"]); counter != nil {
		logical = *counter
	}
	if logical < 0 || logical > hlc.MaxLogical {
		return 0, false, fmt.Errorf("%w: hlc.logicalCounter out of range", ErrMalformedPayload)
	}
	return hlc.NewTimestamp(*wallClock, uint16(logical)), true, nil
}

func parsePackedHLC(raw any) (hlc.Timestamp, bool, error) {
	value := coerceInt(raw)
	if value == nil {
		return 0, false, fmt.Errorf("%w: hlc timestamp is not an integer", ErrMalformedPayload)
	}
	timestamp, err := hlc.ParseTimestamp(*value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return timestamp, true, nil
}

// Decode normalizes payload into a Record for entityType. fallbackKey is used when
// the payload carries no entity key of its own.
func Decode(entityType EntityType, payload, fallbackKey string) (Record, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return Record{}, err
	}
	header, err := doc.header(fallbackKey)
	if err != nil {
		return Record{}, err
	}
	if header.EntityKey == "" {
		return Record{}, fmt.Errorf("%w: missing entity key", ErrMalformedPayload)
	}

	record := Record{EntityType: entityType, Header: header}
	if header.Operation == OperationDelete {
		return record, nil
	}
	switch entityType {
	case EntityOrdinarySchedule:
		record.Fields = decodeSchedule(doc)
	case EntityTimeSlot:
		record.Fields = decodeTimeSlot(doc)
	case EntityCourse:
		record.Fields = decodeCourse(doc)
	default:
		return Record{}, fmt.Errorf("%w: unsupported entity type %q", ErrMalformedPayload, entityType)
	}
	return record, nil
}

func decodeSchedule(doc document) ScheduleFields {
	return ScheduleFields{
		Title:       doc.stringField("title"),
		Description: doc.stringField("description"),
		Location:    doc.stringField("location"),
		Category:    doc.stringField("category"),
		Color:       doc.stringField("color"),
		IsAllDay:    doc.flag("isAllDay", "is_all_day"),
		Status:      doc.stringField("status"),
		StartTime:   doc.stringField("startTime", "start_time"),
		EndTime:     doc.stringField("endTime", "end_time"),
		Priority:    doc.intField("priority"),
		Completed:   doc.flag("completed", "isCompleted", "is_completed"),
	}
}

func decodeTimeSlot(doc document) TimeSlotFields {
	fields := TimeSlotFields{
		StartTime:      doc.intField("startTime", "start_time"),
		EndTime:        doc.intField("endTime", "end_time"),
		ScheduleType:   doc.stringField("scheduleType", "schedule_type"),
		Head:           doc.stringField("head"),
		Priority:       doc.intField("priority"),
		IsCompleted:    doc.flag("isCompleted", "is_completed"),
		IsRepeated:     doc.flag("isRepeated", "is_repeated"),
		RepeatPattern:  doc.stringField("repeatPattern", "repeat_pattern"),
		ReminderType:   "NONE",
		ReminderOffset: doc.intField("reminderOffset", "reminder_offset"),
		IsNotified:     doc.flag("isNotified", "is_notified"),
	}
	if reminderType := doc.stringField("reminderType", "reminder_type"); reminderType != nil && strings.TrimSpace(*reminderType) != "" {
		fields.ReminderType = strings.TrimSpace(*reminderType)
	}
	fields.ScheduleKey = normalizeParentKey(doc.stringField("scheduleCrdtKey", "schedule_crdt_key", "scheduleKey", "scheduleId", "schedule_id"), fields.ScheduleType)
	return fields
}

// normalizeParentKey maps legacy numeric parent ids onto deterministic entity keys.
func normalizeParentKey(raw *string, scheduleType *string) *string {
	if raw == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*raw)
	if trimmed == "" {
		return nil
	}
	if !digitsOnly.MatchString(trimmed) {
		return &trimmed
	}
	prefix := scheduleKeyPrefix
	if scheduleType != nil && strings.EqualFold(strings.TrimSpace(*scheduleType), "course") {
		prefix = courseKeyPrefix
	}
	key := prefix + trimmed
	return &key
}

// NormalizeScheduleKey applies the parent key normalization to stored values.
// An empty result means the slot has no parent.
func NormalizeScheduleKey(raw, scheduleType string) string {
	normalized := normalizeParentKey(&raw, &scheduleType)
	if normalized == nil {
		return ""
	}
	return *normalized
}

func decodeCourse(doc document) CourseFields {
	return CourseFields{
		CourseName:   doc.stringField("courseName", "course_name", "name"),
		Color:        doc.stringField("color"),
		Room:         doc.stringField("room"),
		Teacher:      doc.stringField("teacher"),
		Credit:       doc.floatField("credit"),
		CourseCode:   doc.stringField("courseCode", "course_code"),
		SyllabusLink: doc.stringField("syllabusLink", "syllabus_link"),
		StartNode:    doc.intField("startNode", "start_node"),
		Step:         doc.intField("step"),
		Day:          doc.intField("day"),
		StartWeek:    doc.intField("startWeek", "start_week"),
		EndWeek:      doc.intField("endWeek", "end_week"),
		WeekType:     doc.intField("weekType", "week_type"),
	}
}
