package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices map[string][]ChangeNotice
}

func (n *recordingNotifier) NotifyMessages(userID string, notice ChangeNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.notices == nil {
		n.notices = make(map[string][]ChangeNotice)
	}
	n.notices[userID] = append(n.notices[userID], notice)
}

func (n *recordingNotifier) forUser(userID string) []ChangeNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ChangeNotice(nil), n.notices[userID]...)
}

type staticIDProvider struct{ id string }

func (p staticIDProvider) NewID() (string, error) {
	return p.id, nil
}

type serviceFixture struct {
	service  *Service
	log      *synclog.Store
	registry *devices.Registry
	engine   *projection.Engine
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
	clock    *hlc.Clock
}

func newServiceFixture(testContext *testing.T, wallMillis int64) serviceFixture {
	testContext.Helper()
	dsn := fmt.Sprintf("file:relay_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	models := append(projection.Models(), &synclog.Message{}, &devices.Device{})
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logStore, err := synclog.NewStore(db)
	if err != nil {
		testContext.Fatalf("failed to build log store: %v", err)
	}
	registry, err := devices.NewRegistry(db)
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	engine, err := projection.NewEngine(projection.EngineConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	clock := hlc.NewClock(hlc.ClockConfig{WallClock: func() time.Time { return time.UnixMilli(wallMillis) }})
	notifier := &recordingNotifier{}

	service, err := NewService(ServiceConfig{
		Log:        logStore,
		Devices:    registry,
		Projector:  engine,
		Clock:      clock,
		Notifier:   notifier,
		IDProvider: staticIDProvider{id: "batch-1"},
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return serviceFixture{
		service:  service,
		log:      logStore,
		registry: registry,
		engine:   engine,
		notifier: notifier,
		logs:     logs,
		clock:    clock,
	}
}

func mustUpload(testContext *testing.T, service *Service, request UploadRequest) UploadResult {
	testContext.Helper()
	result, err := service.Upload(context.Background(), request)
	if err != nil {
		testContext.Fatalf("upload failed: %v", err)
	}
	return result
}

func mustFetch(testContext *testing.T, service *Service, request FetchRequest) FetchResult {
	testContext.Helper()
	result, err := service.Fetch(context.Background(), request)
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	return result
}

func since(value int64) *int64 {
	return &value
}

func assertServiceError(testContext *testing.T, err error, kind error, code string) {
	testContext.Helper()
	if !errors.Is(err, kind) {
		testContext.Fatalf("expected %v, got %v", kind, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		testContext.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != code {
		testContext.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}

func TestUploadValidatesRequest(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)

	testCases := []struct {
		name    string
		request UploadRequest
		code    string
	}{
		{name: "missing device", request: UploadRequest{UserID: "user-1", EntityType: "TimeSlot", Messages: []string{"{}"}}, code: "relay.upload.missing_device_id"},
		{name: "empty batch", request: UploadRequest{UserID: "user-1", DeviceID: "phone", EntityType: "TimeSlot"}, code: "relay.upload.empty_batch"},
		{name: "missing entity type", request: UploadRequest{UserID: "user-1", DeviceID: "phone", Messages: []string{"{}"}}, code: "relay.upload.missing_entity_type"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			_, err := fixture.service.Upload(context.Background(), testCase.request)
			assertServiceError(testContext, err, ErrValidation, testCase.code)
		})
	}

	messages, err := fixture.log.Query(context.Background(), synclog.Query{UserID: "user-1"})
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(messages) != 0 {
		testContext.Fatalf("expected no state change, found %d messages", len(messages))
	}
}

func TestUploadRejectsDeviceOwnedByAnotherUser(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "shared", "phone"); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}

	_, err := fixture.service.Upload(context.Background(), UploadRequest{UserID: "user-2", DeviceID: "shared", EntityType: "TimeSlot", Messages: []string{`{"crdt_key":"k"}`}})
	assertServiceError(testContext, err, ErrConflict, "relay.upload.device_conflict")
}

func TestUploadKeepsClientHLCAndStampsMissingOnes(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)

	result := mustUpload(testContext, fixture.service, UploadRequest{
		UserID:     "user-1",
		DeviceID:   "phone",
		EntityType: "TimeSlot",
		Messages: []string{
			`{"crdt_key":"slot-1","operationType":"ADD","hlcTimestamp":5,"head":"from client"}`,
			`{"crdt_key":"slot-2","operationType":"ADD","head":"no clock"}`,
		},
	})

	if result.BatchID != "batch-1" || result.Received != 2 || len(result.Results) != 2 {
		testContext.Fatalf("unexpected result %+v", result)
	}
	if result.Results[0].HLC != 5 {
		testContext.Fatalf("expected client hlc to be stored as sent, got %d", result.Results[0].HLC)
	}
	if result.Results[1].HLC != hlc.NewTimestamp(1000, 1).Int64() {
		testContext.Fatalf("expected server stamped hlc, got %d", result.Results[1].HLC)
	}
	for _, messageResult := range result.Results {
		if messageResult.Status != projection.StatusApplied {
			testContext.Fatalf("expected applied, got %+v", messageResult)
		}
	}

	notices := fixture.notifier.forUser("user-1")
	if len(notices) != 1 || notices[0].Count != 2 || notices[0].OriginDeviceID != "phone" {
		testContext.Fatalf("unexpected notices %+v", notices)
	}
}

func TestUploadContinuesPastMalformedMessages(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)

	result := mustUpload(testContext, fixture.service, UploadRequest{
		UserID:     "user-1",
		DeviceID:   "phone",
		EntityType: "OrdinarySchedule",
		Messages: []string{
			`{"crdt_key":"sched-1","operationType":"ADD","hlcTimestamp":100,"title":"A"}`,
			`this is not json`,
			`{"crdt_key":"sched-2","operationType":"ADD","hlcTimestamp":101,"title":"B"}`,
		},
	})

	statuses := []projection.Status{result.Results[0].Status, result.Results[1].Status, result.Results[2].Status}
	expected := []projection.Status{projection.StatusApplied, projection.StatusRejected, projection.StatusApplied}
	for index := range expected {
		if statuses[index] != expected[index] {
			testContext.Fatalf("unexpected statuses %v", statuses)
		}
	}

	stored, err := fixture.log.Query(context.Background(), synclog.Query{UserID: "user-1"})
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(stored) != 3 {
		testContext.Fatalf("expected malformed message to stay in the log, got %d entries", len(stored))
	}
	if fixture.logs.FilterMessage("uploaded message rejected").Len() != 1 {
		testContext.Fatalf("expected one rejection log entry")
	}
}

func TestUploadRejectsClientHLCsThatCannotBeTrusted(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	farAhead := hlc.NewTimestamp(1000+(48*time.Hour).Milliseconds(), 0).Int64()

	result := mustUpload(testContext, fixture.service, UploadRequest{
		UserID:     "user-1",
		DeviceID:   "phone",
		EntityType: "TimeSlot",
		Messages: []string{
			`{"crdt_key":"slot-1","operationType":"ADD","hlcTimestamp":9223372036854775807,"head":"overflow"}`,
			fmt.Sprintf(`{"crdt_key":"slot-2","operationType":"ADD","hlcTimestamp":%d,"head":"future"}`, farAhead),
			`{"crdt_key":"slot-3","operationType":"ADD","head":"honest"}`,
		},
	})

	expectedReasons := []string{projection.ReasonMalformed, ReasonClockSkew, projection.ReasonCreated}
	expectedHLCs := []int64{hlc.NewTimestamp(1000, 0).Int64(), hlc.NewTimestamp(1000, 1).Int64(), hlc.NewTimestamp(1000, 2).Int64()}
	for index, messageResult := range result.Results {
		if messageResult.Reason != expectedReasons[index] {
			testContext.Fatalf("message %d: expected reason %s, got %s", index, expectedReasons[index], messageResult.Reason)
		}
		if messageResult.HLC != expectedHLCs[index] {
			testContext.Fatalf("message %d: expected server stamp %d, got %d", index, expectedHLCs[index], messageResult.HLC)
		}
	}
	if next := fixture.clock.Now(); next != hlc.NewTimestamp(1000, 3) {
		testContext.Fatalf("expected clock to stay near wall time, got %s", next)
	}

	if _, err := fixture.engine.GetTimeSlot(context.Background(), "user-1", "slot-2"); !errors.Is(err, projection.ErrNotFound) {
		testContext.Fatalf("expected skewed message to stay unprojected, got %v", err)
	}
	summary, err := fixture.engine.Replay(context.Background(), fixture.log, "user-1")
	if err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	if summary.Rejected != 2 || summary.Skipped != 1 {
		testContext.Fatalf("expected replay to reject the same messages, got %+v", summary)
	}
}

func TestUploadLastWriterWinsScenario(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	upload := func(hlcValue int64, title string) {
		mustUpload(testContext, fixture.service, UploadRequest{
			UserID:     "user-1",
			DeviceID:   "phone",
			EntityType: "OrdinarySchedule",
			Messages:   []string{fmt.Sprintf(`{"crdt_key":"sched-1","operationType":"UPDATE","hlcTimestamp":%d,"title":%q}`, hlcValue, title)},
		})
	}

	upload(100, "A")
	upload(90, "B")
	schedule, err := fixture.engine.GetSchedule(context.Background(), "user-1", "sched-1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if *schedule.Title != "A" || schedule.HLC != 100 {
		testContext.Fatalf("expected A@100 to survive older write, got %s@%d", *schedule.Title, schedule.HLC)
	}

	upload(110, "C")
	schedule, err = fixture.engine.GetSchedule(context.Background(), "user-1", "sched-1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if *schedule.Title != "C" || schedule.HLC != 110 {
		testContext.Fatalf("expected C@110, got %s@%d", *schedule.Title, schedule.HLC)
	}
}

func TestFetchHonorsExcludeOrigin(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	mustUpload(testContext, fixture.service, UploadRequest{UserID: "user-1", DeviceID: "device-1", EntityType: "TimeSlot", Messages: []string{`{"crdt_key":"m1","hlcTimestamp":5}`}})

	excluded := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "device-1", Since: since(0), ExcludeOrigin: true})
	if len(excluded.Messages) != 0 {
		testContext.Fatalf("expected own messages to be excluded, got %d", len(excluded.Messages))
	}

	other := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "device-2", Since: since(0), ExcludeOrigin: true})
	if len(other.Messages) != 1 || other.Messages[0].HLC != 5 {
		testContext.Fatalf("expected other device to receive m1, got %+v", other.Messages)
	}

	included := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "device-1", Since: since(0)})
	if len(included.Messages) != 1 {
		testContext.Fatalf("expected own message when origin is included, got %d", len(included.Messages))
	}
}

func TestFetchDefaultsToDeviceCursorAndAdvancesIt(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	messages := make([]string, 0, 4)
	for _, hlcValue := range []int64{10, 42, 43, 50} {
		messages = append(messages, fmt.Sprintf(`{"crdt_key":"k%d","hlcTimestamp":%d}`, hlcValue, hlcValue))
	}
	mustUpload(testContext, fixture.service, UploadRequest{UserID: "user-1", DeviceID: "writer", EntityType: "TimeSlot", Messages: messages})
	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "reader", "tablet"); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}
	if _, err := fixture.service.AcknowledgeCursor(context.Background(), "user-1", "reader", 42); err != nil {
		testContext.Fatalf("acknowledge failed: %v", err)
	}

	typed := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", EntityType: "time_slot"})
	if len(typed.Messages) != 2 || typed.Messages[0].HLC != 43 || typed.Messages[1].HLC != 50 {
		testContext.Fatalf("expected messages above cursor 42, got %+v", typed.Messages)
	}
	device, err := fixture.registry.Get(context.Background(), "user-1", "reader")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if device.LastSyncHLC != 42 {
		testContext.Fatalf("typed fetch must not move the cursor, got %d", device.LastSyncHLC)
	}

	all := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader"})
	if all.Cursor != 50 || len(all.Messages) != 2 {
		testContext.Fatalf("unexpected all-types fetch %+v", all)
	}
	device, err = fixture.registry.Get(context.Background(), "user-1", "reader")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if device.LastSyncHLC != 50 {
		testContext.Fatalf("expected cursor to advance to 50, got %d", device.LastSyncHLC)
	}

	empty := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader"})
	if len(empty.Messages) != 0 || empty.Cursor != 50 {
		testContext.Fatalf("expected empty delta, got %+v", empty)
	}
}

func TestFetchUnregisteredDeviceStartsAtZero(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	mustUpload(testContext, fixture.service, UploadRequest{UserID: "user-1", DeviceID: "writer", EntityType: "TimeSlot", Messages: []string{`{"crdt_key":"a","hlcTimestamp":3}`}})

	result := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "stranger"})
	if result.Since != 0 || len(result.Messages) != 1 {
		testContext.Fatalf("unexpected fetch %+v", result)
	}
	if _, err := fixture.registry.Get(context.Background(), "user-1", "stranger"); !errors.Is(err, devices.ErrDeviceNotFound) {
		testContext.Fatalf("fetch must not register devices, got %v", err)
	}
}

func TestFetchPaginatesWithoutSplittingEqualHLCs(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	payloads := []string{
		`{"crdt_key":"a","hlcTimestamp":1}`,
		`{"crdt_key":"b","hlcTimestamp":2}`,
		`{"crdt_key":"c","hlcTimestamp":2}`,
		`{"crdt_key":"d","hlcTimestamp":3}`,
	}
	mustUpload(testContext, fixture.service, UploadRequest{UserID: "user-1", DeviceID: "writer", EntityType: "Note", Messages: payloads})

	first := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", Since: since(0), Limit: 2})
	if !first.HasMore || len(first.Messages) != 1 || first.Cursor != 1 {
		testContext.Fatalf("unexpected first page %+v", first)
	}
	second := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", Since: since(first.Cursor), Limit: 2})
	if !second.HasMore || len(second.Messages) != 2 || second.Cursor != 2 {
		testContext.Fatalf("unexpected second page %+v", second)
	}
	third := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", Since: since(second.Cursor), Limit: 2})
	if third.HasMore || len(third.Messages) != 1 || third.Messages[0].EntityKey != "d" {
		testContext.Fatalf("unexpected third page %+v", third)
	}
}

func TestFetchDeliversEqualHLCRunLongerThanLimit(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	payloads := []string{
		`{"crdt_key":"a","hlcTimestamp":5}`,
		`{"crdt_key":"b","hlcTimestamp":5}`,
		`{"crdt_key":"c","hlcTimestamp":5}`,
		`{"crdt_key":"d","hlcTimestamp":6}`,
	}
	mustUpload(testContext, fixture.service, UploadRequest{UserID: "user-1", DeviceID: "writer", EntityType: "Note", Messages: payloads})

	first := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", Since: since(0), Limit: 2})
	if !first.HasMore || len(first.Messages) != 3 || first.Cursor != 5 {
		testContext.Fatalf("expected the whole hlc 5 run in one page, got %+v", first)
	}
	for index, key := range []string{"a", "b", "c"} {
		if first.Messages[index].EntityKey != key {
			testContext.Fatalf("unexpected page order %+v", first.Messages)
		}
	}
	second := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "reader", Since: since(first.Cursor), Limit: 2})
	if second.HasMore || len(second.Messages) != 1 || second.Messages[0].EntityKey != "d" {
		testContext.Fatalf("unexpected second page %+v", second)
	}
}

func TestFetchRejectsForeignDevice(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "phone", ""); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}

	_, err := fixture.service.Fetch(context.Background(), FetchRequest{UserID: "user-2", DeviceID: "phone"})
	assertServiceError(testContext, err, ErrConflict, "relay.fetch.device_conflict")
}

func TestRegisterAndListDevices(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)

	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "", "phone"); !errors.Is(err, ErrValidation) {
		testContext.Fatalf("expected validation error, got %v", err)
	}
	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "phone", "Pixel"); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}
	if _, err := fixture.service.RegisterDevice(context.Background(), "user-1", "laptop", "ThinkPad"); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}

	registered, err := fixture.service.ListDevices(context.Background(), "user-1")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(registered) != 2 {
		testContext.Fatalf("expected two devices, got %d", len(registered))
	}
}

func TestMarkTimeSlotNotifiedRelaysServerChange(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 5000)
	mustUpload(testContext, fixture.service, UploadRequest{
		UserID:     "user-1",
		DeviceID:   "phone",
		EntityType: "TimeSlot",
		Messages:   []string{`{"crdt_key":"slot-1","operationType":"ADD","hlcTimestamp":10,"head":"Call mom","reminderType":"PUSH","reminderOffset":15}`},
	})

	result, err := fixture.service.MarkTimeSlotNotified(context.Background(), "user-1", "slot-1")
	if err != nil {
		testContext.Fatalf("mark notified failed: %v", err)
	}
	if result.Status != projection.StatusApplied {
		testContext.Fatalf("expected server change to apply, got %+v", result)
	}

	slot, err := fixture.engine.GetTimeSlot(context.Background(), "user-1", "slot-1")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if !slot.IsNotified || *slot.Head != "Call mom" || slot.ReminderType != "PUSH" || *slot.ReminderOffset != 15 {
		testContext.Fatalf("expected fields preserved with notified flag, got %+v", slot)
	}

	delta := mustFetch(testContext, fixture.service, FetchRequest{UserID: "user-1", DeviceID: "phone", Since: since(10), ExcludeOrigin: true})
	if len(delta.Messages) != 1 || delta.Messages[0].OriginDeviceID != ServerReminderOrigin {
		testContext.Fatalf("expected the phone to receive the server change, got %+v", delta.Messages)
	}

	if _, err := fixture.service.MarkTimeSlotNotified(context.Background(), "user-1", "missing"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func TestSeedClockStartsAboveStoredHLC(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	stored := hlc.NewTimestamp(90000, 3).Int64()
	if _, err := fixture.log.Append(context.Background(), synclog.Message{UserID: "user-1", EntityType: "TimeSlot", Payload: "{}", HLC: stored, OriginDeviceID: "old"}); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	if err := fixture.service.SeedClock(context.Background()); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}
	if next := fixture.clock.Now().Int64(); next <= stored {
		testContext.Fatalf("expected clock above %d, got %d", stored, next)
	}
}

type failingLog struct {
	*synclog.Store
	failAfter int
	appended  int
}

func (l *failingLog) Append(ctx context.Context, message synclog.Message) (synclog.Message, error) {
	if l.appended >= l.failAfter {
		return synclog.Message{}, errors.New("disk unavailable")
	}
	l.appended++
	return l.Store.Append(ctx, message)
}

func TestUploadAbortsOnAppendFailureAndKeepsPrefix(testContext *testing.T) {
	fixture := newServiceFixture(testContext, 1000)
	brokenLog := &failingLog{Store: fixture.log, failAfter: 1}
	service, err := NewService(ServiceConfig{
		Log:       brokenLog,
		Devices:   fixture.registry,
		Projector: fixture.engine,
		Clock:     fixture.clock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}

	result, err := service.Upload(context.Background(), UploadRequest{
		UserID:     "user-1",
		DeviceID:   "phone",
		EntityType: "TimeSlot",
		Messages:   []string{`{"crdt_key":"a","hlcTimestamp":1}`, `{"crdt_key":"b","hlcTimestamp":2}`},
	})
	assertServiceError(testContext, err, ErrStorage, "relay.upload.append_failed")
	if len(result.Results) != 1 || result.Results[0].EntityKey != "a" {
		testContext.Fatalf("expected durable prefix to be reported, got %+v", result.Results)
	}
	if _, err := fixture.engine.GetTimeSlot(context.Background(), "user-1", "a"); err != nil {
		testContext.Fatalf("expected first message to be projected: %v", err)
	}
}

func TestConcurrentDevicesHigherHLCWins(testContext *testing.T) {
	for round := 0; round < 4; round++ {
		fixture := newServiceFixture(testContext, 1000)
		var wg sync.WaitGroup
		uploads := []UploadRequest{
			{UserID: "user-1", DeviceID: "device-a", EntityType: "TimeSlot", Messages: []string{`{"crdt_key":"shared","operationType":"ADD","hlcTimestamp":200,"priority":1}`}},
			{UserID: "user-1", DeviceID: "device-b", EntityType: "TimeSlot", Messages: []string{`{"crdt_key":"shared","operationType":"ADD","hlcTimestamp":201,"priority":2}`}},
		}
		if round%2 == 1 {
			uploads[0], uploads[1] = uploads[1], uploads[0]
		}
		for _, request := range uploads {
			wg.Add(1)
			go func(request UploadRequest) {
				defer wg.Done()
				if _, err := fixture.service.Upload(context.Background(), request); err != nil {
					testContext.Errorf("upload failed: %v", err)
				}
			}(request)
		}
		wg.Wait()

		slot, err := fixture.engine.GetTimeSlot(context.Background(), "user-1", "shared")
		if err != nil {
			testContext.Fatalf("get failed: %v", err)
		}
		if slot.HLC != 201 || *slot.Priority != 2 {
			testContext.Fatalf("round %d: expected priority 2 at hlc 201, got %d at %d", round, *slot.Priority, slot.HLC)
		}
	}
}
