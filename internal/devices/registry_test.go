package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestRegistry(testContext *testing.T) *Registry {
	testContext.Helper()
	dsn := fmt.Sprintf("file:devices_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Device{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	registry, err := NewRegistry(db)
	if err != nil {
		testContext.Fatalf("failed to construct registry: %v", err)
	}
	return registry
}

func mustRegister(testContext *testing.T, registry *Registry, userID, deviceID, name string) Device {
	testContext.Helper()
	device, err := registry.Register(context.Background(), userID, deviceID, name)
	if err != nil {
		testContext.Fatalf("register failed: %v", err)
	}
	return device
}

func TestRegisterIsIdempotentAndKeepsCursor(testContext *testing.T) {
	registry := newTestRegistry(testContext)

	first := mustRegister(testContext, registry, "user-1", "phone", "Pixel")
	if first.LastSyncHLC != 0 {
		testContext.Fatalf("expected fresh cursor, got %d", first.LastSyncHLC)
	}
	if _, err := registry.AdvanceCursor(context.Background(), "user-1", "phone", 500); err != nil {
		testContext.Fatalf("advance failed: %v", err)
	}

	again := mustRegister(testContext, registry, "user-1", "phone", "Pixel 9")
	if again.LastSyncHLC != 500 {
		testContext.Fatalf("expected cursor to survive re-registration, got %d", again.LastSyncHLC)
	}
	if again.Name != "Pixel 9" {
		testContext.Fatalf("expected name refresh, got %q", again.Name)
	}
}

func TestRegisterRejectsForeignDevice(testContext *testing.T) {
	registry := newTestRegistry(testContext)
	mustRegister(testContext, registry, "user-1", "shared-id", "")

	_, err := registry.Register(context.Background(), "user-2", "shared-id", "")
	if !errors.Is(err, ErrDeviceConflict) {
		testContext.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterRejectsEmptyDeviceID(testContext *testing.T) {
	registry := newTestRegistry(testContext)

	_, err := registry.Register(context.Background(), "user-1", "   ", "")
	if !errors.Is(err, ErrInvalidDeviceID) {
		testContext.Fatalf("expected invalid device id, got %v", err)
	}
}

func TestAdvanceCursorNeverRegresses(testContext *testing.T) {
	registry := newTestRegistry(testContext)
	mustRegister(testContext, registry, "user-1", "phone", "")

	steps := []struct {
		value    int64
		expected int64
	}{
		{value: 100, expected: 100},
		{value: 40, expected: 100},
		{value: 100, expected: 100},
		{value: 250, expected: 250},
	}
	for _, step := range steps {
		device, err := registry.AdvanceCursor(context.Background(), "user-1", "phone", step.value)
		if err != nil {
			testContext.Fatalf("advance failed: %v", err)
		}
		if device.LastSyncHLC != step.expected {
			testContext.Fatalf("after advancing to %d expected %d, got %d", step.value, step.expected, device.LastSyncHLC)
		}
	}
}

func TestAdvanceCursorConcurrentCallersKeepMaximum(testContext *testing.T) {
	registry := newTestRegistry(testContext)
	mustRegister(testContext, registry, "user-1", "phone", "")

	var wg sync.WaitGroup
	for value := int64(1); value <= 40; value++ {
		wg.Add(1)
		go func(value int64) {
			defer wg.Done()
			if _, err := registry.AdvanceCursor(context.Background(), "user-1", "phone", value); err != nil {
				testContext.Errorf("advance failed: %v", err)
			}
		}(value)
	}
	wg.Wait()

	device, err := registry.Get(context.Background(), "user-1", "phone")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if device.LastSyncHLC != 40 {
		testContext.Fatalf("expected cursor 40, got %d", device.LastSyncHLC)
	}
}

func TestAdvanceCursorUnknownAndForeignDevices(testContext *testing.T) {
	registry := newTestRegistry(testContext)
	mustRegister(testContext, registry, "user-1", "phone", "")

	if _, err := registry.AdvanceCursor(context.Background(), "user-1", "missing", 5); !errors.Is(err, ErrDeviceNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
	if _, err := registry.AdvanceCursor(context.Background(), "user-2", "phone", 5); !errors.Is(err, ErrDeviceConflict) {
		testContext.Fatalf("expected conflict, got %v", err)
	}
	device, err := registry.Get(context.Background(), "user-1", "phone")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if device.LastSyncHLC != 0 {
		testContext.Fatalf("expected foreign advance to be ignored, got %d", device.LastSyncHLC)
	}
}

func TestListByUserReturnsOnlyOwnedDevices(testContext *testing.T) {
	registry := newTestRegistry(testContext)
	mustRegister(testContext, registry, "user-1", "phone", "")
	mustRegister(testContext, registry, "user-1", "laptop", "")
	mustRegister(testContext, registry, "user-2", "tablet", "")

	devices, err := registry.ListByUser(context.Background(), "user-1")
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(devices) != 2 {
		testContext.Fatalf("expected two devices, got %d", len(devices))
	}
	for _, device := range devices {
		if device.UserID != "user-1" {
			testContext.Fatalf("unexpected device owner %s", device.UserID)
		}
	}
}
