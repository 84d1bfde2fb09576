package relay

import (
	"context"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"go.uber.org/zap"
)

// RegisterDevice upserts a device for userID.
func (s *Service) RegisterDevice(ctx context.Context, userID, deviceID, name string) (devices.Device, error) {
	userID, err := requireUser(opRegisterDevice, userID)
	if err != nil {
		return devices.Device{}, err
	}
	deviceID, err = requireDevice(opRegisterDevice, deviceID)
	if err != nil {
		return devices.Device{}, err
	}
	device, err := s.devices.Register(ctx, userID, deviceID, name)
	if err != nil {
		return devices.Device{}, s.classifyDeviceError(opRegisterDevice, err, zap.String("device_id", deviceID))
	}
	return device, nil
}

// ListDevices returns the devices registered by userID.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]devices.Device, error) {
	userID, err := requireUser(opListDevices, userID)
	if err != nil {
		return nil, err
	}
	registered, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		s.logError(opListDevices, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListDevices, "query_failed", ErrStorage, err)
	}
	return registered, nil
}

// AcknowledgeCursor records that a device has durably applied everything up to hlcValue.
// The cursor never moves backwards.
func (s *Service) AcknowledgeCursor(ctx context.Context, userID, deviceID string, hlcValue int64) (devices.Device, error) {
	userID, err := requireUser(opAcknowledgeCursor, userID)
	if err != nil {
		return devices.Device{}, err
	}
	deviceID, err = requireDevice(opAcknowledgeCursor, deviceID)
	if err != nil {
		return devices.Device{}, err
	}
	if hlcValue < 0 {
		return devices.Device{}, newServiceError(opAcknowledgeCursor, "invalid_hlc", ErrValidation, nil)
	}
	device, err := s.devices.AdvanceCursor(ctx, userID, deviceID, hlcValue)
	if err != nil {
		return devices.Device{}, s.classifyDeviceError(opAcknowledgeCursor, err, zap.String("device_id", deviceID))
	}
	return device, nil
}
