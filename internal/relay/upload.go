package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReasonClockSkew marks a message whose client HLC runs too far ahead of the server.
const ReasonClockSkew = "hlc_too_far_ahead"

// UploadRequest is one batch of opaque messages from a device.
type UploadRequest struct {
	UserID     string
	DeviceID   string
	EntityType string
	Messages   []string
}

// MessageResult reports what happened to one uploaded message.
type MessageResult struct {
	MessageID int64
	EntityKey string
	HLC       int64
	Status    projection.Status
	Reason    string
}

// UploadResult summarizes a batch. Results are in request order.
type UploadResult struct {
	BatchID  string
	Received int
	Results  []MessageResult
}

// Upload appends every message to the log, then projects it. Each message is
// durable before the next one is processed, so an aborted batch leaves a valid
// prefix behind. Only log append failures abort the batch.
func (s *Service) Upload(ctx context.Context, request UploadRequest) (UploadResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.Upload", trace.WithAttributes(
		attribute.String("sync.device_id", request.DeviceID),
		attribute.String("sync.entity_type", request.EntityType),
		attribute.Int("sync.message_count", len(request.Messages)),
	))
	defer span.End()

	result, err := s.upload(ctx, request)
	markSpanError(span, err)
	return result, err
}

func (s *Service) upload(ctx context.Context, request UploadRequest) (UploadResult, error) {
	userID, err := requireUser(opUpload, request.UserID)
	if err != nil {
		return UploadResult{}, err
	}
	deviceID, err := requireDevice(opUpload, request.DeviceID)
	if err != nil {
		return UploadResult{}, err
	}
	if strings.TrimSpace(request.EntityType) == "" {
		return UploadResult{}, newServiceError(opUpload, "missing_entity_type", ErrValidation, nil)
	}
	if len(request.Messages) == 0 {
		return UploadResult{}, newServiceError(opUpload, "empty_batch", ErrValidation, nil)
	}
	entityType, _ := projection.ParseEntityType(request.EntityType)

	if _, err := s.devices.Register(ctx, userID, deviceID, ""); err != nil {
		return UploadResult{}, s.classifyDeviceError(opUpload, err, zap.String("device_id", deviceID))
	}

	batchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUpload, "batch_id_failed", err)
		return UploadResult{}, newServiceError(opUpload, "batch_id_failed", ErrStorage, err)
	}

	result := UploadResult{
		BatchID:  batchID,
		Received: len(request.Messages),
		Results:  make([]MessageResult, 0, len(request.Messages)),
	}
	notice := ChangeNotice{BatchID: batchID, OriginDeviceID: deviceID, EntityType: entityType.String()}
	defer func() { s.notify(userID, notice) }()

	for index, payload := range request.Messages {
		header, headerErr := projection.PeekHeader(payload)
		rejectReason := ""
		if headerErr != nil {
			rejectReason = projection.ReasonMalformed
		} else if header.HasHLC && s.clock.ExceedsSkew(header.HLC, s.maxClockSkew) {
			rejectReason = ReasonClockSkew
			headerErr = fmt.Errorf("hlc %s exceeds allowed clock skew of %s", header.HLC, s.maxClockSkew)
		}
		stamp := s.stamp(header, headerErr)

		stored, err := s.log.Append(ctx, synclog.Message{
			UserID:         userID,
			EntityType:     entityType.String(),
			EntityKey:      header.EntityKey,
			Payload:        payload,
			HLC:            stamp.Int64(),
			OriginDeviceID: deviceID,
			BatchID:        batchID,
		})
		if err != nil {
			s.logError(opUpload, "append_failed", err,
				zap.String("user_id", userID),
				zap.String("device_id", deviceID),
				zap.Int("message_index", index))
			return result, newServiceError(opUpload, "append_failed", ErrStorage, err)
		}
		notice.Count++
		if stored.HLC > notice.HighestHLC {
			notice.HighestHLC = stored.HLC
		}

		messageResult := MessageResult{MessageID: stored.ID, EntityKey: stored.EntityKey, HLC: stored.HLC}
		if headerErr != nil {
			s.logger.Warn("uploaded message rejected",
				zap.String("user_id", userID),
				zap.String("device_id", deviceID),
				zap.Int64("message_id", stored.ID),
				zap.Error(headerErr))
			messageResult.Status = projection.StatusRejected
			messageResult.Reason = rejectReason
		} else {
			outcome := s.projector.Apply(ctx, stored)
			messageResult.Status = outcome.Status
			messageResult.Reason = outcome.Reason
			if outcome.EntityKey != "" {
				messageResult.EntityKey = outcome.EntityKey
			}
		}
		result.Results = append(result.Results, messageResult)
	}
	return result, nil
}

// stamp returns the HLC a message is stored under. An accepted client HLC is kept
// as sent and merged into the server clock; otherwise the server issues one.
func (s *Service) stamp(header projection.Header, headerErr error) hlc.Timestamp {
	if headerErr == nil && header.HasHLC {
		s.clock.Merge(header.HLC)
		return header.HLC
	}
	return s.clock.Now()
}
