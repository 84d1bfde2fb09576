package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FetchRequest selects messages for a device. A nil Since falls back to the
// device cursor, or zero for an unregistered device.
type FetchRequest struct {
	UserID        string
	DeviceID      string
	Since         *int64
	EntityType    string
	ExcludeOrigin bool
	Limit         int
}

// FetchResult is one page of messages in ascending HLC order. Cursor is the value
// to pass as Since for the next page.
type FetchResult struct {
	Messages []synclog.Message
	Since    int64
	Cursor   int64
	HasMore  bool
}

// Fetch serves a delta download. Fetches across all entity types advance the
// device cursor to the highest HLC returned; typed fetches leave it untouched.
func (s *Service) Fetch(ctx context.Context, request FetchRequest) (FetchResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.Fetch", trace.WithAttributes(
		attribute.String("sync.device_id", request.DeviceID),
		attribute.String("sync.entity_type", request.EntityType),
		attribute.Bool("sync.exclude_origin", request.ExcludeOrigin),
	))
	defer span.End()

	result, err := s.fetch(ctx, request)
	if err == nil {
		span.SetAttributes(attribute.Int("sync.message_count", len(result.Messages)))
	}
	markSpanError(span, err)
	return result, err
}

func (s *Service) fetch(ctx context.Context, request FetchRequest) (FetchResult, error) {
	userID, err := requireUser(opFetch, request.UserID)
	if err != nil {
		return FetchResult{}, err
	}
	deviceID, err := requireDevice(opFetch, request.DeviceID)
	if err != nil {
		return FetchResult{}, err
	}
	if request.Since != nil && *request.Since < 0 {
		return FetchResult{}, newServiceError(opFetch, "invalid_since", ErrValidation, nil)
	}

	registered := true
	device, err := s.devices.Get(ctx, userID, deviceID)
	if errors.Is(err, devices.ErrDeviceNotFound) {
		registered = false
	} else if err != nil {
		return FetchResult{}, s.classifyDeviceError(opFetch, err, zap.String("device_id", deviceID))
	}

	since := device.LastSyncHLC
	if request.Since != nil {
		since = *request.Since
	}

	entityType := ""
	if trimmed := strings.TrimSpace(request.EntityType); trimmed != "" {
		canonical, _ := projection.ParseEntityType(trimmed)
		entityType = canonical.String()
	}

	limit := request.Limit
	if limit <= 0 || limit > s.maxDownloadBatch {
		limit = s.maxDownloadBatch
	}
	query := synclog.Query{
		UserID:     userID,
		SinceHLC:   since,
		EntityType: entityType,
		Limit:      limit + 1,
	}
	if request.ExcludeOrigin {
		query.ExcludeOriginDeviceID = deviceID
	}

	messages, err := s.log.Query(ctx, query)
	if err != nil {
		s.logError(opFetch, "query_failed", err, zap.String("user_id", userID), zap.String("device_id", deviceID))
		return FetchResult{}, newServiceError(opFetch, "query_failed", ErrStorage, err)
	}

	page, hasMore := paginate(messages, limit)
	if len(page) == 0 && hasMore {
		// A single HLC holds more messages than the limit. Deliver the whole run so
		// the cursor can move past it.
		runQuery := query
		runQuery.SinceHLC = messages[0].HLC - 1
		runQuery.UntilHLC = messages[0].HLC
		runQuery.Limit = 0
		page, err = s.log.Query(ctx, runQuery)
		if err != nil {
			s.logError(opFetch, "query_failed", err, zap.String("user_id", userID), zap.String("device_id", deviceID))
			return FetchResult{}, newServiceError(opFetch, "query_failed", ErrStorage, err)
		}
	}
	result := FetchResult{Messages: page, Since: since, Cursor: since, HasMore: hasMore}
	if len(page) > 0 {
		result.Cursor = page[len(page)-1].HLC
	}

	if registered && entityType == "" && result.Cursor > device.LastSyncHLC {
		if _, err := s.devices.AdvanceCursor(ctx, userID, deviceID, result.Cursor); err != nil {
			return FetchResult{}, s.classifyDeviceError(opFetch, err, zap.String("device_id", deviceID))
		}
	}
	return result, nil
}

// paginate cuts messages to limit. When the cut would split a run of messages
// sharing one HLC, the run is moved to the next page so that resuming with
// "hlc > cursor" cannot skip any of them. An empty page with hasMore set means the
// first run alone exceeds limit.
func paginate(messages []synclog.Message, limit int) ([]synclog.Message, bool) {
	if len(messages) <= limit {
		return messages, false
	}
	page := messages[:limit]
	boundary := messages[limit].HLC
	end := len(page)
	for end > 0 && page[end-1].HLC == boundary {
		end--
	}
	return page[:end], true
}
