package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"github.com/gin-gonic/gin"
)

const allEntityTypes = "all"

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type acknowledgeCursorRequest struct {
	DeviceID     string `json:"deviceId"`
	HLCTimestamp *int64 `json:"hlcTimestamp"`
}

type devicePayload struct {
	DeviceID             string    `json:"deviceId"`
	DeviceName           string    `json:"deviceName"`
	LastSyncHLCTimestamp int64     `json:"lastSyncHlcTimestamp"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type uploadResultPayload struct {
	MessageID    int64  `json:"messageId"`
	EntityKey    string `json:"crdtKey"`
	HLCTimestamp int64  `json:"hlcTimestamp"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

type uploadResponsePayload struct {
	BatchID  string                `json:"batchId"`
	Received int                   `json:"received"`
	Results  []uploadResultPayload `json:"results"`
}

type messagePayload struct {
	ID             int64     `json:"id"`
	EntityType     string    `json:"entityType"`
	EntityKey      string    `json:"crdtKey"`
	MessageData    string    `json:"messageData"`
	HLCTimestamp   int64     `json:"hlcTimestamp"`
	OriginDeviceID string    `json:"originDeviceId"`
	BatchID        string    `json:"batchId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type fetchResponsePayload struct {
	Messages []messagePayload `json:"messages"`
	Since    int64            `json:"since"`
	Cursor   int64            `json:"cursor"`
	HasMore  bool             `json:"hasMore"`
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request registerDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid request body", "http.invalid_body"))
		return
	}
	deviceID := strings.TrimSpace(request.DeviceID)
	if deviceID == "" {
		deviceID = deviceIDFromHeader(c)
	}
	device, err := h.sync.RegisterDevice(c.Request.Context(), c.GetString(userIDContextKey), deviceID, request.DeviceName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDevicePayload(device))
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	registered, err := h.sync.ListDevices(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]devicePayload, 0, len(registered))
	for _, device := range registered {
		payload = append(payload, toDevicePayload(device))
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

func (h *httpHandler) handleAcknowledgeCursor(c *gin.Context) {
	var request acknowledgeCursorRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.HLCTimestamp == nil {
		c.JSON(http.StatusBadRequest, errorBody("hlcTimestamp is required", "http.invalid_body"))
		return
	}
	deviceID := deviceIDFromHeader(c)
	if deviceID == "" {
		deviceID = strings.TrimSpace(request.DeviceID)
	}
	device, err := h.sync.AcknowledgeCursor(c.Request.Context(), c.GetString(userIDContextKey), deviceID, *request.HLCTimestamp)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDevicePayload(device))
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("unreadable request body", "http.invalid_body"))
		return
	}
	messages, err := decodeUploadBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("request body must be a JSON array of messages", "http.invalid_body"))
		return
	}

	result, err := h.sync.Upload(c.Request.Context(), relay.UploadRequest{
		UserID:     c.GetString(userIDContextKey),
		DeviceID:   deviceIDFromHeader(c),
		EntityType: c.Param("entityType"),
		Messages:   messages,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := uploadResponsePayload{
		BatchID:  result.BatchID,
		Received: result.Received,
		Results:  make([]uploadResultPayload, 0, len(result.Results)),
	}
	for _, outcome := range result.Results {
		response.Results = append(response.Results, uploadResultPayload{
			MessageID:    outcome.MessageID,
			EntityKey:    outcome.EntityKey,
			HLCTimestamp: outcome.HLC,
			Status:       string(outcome.Status),
			Reason:       outcome.Reason,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	h.fetch(c, parseBoolQuery(c.Query("excludeOrigin")))
}

func (h *httpHandler) handleFetchExcludingOrigin(c *gin.Context) {
	h.fetch(c, true)
}

func (h *httpHandler) fetch(c *gin.Context, excludeOrigin bool) {
	request := relay.FetchRequest{
		UserID:        c.GetString(userIDContextKey),
		DeviceID:      deviceIDFromHeader(c),
		EntityType:    requestedEntityType(c),
		ExcludeOrigin: excludeOrigin,
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("since must be an integer", "http.invalid_since"))
			return
		}
		request.Since = &since
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("limit must be an integer", "http.invalid_limit"))
			return
		}
		request.Limit = limit
	}

	result, err := h.sync.Fetch(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := fetchResponsePayload{
		Messages: make([]messagePayload, 0, len(result.Messages)),
		Since:    result.Since,
		Cursor:   result.Cursor,
		HasMore:  result.HasMore,
	}
	for _, message := range result.Messages {
		response.Messages = append(response.Messages, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleState(c *gin.Context) {
	entityType, projected := projection.ParseEntityType(c.Param("entityType"))
	if !projected {
		c.JSON(http.StatusNotFound, errorBody("entity type has no projection", "http.unknown_entity_type"))
		return
	}
	userID := c.GetString(userIDContextKey)
	var (
		items any
		err   error
	)
	switch entityType {
	case projection.EntityOrdinarySchedule:
		items, err = h.state.ListSchedules(c.Request.Context(), userID)
	case projection.EntityTimeSlot:
		items, err = h.state.ListTimeSlots(c.Request.Context(), userID)
	case projection.EntityCourse:
		items, err = h.state.ListCourses(c.Request.Context(), userID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entityType": entityType.String(), "items": items})
}

// decodeUploadBody accepts an array whose elements are either JSON strings
// carrying a message or inline message objects.
func decodeUploadBody(body []byte) ([]string, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, err
	}
	messages := make([]string, 0, len(elements))
	for _, element := range elements {
		trimmed := bytes.TrimSpace(element)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var text string
			if err := json.Unmarshal(trimmed, &text); err != nil {
				return nil, err
			}
			messages = append(messages, text)
			continue
		}
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, trimmed); err != nil {
			return nil, err
		}
		messages = append(messages, compacted.String())
	}
	return messages, nil
}

func requestedEntityType(c *gin.Context) string {
	entityType := strings.TrimSpace(c.Param("entityType"))
	if entityType == "" {
		entityType = strings.TrimSpace(c.Query("entityType"))
	}
	if strings.EqualFold(entityType, allEntityTypes) {
		return ""
	}
	return entityType
}

func deviceIDFromHeader(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(deviceIDHeader))
}

func parseBoolQuery(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func toDevicePayload(device devices.Device) devicePayload {
	return devicePayload{
		DeviceID:             device.ID,
		DeviceName:           device.Name,
		LastSyncHLCTimestamp: device.LastSyncHLC,
		CreatedAt:            device.CreatedAt,
		UpdatedAt:            device.UpdatedAt,
	}
}

func toMessagePayload(message synclog.Message) messagePayload {
	return messagePayload{
		ID:             message.ID,
		EntityType:     message.EntityType,
		EntityKey:      message.EntityKey,
		MessageData:    message.Payload,
		HLCTimestamp:   message.HLC,
		OriginDeviceID: message.OriginDeviceID,
		BatchID:        message.BatchID,
		CreatedAt:      message.CreatedAt,
	}
}
