package worker

import (
	"encoding/json"
	"net/http"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
)

// envelopeVersion is the only protocol version this service accepts.
const envelopeVersion = "mcp.v1"

// serviceName identifies this service within the mcp.v1 envelope.
const serviceName = "user-memory"

// RequestContext carries the conversational signals a handler may need,
// lifted straight off the envelope (spec §6).
type RequestContext struct {
	UserID       string `json:"userId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	HasHistory   bool   `json:"hasHistory,omitempty"`
}

// requestEnvelope is the inbound mcp.v1 wrapper every action is posted as.
type requestEnvelope struct {
	Version   string          `json:"version"`
	Service   string          `json:"service"`
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Context   RequestContext  `json:"context"`
	Payload   json.RawMessage `json:"payload"`
}

// errorInfo is the envelope's error shape.
type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// responseEnvelope is the outbound mcp.v1 wrapper every action returns.
type responseEnvelope struct {
	Version   string         `json:"version"`
	Service   string         `json:"service"`
	Action    string         `json:"action"`
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"`
	Data      any            `json:"data,omitempty"`
	Error     *errorInfo     `json:"error,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env responseEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeSuccess(w http.ResponseWriter, req requestEnvelope, data any) {
	writeEnvelope(w, http.StatusOK, responseEnvelope{
		Version:   envelopeVersion,
		Service:   serviceName,
		Action:    req.Action,
		RequestID: req.RequestID,
		Status:    "ok",
		Data:      data,
	})
}

func writeError(w http.ResponseWriter, req requestEnvelope, err error) {
	code := apperr.CodeOf(err)
	writeEnvelope(w, apperr.HTTPStatus(code), responseEnvelope{
		Version:   envelopeVersion,
		Service:   serviceName,
		Action:    req.Action,
		RequestID: req.RequestID,
		Status:    "error",
		Error:     &errorInfo{Code: string(code), Message: err.Error()},
	})
}

// writeProtocolError responds before an action is known to be valid, so it
// echoes back whatever action/requestId the caller sent (possibly empty)
// rather than deriving them from a parsed envelope.
func writeProtocolError(w http.ResponseWriter, action, requestID string, status int, code, message string) {
	writeEnvelope(w, status, responseEnvelope{
		Version:   envelopeVersion,
		Service:   serviceName,
		Action:    action,
		RequestID: requestID,
		Status:    "error",
		Error:     &errorInfo{Code: code, Message: message},
	})
}

// decodePayload unmarshals the envelope's payload into dst, treating a
// missing payload as an empty object rather than a decode error.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Errorf(apperr.InvalidRequest, "invalid payload: %w", err)
	}
	return nil
}
