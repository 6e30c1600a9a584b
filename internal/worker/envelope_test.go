package worker

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/apperr"
)

func TestDecodePayload(t *testing.T) {
	t.Run("empty payload leaves dst untouched", func(t *testing.T) {
		var dst struct{ Foo string }
		if err := decodePayload(nil, &dst); err != nil {
			t.Fatalf("decodePayload() error = %v", err)
		}
	})

	t.Run("valid payload decodes", func(t *testing.T) {
		var dst struct {
			Foo string `json:"foo"`
		}
		if err := decodePayload(json.RawMessage(`{"foo":"bar"}`), &dst); err != nil {
			t.Fatalf("decodePayload() error = %v", err)
		}
		if dst.Foo != "bar" {
			t.Errorf("Foo = %q, want %q", dst.Foo, "bar")
		}
	})

	t.Run("malformed payload returns INVALID_REQUEST", func(t *testing.T) {
		var dst struct{ Foo string }
		err := decodePayload(json.RawMessage(`{not json`), &dst)
		if err == nil {
			t.Fatal("expected error for malformed payload")
		}
		if apperr.CodeOf(err) != apperr.InvalidRequest {
			t.Errorf("CodeOf() = %v, want %v", apperr.CodeOf(err), apperr.InvalidRequest)
		}
	})
}

func TestWriteSuccess(t *testing.T) {
	rr := httptest.NewRecorder()
	req := requestEnvelope{Action: "memory.store", RequestID: "req-1"}

	writeSuccess(rr, req, map[string]any{"ok": true})

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got responseEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Version != envelopeVersion || got.Service != serviceName {
		t.Errorf("unexpected envelope identity: %+v", got)
	}
	if got.Status != "ok" || got.Action != "memory.store" || got.RequestID != "req-1" {
		t.Errorf("unexpected envelope fields: %+v", got)
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	req := requestEnvelope{Action: "memory.retrieve", RequestID: "req-2"}

	writeError(rr, req, apperr.New(apperr.NotFound, "record not found"))

	if rr.Code != 404 {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var got responseEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Status != "error" || got.Error == nil {
		t.Fatalf("expected error envelope, got %+v", got)
	}
	if got.Error.Code != string(apperr.NotFound) {
		t.Errorf("Error.Code = %q, want %q", got.Error.Code, apperr.NotFound)
	}
}

func TestWriteProtocolError(t *testing.T) {
	rr := httptest.NewRecorder()

	writeProtocolError(rr, "memory.store", "", 400, "INVALID_REQUEST", "malformed envelope")

	if rr.Code != 400 {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var got responseEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Status != "error" || got.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.RequestID != "" {
		t.Errorf("RequestID = %q, want empty (caller sent none)", got.RequestID)
	}
}
