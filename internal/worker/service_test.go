package worker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestService() *Service {
	return &Service{log: zerolog.Nop()}
}

func okHandler(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
	writeSuccess(w, env, map[string]any{"seen": env.Action})
}

func TestDispatch_ValidEnvelope(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"user-memory","action":"memory.store","requestId":"req-1","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
}

func TestDispatch_RejectsWrongVersion(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v2","service":"user-memory","action":"memory.store","requestId":"req-1"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatch_RejectsWrongService(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"other-service","action":"memory.store","requestId":"req-1"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatch_RequiresRequestID(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"user-memory","action":"memory.store"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatch_RejectsActionMismatch(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"user-memory","action":"memory.delete","requestId":"req-1"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatch_MissingActionDefaultsToRoute(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"user-memory","requestId":"req-1"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
}

func TestDispatch_MalformedJSON(t *testing.T) {
	s := newTestService()
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", okHandler)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	s := newTestService()
	body := `{"version":"mcp.v1","service":"user-memory","action":"memory.store","requestId":"req-1"}`
	req := httptest.NewRequest(http.MethodPost, "/memory.store", strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.dispatch(rr, req, "memory.store", func(w http.ResponseWriter, r *http.Request, env requestEnvelope) {
		panic("boom")
	})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}
