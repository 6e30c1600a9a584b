package worker

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"X-XSS-Protection", "1; mode=block"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
	}

	for _, tt := range tests {
		if got := rr.Header().Get(tt.header); got != tt.expected {
			t.Errorf("SecurityHeaders() %s = %q, want %q", tt.header, got, tt.expected)
		}
	}
}

func TestSecurityHeaders_CORS(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		origin         string
		expectedOrigin string
		expectCORS     bool
	}{
		{name: "localhost:37778 origin allowed", origin: "http://localhost:37778", expectCORS: true, expectedOrigin: "http://localhost:37778"},
		{name: "external origin blocked", origin: "http://evil.com", expectCORS: false},
		{name: "localhost subdomain bypass attempt blocked", origin: "http://localhost.evil.com", expectCORS: false},
		{name: "no origin header", origin: "", expectCORS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			cors := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS {
				if cors != tt.expectedOrigin {
					t.Errorf("Expected CORS origin %q, got %q", tt.expectedOrigin, cors)
				}
			} else if cors != "" {
				t.Errorf("Expected no CORS header, got %q", cors)
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS origin should be set for allowed origin")
	}
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		contentLength  int64
		expectedStatus int
	}{
		{"within limit", 50, http.StatusOK},
		{"at limit", 100, http.StatusOK},
		{"exceeds limit", 150, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", nil)
			req.ContentLength = tt.contentLength
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("MaxBodySize() status = %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	t.Run("empty key list disables auth", func(t *testing.T) {
		ba := NewBearerAuth(nil)
		if ba.IsEnabled() {
			t.Fatal("expected auth disabled with no configured keys")
		}

		handler := ba.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest("POST", "/memory.store", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected OK with disabled auth, got %d", rr.Code)
		}
	})

	t.Run("enabled auth rejects missing and wrong tokens", func(t *testing.T) {
		ba := NewBearerAuth([]string{"correct-key"})
		if !ba.IsEnabled() {
			t.Fatal("expected auth enabled with a configured key")
		}

		handler := ba.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("POST", "/memory.store", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected Unauthorized without token, got %d", rr.Code)
		}

		req = httptest.NewRequest("POST", "/memory.store", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected Unauthorized with wrong token, got %d", rr.Code)
		}
	})

	t.Run("enabled auth accepts the configured bearer token", func(t *testing.T) {
		ba := NewBearerAuth([]string{"correct-key"})
		handler := ba.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("POST", "/memory.store", nil)
		req.Header.Set("Authorization", "Bearer correct-key")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected OK with correct token, got %d", rr.Code)
		}
	})

	t.Run("exempt paths skip auth", func(t *testing.T) {
		ba := NewBearerAuth([]string{"correct-key"})
		handler := ba.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for _, path := range []string{"/service.health", "/service.capabilities"} {
			req := httptest.NewRequest("GET", path, nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("expected OK for exempt path %s, got %d", path, rr.Code)
			}
		}
	})
}

func TestExpensiveOperationLimiter(t *testing.T) {
	limiter := NewExpensiveOperationLimiter()

	if !limiter.CanRebuild() {
		t.Error("first operation should be allowed")
	}
	if limiter.CanRebuild() {
		t.Error("immediate second operation should be blocked")
	}
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request ID should be set in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates new request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("X-Request-ID header should be set")
		}
	})

	t.Run("uses existing request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "test-id-12345")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get("X-Request-ID") != "test-id-12345" {
			t.Errorf("expected X-Request-ID test-id-12345, got %s", rr.Header().Get("X-Request-ID"))
		}
	})
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		method         string
		contentType    string
		expectedStatus int
	}{
		{"GET without content-type", "GET", "", http.StatusOK},
		{"POST with application/json", "POST", "application/json", http.StatusOK},
		{"POST with application/json; charset=utf-8", "POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST without content-type", "POST", "", http.StatusOK},
		{"POST with text/plain rejected", "POST", "text/plain", http.StatusUnsupportedMediaType},
		{"PATCH with form-urlencoded rejected", "PATCH", "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}
