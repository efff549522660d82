package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licenseguard/internal/envelope"
	"licenseguard/internal/guard"
	"licenseguard/internal/store"
)

var handlerSecret = []byte("handler-test-secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) (*chi.Mux, store.Store) {
	t.Helper()

	s := store.NewMemoryStore()
	svc := guard.NewService(s, nil, guard.Policy{
		SigningSecret: handlerSecret,
		UnlockContent: []byte("#app{display:block}"),
	}, discardLogger())

	h := NewLicenseHandler(svc, discardLogger())
	r := chi.NewRouter()
	r.Post("/api/license/validate", h.Validate)
	r.Post("/api/license/heartbeat", h.Heartbeat)
	r.Post("/api/license/restore", h.Restore)
	return r, s
}

func seedLicense(t *testing.T, s store.Store, rec *store.LicenseRecord) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), rec))
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestValidateEndpoint_Success(t *testing.T) {
	router, s := newTestRouter(t)
	seedLicense(t, s, &store.LicenseRecord{
		Key:       "ISX-1111-2222-3333",
		Domain:    "customer.example.com",
		Status:    store.StatusActive,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})

	rec := postJSON(t, router, "/api/license/validate", map[string]string{
		"licenseKey": "ISX-1111-2222-3333",
		"domain":     "customer.example.com",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
	assert.NotEmpty(t, resp.HeartbeatToken)
	assert.Equal(t, "ACTIVE", resp.Status)

	content, err := envelope.Decode(resp.Payload, handlerSecret)
	require.NoError(t, err)
	assert.Equal(t, "#app{display:block}", string(content))
}

func TestValidateEndpoint_RejectionIsStillOK(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/license/validate", map[string]string{
		"licenseKey": "ISX-0000-0000-0000",
		"domain":     "customer.example.com",
	})

	// A rejection is a protocol verdict, not an HTTP error.
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, guard.ReasonUnknownKey, resp.Reason)
	assert.Empty(t, resp.Payload)
}

func TestValidateEndpoint_BadRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing license key", map[string]string{"domain": "example.com"}},
		{"license key too short", map[string]string{"licenseKey": "x", "domain": "example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, "/api/license/validate", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("malformed JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/license/validate", bytes.NewReader([]byte("{nope")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHeartbeatEndpoint_RotatesToken(t *testing.T) {
	router, s := newTestRouter(t)
	seedLicense(t, s, &store.LicenseRecord{
		Key:    "ISX-1111-2222-3333",
		Domain: "customer.example.com",
		Status: store.StatusActive,
	})

	vrec := postJSON(t, router, "/api/license/validate", map[string]string{
		"licenseKey": "ISX-1111-2222-3333",
		"domain":     "customer.example.com",
	})
	var vresp ValidateResponse
	require.NoError(t, json.Unmarshal(vrec.Body.Bytes(), &vresp))
	require.True(t, vresp.Valid)

	hrec := postJSON(t, router, "/api/license/heartbeat", map[string]any{
		"licenseKey": "ISX-1111-2222-3333",
		"token":      vresp.HeartbeatToken,
		"computedStyles": map[string]string{
			"display":    "block",
			"visibility": "visible",
			"opacity":    "1",
		},
		"scriptDidMount": true,
	})

	require.Equal(t, http.StatusOK, hrec.Code)

	var hresp HeartbeatResponse
	require.NoError(t, json.Unmarshal(hrec.Body.Bytes(), &hresp))
	assert.Equal(t, "ACTIVE", hresp.Status)
	assert.NotEmpty(t, hresp.Token)
	assert.NotEqual(t, vresp.HeartbeatToken, hresp.Token)
}

func TestHeartbeatEndpoint_TerminalWithholdsToken(t *testing.T) {
	router, s := newTestRouter(t)
	seedLicense(t, s, &store.LicenseRecord{
		Key:    "ISX-1111-2222-3333",
		Domain: "customer.example.com",
		Status: store.StatusTerminated,
	})

	rec := postJSON(t, router, "/api/license/heartbeat", map[string]any{
		"licenseKey":     "ISX-1111-2222-3333",
		"token":          "whatever",
		"scriptDidMount": true,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TERMINATED", resp.Status)
	assert.Empty(t, resp.Token)
}

func TestRestoreEndpoint(t *testing.T) {
	router, s := newTestRouter(t)
	seedLicense(t, s, &store.LicenseRecord{
		Key:         "ISX-1111-2222-3333",
		Domain:      "customer.example.com",
		Status:      store.StatusTerminated,
		TamperCount: 3,
	})

	rec := postJSON(t, router, "/api/license/restore", map[string]string{
		"licenseKey": "ISX-1111-2222-3333",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp RestoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ACTIVE", resp.Status)
	assert.Equal(t, 0, resp.TamperCount)

	t.Run("unknown key", func(t *testing.T) {
		rec := postJSON(t, router, "/api/license/restore", map[string]string{
			"licenseKey": "ISX-9999-9999-9999",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewHealthHandler(s, "v-test", discardLogger())

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "v-test", resp.Version)
	})

	t.Run("readiness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
	})
}
