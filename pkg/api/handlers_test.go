package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/storage"
)

type stubBroker struct {
	tok ghprovider.InstallationToken
	err error
	ids []int64
}

func (s *stubBroker) GetToken(ctx context.Context, installationID int64) (ghprovider.InstallationToken, error) {
	s.ids = append(s.ids, installationID)
	return s.tok, s.err
}

type stubLedger struct {
	delivery *storage.Delivery
	err      error
}

func (s *stubLedger) TryInsert(ctx context.Context, delivery storage.Delivery) (bool, error) {
	return false, nil
}

func (s *stubLedger) Get(ctx context.Context, provider, deliveryID string) (*storage.Delivery, error) {
	return s.delivery, s.err
}

func (s *stubLedger) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]storage.Delivery, error) {
	return nil, nil
}

func (s *stubLedger) MarkProcessed(ctx context.Context, provider, deliveryID string) error { return nil }

func (s *stubLedger) Close() error { return nil }

func doRequest(t *testing.T, handler http.Handler, path, key string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func TestTokenHandlerSuccess(t *testing.T) {
	expires := time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC)
	broker := &stubBroker{tok: ghprovider.InstallationToken{
		Token:       "ghs_abc",
		ExpiresAt:   expires,
		Permissions: map[string]string{"issues": "write"},
		Cached:      true,
	}}
	handler := Routes("k3y", broker, nil, nil)

	rec, body := doRequest(t, handler, "/installations/42/token", "k3y")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["token"] != "ghs_abc" || body["cached"] != true || body["expires_at"] != "2026-10-16T13:00:00Z" {
		t.Fatalf("unexpected body: %v", body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store")
	}
	if len(broker.ids) != 1 || broker.ids[0] != 42 {
		t.Fatalf("unexpected broker calls: %v", broker.ids)
	}
}

func TestTokenHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		key    string
		err    error
		status int
		check  func(t *testing.T, body map[string]interface{})
	}{
		{name: "bad key", path: "/installations/1/token", key: "nope", status: http.StatusUnauthorized},
		{name: "no key", path: "/installations/1/token", status: http.StatusUnauthorized},
		{name: "invalid id", path: "/installations/abc/token", key: "k3y", status: http.StatusBadRequest},
		{name: "zero id", path: "/installations/0/token", key: "k3y", status: http.StatusBadRequest},
		{
			name:   "unconfigured",
			path:   "/installations/1/token",
			key:    "k3y",
			err:    &ghprovider.ConfigError{Missing: []string{"app.private_key"}},
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, body map[string]interface{}) {
				missing, _ := body["missing"].([]interface{})
				if len(missing) != 1 || missing[0] != "app.private_key" || body["hint"] == nil {
					t.Fatalf("unexpected body: %v", body)
				}
			},
		},
		{
			name:   "exchange rejected",
			path:   "/installations/1/token",
			key:    "k3y",
			err:    &ghprovider.ExchangeError{StatusCode: http.StatusUnauthorized, Body: "Bad credentials"},
			status: http.StatusBadGateway,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["status"] != float64(http.StatusUnauthorized) {
					t.Fatalf("unexpected body: %v", body)
				}
				if _, leaked := body["body"]; leaked {
					t.Fatalf("provider body must not be echoed")
				}
			},
		},
		{name: "other", path: "/installations/1/token", key: "k3y", err: errors.New("dial tcp: refused"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Routes("k3y", &stubBroker{err: tt.err}, nil, nil)
			rec, body := doRequest(t, handler, tt.path, tt.key)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %v", tt.status, rec.Code, body)
			}
			if body["ok"] != false {
				t.Fatalf("expected ok=false")
			}
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}
}

func TestDeliveryHandler(t *testing.T) {
	ledger := &stubLedger{delivery: &storage.Delivery{
		Provider:   "source_host",
		DeliveryID: "d-1",
		EventType:  "push",
		Payload:    json.RawMessage(`{"ref":"main"}`),
		ReceivedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}}
	handler := Routes("k3y", &stubBroker{}, ledger, nil)

	rec, body := doRequest(t, handler, "/deliveries/source_host/d-1", "k3y")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["event_type"] != "push" || body["processed"] != false {
		t.Fatalf("unexpected body: %v", body)
	}

	ledger.delivery = nil
	rec, _ = doRequest(t, handler, "/deliveries/source_host/d-2", "k3y")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	ledger.err = storage.ErrLedgerUnavailable
	rec, _ = doRequest(t, handler, "/deliveries/source_host/d-2", "k3y")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
