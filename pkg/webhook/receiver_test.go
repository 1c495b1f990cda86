package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hookgate/internal"
	"hookgate/pkg/signature"
	"hookgate/pkg/storage"
	"hookgate/pkg/storage/deliveries"
)

type failingPublisher struct {
	block chan struct{}
}

func (p *failingPublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	if p.block != nil {
		<-p.block
	}
	return errors.New("queue unavailable")
}

func (p *failingPublisher) PublishForDrivers(ctx context.Context, topic string, event internal.Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}

func (p *failingPublisher) Close() error { return nil }

type countingEnqueuer struct {
	events []internal.Event
}

func (e *countingEnqueuer) Enqueue(ctx context.Context, event internal.Event) bool {
	e.events = append(e.events, event)
	return true
}

type brokenLedger struct{}

func (brokenLedger) TryInsert(ctx context.Context, delivery storage.Delivery) (bool, error) {
	return false, storage.ErrLedgerUnavailable
}

func (brokenLedger) Get(ctx context.Context, provider, deliveryID string) (*storage.Delivery, error) {
	return nil, storage.ErrLedgerUnavailable
}

func (brokenLedger) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]storage.Delivery, error) {
	return nil, storage.ErrLedgerUnavailable
}

func (brokenLedger) MarkProcessed(ctx context.Context, provider, deliveryID string) error {
	return storage.ErrLedgerUnavailable
}

func (brokenLedger) Close() error { return nil }

// stalledLedger never completes an insert on its own.
type stalledLedger struct {
	brokenLedger
}

func (stalledLedger) TryInsert(ctx context.Context, delivery storage.Delivery) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func openLedger(t *testing.T) *deliveries.Store {
	t.Helper()
	store, err := deliveries.Open(deliveries.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "ledger.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSourceHostReceiver(t *testing.T, ledger storage.Ledger, enqueuer Enqueuer) *Receiver {
	t.Helper()
	source, err := NewSourceHost()
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	receiver, err := NewReceiver(ReceiverOptions{
		Source:   source,
		Secret:   "s3cr3t",
		Ledger:   ledger,
		Enqueuer: enqueuer,
		MaxBody:  1 << 20,
	})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return receiver
}

func sourceHostRequest(body []byte, secret, deliveryID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/source-host", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-Hub-Signature-256", "sha256="+signature.SumHex(secret, body))
	return req
}

func TestReceiverAcceptsAndDeduplicates(t *testing.T) {
	ledger := openLedger(t)
	enqueuer := &countingEnqueuer{}
	receiver := newSourceHostReceiver(t, ledger, enqueuer)
	body := []byte(`{"action":"opened"}`)

	for attempt := 1; attempt <= 2; attempt++ {
		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, sourceHostRequest(body, "s3cr3t", "d-1"))

		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d: %s", attempt, rec.Code, rec.Body.String())
		}
		var got map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got["ok"] != true || got["delivery_id"] != "d-1" || len(got) != 2 {
			t.Fatalf("attempt %d: unexpected body %s", attempt, rec.Body.String())
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("expected request id header")
		}
		duplicate := rec.Header().Get(DuplicateHeader) == "true"
		if duplicate != (attempt == 2) {
			t.Fatalf("attempt %d: unexpected duplicate header %q", attempt, rec.Header().Get(DuplicateHeader))
		}
	}

	count, err := ledger.Count(context.Background(), "source_host", "d-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one ledger row, got %d", count)
	}
	row, err := ledger.Get(context.Background(), "source_host", "d-1")
	if err != nil || row == nil {
		t.Fatalf("get row: %v", err)
	}
	if row.EventType != "pull_request" || row.Processed {
		t.Fatalf("unexpected row: %+v", row)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(row.Payload, &payload); err != nil || payload["action"] != "opened" {
		t.Fatalf("unexpected payload %s", row.Payload)
	}
	if len(enqueuer.events) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(enqueuer.events))
	}
	if enqueuer.events[0].DeliveryID != "d-1" || enqueuer.events[0].Provider != "source_host" {
		t.Fatalf("unexpected work item: %+v", enqueuer.events[0])
	}
}

func TestReceiverRejectsBadSignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	tests := []struct {
		name   string
		secret string
		mutate func(*http.Request)
	}{
		{name: "wrong secret", secret: "other"},
		{name: "missing header", secret: "s3cr3t", mutate: func(r *http.Request) { r.Header.Del("X-Hub-Signature-256") }},
		{name: "sha1 only", secret: "s3cr3t", mutate: func(r *http.Request) {
			r.Header.Del("X-Hub-Signature-256")
			r.Header.Set("X-Hub-Signature", "sha1=deadbeef")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := openLedger(t)
			enqueuer := &countingEnqueuer{}
			receiver := newSourceHostReceiver(t, ledger, enqueuer)
			req := sourceHostRequest(body, tt.secret, "d-1")
			if tt.mutate != nil {
				tt.mutate(req)
			}
			rec := httptest.NewRecorder()
			receiver.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if !bytes.Contains(rec.Body.Bytes(), []byte(`"invalid signature"`)) {
				t.Fatalf("unexpected body %s", rec.Body.String())
			}
			count, err := ledger.Count(context.Background(), "source_host", "d-1")
			if err != nil || count != 0 {
				t.Fatalf("expected no ledger rows, got %d (%v)", count, err)
			}
			if len(enqueuer.events) != 0 {
				t.Fatalf("expected no enqueue")
			}
		})
	}
}

func TestReceiverEmptySecretFailsClosed(t *testing.T) {
	source, _ := NewSourceHost()
	receiver, err := NewReceiver(ReceiverOptions{Source: source, Ledger: openLedger(t)})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	body := []byte(`{"action":"opened"}`)
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, sourceHostRequest(body, "", "d-1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReceiverEnqueueFailureStillAcks(t *testing.T) {
	ledger := openLedger(t)
	block := make(chan struct{})
	defer close(block)

	for _, publisher := range []*failingPublisher{{}, {block: block}} {
		enqueuer := internal.NewEnqueuer(internal.EnqueuerOptions{
			Publisher: publisher,
			Timeout:   20 * time.Millisecond,
		})
		receiver := newSourceHostReceiver(t, ledger, enqueuer)
		id := "fail-fast"
		if publisher.block != nil {
			id = "timeout"
		}

		rec := httptest.NewRecorder()
		receiver.ServeHTTP(rec, sourceHostRequest([]byte(`{"action":"opened"}`), "s3cr3t", id))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", id, rec.Code)
		}
		row, err := ledger.Get(context.Background(), "source_host", id)
		if err != nil || row == nil {
			t.Fatalf("%s: expected ledger row: %v", id, err)
		}
		if row.Processed {
			t.Fatalf("%s: expected processed=false", id)
		}
	}
}

func TestReceiverLedgerErrorIsRetryable(t *testing.T) {
	enqueuer := &countingEnqueuer{}
	receiver := newSourceHostReceiver(t, brokenLedger{}, enqueuer)
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, sourceHostRequest([]byte(`{"action":"opened"}`), "s3cr3t", "d-1"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(enqueuer.events) != 0 {
		t.Fatalf("expected no enqueue after ledger failure")
	}
}

func TestReceiverLedgerTimeout(t *testing.T) {
	source, _ := NewSourceHost()
	enqueuer := &countingEnqueuer{}
	receiver, err := NewReceiver(ReceiverOptions{
		Source:        source,
		Secret:        "s3cr3t",
		Ledger:        stalledLedger{},
		Enqueuer:      enqueuer,
		LedgerTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}

	start := time.Now()
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, sourceHostRequest([]byte(`{"action":"opened"}`), "s3cr3t", "d-slow"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected the ledger timeout to bound the request, took %s", elapsed)
	}
	if len(enqueuer.events) != 0 {
		t.Fatalf("expected no enqueue after ledger timeout")
	}
}

func TestReceiverMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		mutate func(*http.Request)
		want   string
	}{
		{name: "missing delivery id", body: []byte(`{"action":"opened"}`), mutate: func(r *http.Request) { r.Header.Del("X-GitHub-Delivery") }, want: "missing delivery id"},
		{name: "missing event", body: []byte(`{"action":"opened"}`), mutate: func(r *http.Request) { r.Header.Del("X-GitHub-Event") }, want: "missing event type"},
		{name: "invalid json", body: []byte(`{"action":`), want: "invalid JSON payload"},
		{name: "unknown event invalid json", body: []byte(`nope`), mutate: func(r *http.Request) { r.Header.Set("X-GitHub-Event", "merge_group_v9") }, want: "invalid JSON payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := openLedger(t)
			receiver := newSourceHostReceiver(t, ledger, &countingEnqueuer{})
			req := sourceHostRequest(tt.body, "s3cr3t", "d-1")
			if tt.mutate != nil {
				tt.mutate(req)
			}
			rec := httptest.NewRecorder()
			receiver.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			var got map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got["ok"] != false || got["error"] != tt.want {
				t.Fatalf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestReceiverUnknownEventAccepted(t *testing.T) {
	ledger := openLedger(t)
	receiver := newSourceHostReceiver(t, ledger, &countingEnqueuer{})
	req := sourceHostRequest([]byte(`{"merge_group":{}}`), "s3cr3t", "d-7")
	req.Header.Set("X-GitHub-Event", "merge_group_v9")
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReceiverRejectsNonPost(t *testing.T) {
	receiver := newSourceHostReceiver(t, openLedger(t), &countingEnqueuer{})
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/source-host", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header")
	}
}

func TestReceiverBodyTooLarge(t *testing.T) {
	source, _ := NewSourceHost()
	receiver, err := NewReceiver(ReceiverOptions{Source: source, Secret: "s3cr3t", Ledger: openLedger(t), MaxBody: 16})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, sourceHostRequest([]byte(`{"action":"opened","padding":"xxxxxxxx"}`), "s3cr3t", "d-1"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
