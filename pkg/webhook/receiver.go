package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"hookgate/internal"
	"hookgate/pkg/signature"
	"hookgate/pkg/storage"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// DuplicateHeader is set on acknowledgements of already recorded deliveries.
const DuplicateHeader = "X-Hookgate-Duplicate"

// Inbound is what a Source extracts from a verified request.
type Inbound struct {
	DeliveryID string
	EventType  string
	Payload    json.RawMessage
}

// InputError is a malformed request; the receiver answers 400 with Reason.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

func malformed(reason string) error { return &InputError{Reason: reason} }

// Source is one provider's wire format: where the proof lives, how it is
// verified and how identifiers are read once the request is trusted.
type Source interface {
	Provider() string
	Verifier() signature.Verifier
	// Proof reads authenticity material without interpreting the signed body.
	Proof(r *http.Request, rawBody []byte) (signature.Proof, error)
	// Extract runs only after verification succeeded.
	Extract(r *http.Request, rawBody []byte) (Inbound, error)
}

// Enqueuer is the best-effort hand-off; it reports only whether it dispatched.
type Enqueuer interface {
	Enqueue(ctx context.Context, event internal.Event) bool
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Source        Source
	Secret        string
	Ledger        storage.Ledger
	Enqueuer      Enqueuer
	MaxBody       int64
	LedgerTimeout time.Duration
	Logger        *zap.SugaredLogger
}

// Receiver handles one provider endpoint:
// verify, record in the ledger, enqueue, acknowledge. Each step strictly
// precedes the next.
type Receiver struct {
	source        Source
	verifier      signature.Verifier
	secret        string
	ledger        storage.Ledger
	enqueuer      Enqueuer
	maxBody       int64
	ledgerTimeout time.Duration
	logger        *zap.SugaredLogger
	now           func() time.Time
}

func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Source == nil {
		return nil, errors.New("webhook source is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	if opts.Secret == "" {
		logger.Warnw("webhook secret not configured; every delivery will be rejected", "provider", opts.Source.Provider())
	}
	timeout := opts.LedgerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Receiver{
		source:        opts.Source,
		verifier:      opts.Source.Verifier(),
		secret:        opts.Secret,
		ledger:        opts.Ledger,
		enqueuer:      opts.Enqueuer,
		maxBody:       opts.MaxBody,
		ledgerTimeout: timeout,
		logger:        logger.With("provider", opts.Source.Provider()),
		now:           time.Now,
	}, nil
}

type response struct {
	OK         bool   `json:"ok"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ServeHTTP handles an incoming webhook request.
func (h *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := h.source.Provider()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := h.logger.With("request_id", reqID)
	internal.IncRequest(provider)

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			internal.IncRejected(provider, "too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Error: "payload too large"})
			return
		}
		internal.IncRejected(provider, "read")
		writeJSON(w, http.StatusBadRequest, response{Error: "failed to read request body"})
		return
	}

	proof, err := h.source.Proof(r, rawBody)
	if err != nil || !h.verifier.Verify(h.secret, rawBody, proof) {
		internal.IncRejected(provider, "signature")
		logger.Warnw("webhook signature rejected", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, response{Error: "invalid signature"})
		return
	}

	inbound, err := h.source.Extract(r, rawBody)
	if err != nil {
		reason := "malformed payload"
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			reason = inputErr.Reason
		}
		internal.IncRejected(provider, "malformed")
		logger.Warnw("webhook payload rejected", "reason", reason, "error", err)
		writeJSON(w, http.StatusBadRequest, response{Error: reason})
		return
	}
	if inbound.DeliveryID == "" {
		internal.IncRejected(provider, "malformed")
		logger.Warnw("webhook payload rejected", "reason", "missing delivery id")
		writeJSON(w, http.StatusBadRequest, response{Error: "missing delivery id"})
		return
	}
	if inbound.EventType == "" {
		internal.IncRejected(provider, "malformed")
		logger.Warnw("webhook payload rejected", "reason", "missing event type", "delivery_id", inbound.DeliveryID)
		writeJSON(w, http.StatusBadRequest, response{Error: "missing event type"})
		return
	}
	logger = logger.With("delivery_id", inbound.DeliveryID, "event", inbound.EventType)

	ctx, cancel := context.WithTimeout(r.Context(), h.ledgerTimeout)
	inserted, err := h.ledger.TryInsert(ctx, storage.Delivery{
		Provider:   provider,
		DeliveryID: inbound.DeliveryID,
		EventType:  inbound.EventType,
		Payload:    inbound.Payload,
		ReceivedAt: h.now().UTC(),
	})
	cancel()
	if err != nil {
		internal.IncLedgerError(provider)
		logger.Errorw("ledger write failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Error: "ledger unavailable"})
		return
	}

	if !inserted {
		internal.IncDuplicate(provider)
		logger.Infow("duplicate delivery acknowledged")
		w.Header().Set(DuplicateHeader, "true")
		writeJSON(w, http.StatusOK, response{OK: true, DeliveryID: inbound.DeliveryID})
		return
	}

	dispatched := false
	if h.enqueuer != nil {
		dispatched = h.enqueuer.Enqueue(r.Context(), internal.Event{
			Provider:   provider,
			Name:       inbound.EventType,
			DeliveryID: inbound.DeliveryID,
			RequestID:  reqID,
		})
	}
	logger.Infow("delivery recorded", "dispatched", dispatched)
	writeJSON(w, http.StatusOK, response{OK: true, DeliveryID: inbound.DeliveryID})
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return watermill.NewShortUUID()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
