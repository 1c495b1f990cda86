package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const configHint = "set app.issuer_id and app.private_key (or app.private_key_path) in the config file"

// TokenBroker is the slice of the installation broker the endpoint needs.
type TokenBroker interface {
	GetToken(ctx context.Context, installationID int64) (ghprovider.InstallationToken, error)
}

// RequireAPIKey guards internal routes with a bearer key.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenHandler serves GET /internal/installations/{id}/token.
type TokenHandler struct {
	Broker TokenBroker
	Logger *zap.SugaredLogger
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "error": "method not allowed"})
		return
	}
	installationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || installationID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid installation id"})
		return
	}

	tok, err := h.Broker.GetToken(r.Context(), installationID)
	if err != nil {
		var cfgErr *ghprovider.ConfigError
		var exchangeErr *ghprovider.ExchangeError
		switch {
		case errors.As(err, &cfgErr):
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ok":      false,
				"error":   ghprovider.ErrConfigurationMissing.Error(),
				"missing": cfgErr.Missing,
				"hint":    configHint,
			})
		case errors.Is(err, ghprovider.ErrConfigurationMissing):
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ok":    false,
				"error": ghprovider.ErrConfigurationMissing.Error(),
				"hint":  configHint,
			})
		case errors.As(err, &exchangeErr):
			h.logf("token exchange failed", "installation_id", installationID, "status", exchangeErr.StatusCode)
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"ok":     false,
				"error":  "token exchange failed",
				"status": exchangeErr.StatusCode,
			})
		default:
			h.logf("token request failed", "installation_id", installationID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "token request failed"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"token":       tok.Token,
		"expires_at":  tok.ExpiresAt.UTC().Format(time.RFC3339),
		"permissions": tok.Permissions,
		"cached":      tok.Cached,
	})
}

func (h *TokenHandler) logf(msg string, keysAndValues ...interface{}) {
	if h.Logger != nil {
		h.Logger.Warnw(msg, keysAndValues...)
	}
}

// DeliveryHandler serves GET /internal/deliveries/{provider}/{id} from the ledger.
type DeliveryHandler struct {
	Ledger storage.Ledger
	Logger *zap.SugaredLogger
}

type deliveryView struct {
	Provider    string          `json:"provider"`
	DeliveryID  string          `json:"delivery_id"`
	EventType   string          `json:"event_type"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *DeliveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "error": "method not allowed"})
		return
	}
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	deliveryID := strings.TrimSpace(chi.URLParam(r, "id"))
	if provider == "" || deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "missing provider or delivery id"})
		return
	}
	delivery, err := h.Ledger.Get(r.Context(), provider, deliveryID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Errorw("ledger lookup failed", "provider", provider, "delivery_id", deliveryID, "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "ledger unavailable"})
		return
	}
	if delivery == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "delivery not found"})
		return
	}
	writeJSON(w, http.StatusOK, deliveryView{
		Provider:    delivery.Provider,
		DeliveryID:  delivery.DeliveryID,
		EventType:   delivery.EventType,
		ReceivedAt:  delivery.ReceivedAt,
		Processed:   delivery.Processed,
		ProcessedAt: delivery.ProcessedAt,
		Payload:     delivery.Payload,
	})
}

// Routes mounts the internal endpoints behind the API key.
func Routes(key string, broker TokenBroker, ledger storage.Ledger, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequireAPIKey(key))
	r.Method(http.MethodGet, "/installations/{id}/token", &TokenHandler{Broker: broker, Logger: logger})
	if ledger != nil {
		r.Method(http.MethodGet, "/deliveries/{provider}/{id}", &DeliveryHandler{Ledger: ledger, Logger: logger})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
