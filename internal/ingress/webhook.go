// Package ingress implements spec.md §4.6: the webhook HTTP entry point and
// its long-polling fallback, shared dedupe/auth plumbing, and the canonical
// HMAC signing scheme workers use to verify parity (invariant 4). The JSON
// response shape and writeJSON/bearer-extraction idiom are grounded on
// internal/http/agents.go's authMiddleware and writeJSON helper.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

// AuthMode selects which credential(s) an inbound webhook post must present.
type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthHMAC   AuthMode = "hmac"
	AuthBoth   AuthMode = "both"
)

const (
	hmacTimestampHeader = "x-brewva-timestamp"
	hmacNonceHeader     = "x-brewva-nonce"
	hmacSignatureHeader = "x-brewva-signature"

	defaultMaxBodyBytes = 1 << 20 // 1 MiB platform default
)

// Options configures Handler.
type Options struct {
	Path          string
	MaxBodyBytes  int64
	AuthMode      AuthMode
	BearerToken   string
	HMACSecret    string
	HMACMaxSkewMs int64 // 0 disables the skew check entirely (open-question decision, see SPEC_FULL.md)
	NonceTTL      time.Duration
}

// UpdateHandler dispatches one accepted, deduped update. A non-nil error
// rolls back the reservation and surfaces a 500 to the caller.
type UpdateHandler func(ctx context.Context, update telego.Update, dedupeKey string) error

// Handler is the net/http handler for the configured webhook path.
type Handler struct {
	opts     Options
	nonces   *NonceCache
	dedupe   *ReservationCache
	onUpdate UpdateHandler
}

// NewHandler builds a webhook Handler; onUpdate is invoked once per accepted,
// non-duplicate update.
func NewHandler(opts Options, onUpdate UpdateHandler) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		opts:     opts,
		nonces:   NewNonceCache(),
		dedupe:   NewReservationCache(),
		onUpdate: onUpdate,
	}
}

// ServeHTTP implements spec.md §4.6's request flow.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "code": "method_not_allowed"})
		return
	}

	body, err := readBody(w, r, h.opts.MaxBodyBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "code": "bad_request", "message": err.Error()})
		return
	}

	if ok, reason := h.authenticate(r, body); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "code": "unauthorized", "message": reason})
		return
	}

	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "code": "bad_request", "message": "invalid update payload"})
		return
	}

	dedupeKey := fmt.Sprintf("telegram:update:%d", update.UpdateID)

	switch h.dedupe.Reserve(dedupeKey) {
	case reservationInFlight:
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "code": "duplicate", "dedupeKey": dedupeKey})
		return
	case reservationDone:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "code": "duplicate", "dedupeKey": dedupeKey})
		return
	}

	if err := h.onUpdate(r.Context(), update, dedupeKey); err != nil {
		h.dedupe.Release(dedupeKey)
		slog.Warn("ingress dispatch failed", "dedupe_key", dedupeKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "code": "internal_error", "message": "failed to dispatch update"})
		return
	}

	h.dedupe.MarkDone(dedupeKey)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "code": "accepted", "dedupeKey": dedupeKey})
}

func (h *Handler) authenticate(r *http.Request, body []byte) (bool, string) {
	switch h.opts.AuthMode {
	case AuthBearer:
		if !h.checkBearer(r) {
			return false, "invalid bearer token"
		}
		return true, ""
	case AuthHMAC:
		return h.checkHMAC(r, body)
	case AuthBoth:
		if !h.checkBearer(r) {
			return false, "invalid bearer token"
		}
		return h.checkHMAC(r, body)
	default:
		return true, ""
	}
}

func (h *Handler) checkBearer(r *http.Request) bool {
	token := extractBearerToken(r)
	if token == "" || h.opts.BearerToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.BearerToken)) == 1
}

func (h *Handler) checkHMAC(r *http.Request, body []byte) (bool, string) {
	ts := r.Header.Get(hmacTimestampHeader)
	nonce := r.Header.Get(hmacNonceHeader)
	sig := r.Header.Get(hmacSignatureHeader)
	if ts == "" || nonce == "" || sig == "" {
		return false, "missing hmac headers"
	}

	if h.opts.HMACMaxSkewMs > 0 {
		tsSeconds, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false, "invalid timestamp"
		}
		skewMs := time.Now().UnixMilli() - tsSeconds*1000
		if skewMs < 0 {
			skewMs = -skewMs
		}
		if skewMs > h.opts.HMACMaxSkewMs {
			return false, "timestamp skew exceeded"
		}
	}

	if !h.nonces.Reserve(nonce, h.opts.NonceTTL) {
		return false, "replayed nonce"
	}

	expected := SignHMAC(h.opts.HMACSecret, ts, nonce, body)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return false, "signature mismatch"
	}
	return true, ""
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("request body too large or unreadable")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
