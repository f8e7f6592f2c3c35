package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mymmrac/telego"
)

func newRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest/telegram", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhookAcceptsAndDedupes(t *testing.T) {
	calls := 0
	h := NewHandler(Options{AuthMode: ""}, func(ctx context.Context, update telego.Update, dedupeKey string) error {
		calls++
		return nil
	})

	body := []byte(`{"update_id":42,"message":{"message_id":1,"chat":{"id":1}}}`)

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, newRequest(t, body))
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec1.Code, rec1.Body.String())
	}
	resp1 := decodeResponse(t, rec1)
	if resp1["code"] != "accepted" {
		t.Fatalf("expected accepted, got %v", resp1)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, newRequest(t, body))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 duplicate on second post, got %d", rec2.Code)
	}
	resp2 := decodeResponse(t, rec2)
	if resp2["code"] != "duplicate" {
		t.Fatalf("expected duplicate, got %v", resp2)
	}

	if calls != 1 {
		t.Fatalf("expected dispatcher invoked exactly once, got %d", calls)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	h := NewHandler(Options{}, func(ctx context.Context, update telego.Update, dedupeKey string) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/ingest/telegram", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestWebhookDispatchFailureReleasesReservationForRetry(t *testing.T) {
	attempt := 0
	h := NewHandler(Options{}, func(ctx context.Context, update telego.Update, dedupeKey string) error {
		attempt++
		if attempt == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	body := []byte(`{"update_id":7,"message":{"message_id":1,"chat":{"id":1}}}`)

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, newRequest(t, body))
	if rec1.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on first failing dispatch, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, newRequest(t, body))
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected retry to succeed with 202, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if attempt != 2 {
		t.Fatalf("expected dispatcher invoked twice, got %d", attempt)
	}
}

func TestWebhookBearerAuth(t *testing.T) {
	h := NewHandler(Options{AuthMode: AuthBearer, BearerToken: "secret-token"}, func(ctx context.Context, update telego.Update, dedupeKey string) error { return nil })
	body := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":1}}}`)

	req := newRequest(t, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}

	req2 := newRequest(t, body)
	req2.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid bearer token, got %d", rec2.Code)
	}
}

func TestWebhookHMACAuthRejectsReplayedNonce(t *testing.T) {
	secret := "hmac-secret"
	h := NewHandler(Options{
		AuthMode:   AuthHMAC,
		HMACSecret: secret,
		NonceTTL:   time.Minute,
	}, func(ctx context.Context, update telego.Update, dedupeKey string) error { return nil })

	body := []byte(`{"update_id":3,"message":{"message_id":1,"chat":{"id":1}}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "nonce-abc"
	sig := SignHMAC(secret, ts, nonce, body)

	makeReq := func() *http.Request {
		req := newRequest(t, body)
		req.Header.Set(hmacTimestampHeader, ts)
		req.Header.Set(hmacNonceHeader, nonce)
		req.Header.Set(hmacSignatureHeader, sig)
		return req
	}

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, makeReq())
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec1.Code, rec1.Body.String())
	}

	// Different update_id avoids edge-dedupe so only the nonce replay check applies.
	body2 := []byte(`{"update_id":4,"message":{"message_id":1,"chat":{"id":1}}}`)
	req2 := httptest.NewRequest(http.MethodPost, "/ingest/telegram", bytes.NewReader(body2))
	req2.Header.Set(hmacTimestampHeader, ts)
	req2.Header.Set(hmacNonceHeader, nonce)
	req2.Header.Set(hmacSignatureHeader, SignHMAC(secret, ts, nonce, body2))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replayed nonce, got %d", rec2.Code)
	}
}

func TestWebhookHMACAuthRejectsTamperedSignature(t *testing.T) {
	h := NewHandler(Options{AuthMode: AuthHMAC, HMACSecret: "secret", NonceTTL: time.Minute}, func(ctx context.Context, update telego.Update, dedupeKey string) error { return nil })

	body := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":1}}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := newRequest(t, body)
	req.Header.Set(hmacTimestampHeader, ts)
	req.Header.Set(hmacNonceHeader, "nonce-1")
	req.Header.Set(hmacSignatureHeader, "deadbeef")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on tampered signature, got %d", rec.Code)
	}
}
