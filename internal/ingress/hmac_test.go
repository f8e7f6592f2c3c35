package ingress

import "testing"

func TestSignHMACParity(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	a := SignHMAC("secret", "1700000000", "nonce-1", body)
	b := SignHMAC("secret", "1700000000", "nonce-1", body)
	if a != b {
		t.Fatalf("expected byte-for-byte parity, got %q vs %q", a, b)
	}
}

func TestSignHMACDiffersOnAnyInputChange(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	base := SignHMAC("secret", "1700000000", "nonce-1", body)

	if SignHMAC("other-secret", "1700000000", "nonce-1", body) == base {
		t.Fatal("expected signature to change with a different secret")
	}
	if SignHMAC("secret", "1700000001", "nonce-1", body) == base {
		t.Fatal("expected signature to change with a different timestamp")
	}
	if SignHMAC("secret", "1700000000", "nonce-2", body) == base {
		t.Fatal("expected signature to change with a different nonce")
	}
	if SignHMAC("secret", "1700000000", "nonce-1", []byte(`{"update_id":2}`)) == base {
		t.Fatal("expected signature to change with a different body")
	}
}
