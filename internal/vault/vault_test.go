package vault

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, keyLen)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)

	opaque, err := v.Encrypt("sk-super-secret-api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if opaque == "sk-super-secret-api-key" {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := v.Decrypt(opaque)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "sk-super-secret-api-key" {
		t.Errorf("got %q, want original plaintext", got)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	v := testVault(t)
	opaque, err := v.Encrypt("")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := v.Decrypt(opaque)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty round-trip, got %q", got)
	}
}

func TestDecryptEmptyOpaqueReturnsEmpty(t *testing.T) {
	v := testVault(t)
	got, err := v.Decrypt("")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v := testVault(t)
	opaque, err := v.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := opaque[:len(opaque)-2] + "zz"
	if _, err := v.Decrypt(tampered); err == nil {
		t.Error("expected decrypt to fail on tampered ciphertext")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	v1 := testVault(t)
	opaque, err := v1.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	otherKey := make([]byte, keyLen)
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	v2, _ := New(otherKey)
	if _, err := v2.Decrypt(opaque); err == nil {
		t.Error("expected decrypt with a different key to fail")
	}
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	if _, err := New([]byte("too-short")); err == nil {
		t.Error("expected error for non-32-byte key")
	}
}

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "****"},
		{"sk-1234567890abcdef", "sk-1...cdef"},
	}
	for _, c := range cases {
		if got := Mask(c.in); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMaskNeverRevealsMiddle(t *testing.T) {
	secret := "sk-abcdefghijklmnopqrstuvwxyz"
	masked := Mask(secret)
	if len(masked) > 11 {
		t.Errorf("masked value too long: %q", masked)
	}
	middle := secret[4 : len(secret)-4]
	if len(middle) >= 5 {
		for i := 0; i+5 <= len(middle); i++ {
			if contains(masked, middle[i:i+5]) {
				t.Errorf("masked value leaks a substring of the secret middle: %q", masked)
			}
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestLoadKeyFromHexSecret(t *testing.T) {
	raw := make([]byte, keyLen)
	for i := range raw {
		raw[i] = byte(i * 2)
	}
	key, err := LoadKey(hex.EncodeToString(raw), "", nil)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if hex.EncodeToString(key) != hex.EncodeToString(raw) {
		t.Error("expected hex-decoded key to round-trip")
	}
}

func TestLoadKeyDerivesFromPassphrase(t *testing.T) {
	key1, err := LoadKey("a memorable but not 32-byte passphrase", "", nil)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	key2, err := LoadKey("a memorable but not 32-byte passphrase", "", nil)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if len(key1) != keyLen {
		t.Fatalf("expected %d-byte derived key, got %d", keyLen, len(key1))
	}
	if hex.EncodeToString(key1) != hex.EncodeToString(key2) {
		t.Error("expected the same passphrase to derive the same key deterministically")
	}
}

func TestLoadKeyGeneratesAndPersists(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "vault.key")
	var warned string
	key1, err := LoadKey("", statePath, func(msg string) { warned = msg })
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if warned == "" {
		t.Error("expected a one-time warning when generating a fresh key")
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected key to be persisted: %v", err)
	}

	key2, err := LoadKey("", statePath, func(string) { t.Error("should not warn when reusing a persisted key") })
	if err != nil {
		t.Fatalf("LoadKey second call: %v", err)
	}
	if hex.EncodeToString(key1) != hex.EncodeToString(key2) {
		t.Error("expected the persisted key to be reused across restarts")
	}
}
