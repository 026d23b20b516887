package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func randomKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func mustEncryptor(t *testing.T, id string) *AESEncryptor {
	t.Helper()
	enc, err := NewAESEncryptorWithID(id, randomKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptorWithID() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{
			name:      "empty key",
			key:       "",
			wantError: true,
			errorMsg:  "encryption key is empty",
		},
		{
			name:      "invalid base64",
			key:       "not-valid-base64!@#$",
			wantError: true,
			errorMsg:  "base64 decode failed",
		},
		{
			name:      "key too short",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 16)),
			wantError: true,
			errorMsg:  "must be 32 bytes",
		},
		{
			name: "valid 32-byte key with trailing newline",
			key:  base64.StdEncoding.EncodeToString(make([]byte, 32)) + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Fatalf("NewAESEncryptor() expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAESEncryptor() unexpected error = %v", err)
			}
			if enc.KeyID() != DefaultKeyID {
				t.Errorf("KeyID() = %q, want %q", enc.KeyID(), DefaultKeyID)
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := mustEncryptor(t, "k1")
	for _, plaintext := range []string{"hello", "oauth:abcdefghijklmnop", strings.Repeat("a", 1000), "Hello 世界 🌍"} {
		ciphertext, err := enc.Encrypt([]byte(plaintext), []byte("twitch"))
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Contains(ciphertext, []byte(plaintext)) {
			t.Errorf("ciphertext contains plaintext")
		}
		decrypted, err := enc.Decrypt(ciphertext, []byte("twitch"))
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(decrypted) != plaintext {
			t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncrypt_RandomNonce(t *testing.T) {
	enc := mustEncryptor(t, "k1")
	c1, err := enc.Encrypt([]byte("same"), nil)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := enc.Encrypt([]byte("same"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(c1, c2) {
		t.Errorf("identical ciphertexts for same plaintext")
	}
	if _, err := enc.Encrypt(nil, nil); err == nil {
		t.Errorf("expected error for empty plaintext")
	}
}

func TestDecrypt_Failures(t *testing.T) {
	enc := mustEncryptor(t, "k1")
	other := mustEncryptor(t, "k2")
	good, err := enc.Encrypt([]byte("secret"), []byte("twitch"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Clone(good)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name       string
		enc        Encryptor
		ciphertext []byte
		aad        string
		errorMsg   string
	}{
		{name: "empty", enc: enc, ciphertext: nil, aad: "twitch", errorMsg: "ciphertext is empty"},
		{name: "too short", enc: enc, ciphertext: []byte("short"), aad: "twitch", errorMsg: "too short"},
		{name: "tampered", enc: enc, ciphertext: tampered, aad: "twitch", errorMsg: "integrity check failed"},
		{name: "wrong aad", enc: enc, ciphertext: good, aad: "youtube", errorMsg: "integrity check failed"},
		{name: "wrong key", enc: other, ciphertext: good, aad: "twitch", errorMsg: "integrity check failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Decrypt(tt.ciphertext, []byte(tt.aad))
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Decrypt() error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestEncryptDecryptString(t *testing.T) {
	enc := mustEncryptor(t, "k1")
	out, err := EncryptString(enc, "", "twitch")
	if err != nil || out != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", out, err)
	}
	sealed, err := EncryptString(enc, "refresh-token", "twitch")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := base64.StdEncoding.DecodeString(sealed); err != nil {
		t.Errorf("EncryptString output is not base64: %v", err)
	}
	opened, err := DecryptString(enc, sealed, "twitch")
	if err != nil || opened != "refresh-token" {
		t.Errorf("DecryptString() = %q, %v", opened, err)
	}
	if _, err := DecryptString(enc, "!!!", "twitch"); err == nil || !strings.Contains(err.Error(), "base64 decode failed") {
		t.Errorf("expected base64 error, got %v", err)
	}
}

func TestKeyring(t *testing.T) {
	old := mustEncryptor(t, "2023")
	cur := mustEncryptor(t, "2024")
	dup := mustEncryptor(t, "2024")
	k := NewKeyring(cur, old, dup)

	if k.Primary().KeyID() != "2024" {
		t.Errorf("Primary() = %q", k.Primary().KeyID())
	}
	sealed, err := EncryptString(old, "legacy", "twitch")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := k.Lookup("2023")
	if err != nil {
		t.Fatalf("Lookup(2023) error = %v", err)
	}
	if got, err := DecryptString(enc, sealed, "twitch"); err != nil || got != "legacy" {
		t.Errorf("retired key decrypt = %q, %v", got, err)
	}
	if got, _ := k.Lookup("2024"); got != Encryptor(cur) {
		t.Errorf("duplicate id replaced the primary")
	}
	if _, err := k.Lookup("missing"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestParseKeyring(t *testing.T) {
	k1, k2 := randomKey(t), randomKey(t)

	k, err := ParseKeyring("", "", "")
	if err != nil || k != nil {
		t.Errorf("empty config = %v, %v; want nil keyring", k, err)
	}
	if _, err := ParseKeyring("", "", "old:"+k1); err == nil {
		t.Errorf("expected error for previous keys without primary")
	}

	k, err = ParseKeyring("v2", k2, " v1:"+k1+" ,")
	if err != nil {
		t.Fatalf("ParseKeyring() error = %v", err)
	}
	if k.Primary().KeyID() != "v2" {
		t.Errorf("primary id = %q", k.Primary().KeyID())
	}
	if _, err := k.Lookup("v1"); err != nil {
		t.Errorf("Lookup(v1) error = %v", err)
	}

	if _, err := ParseKeyring("v2", k2, "nocolon"); err == nil {
		t.Errorf("expected error for malformed entry")
	}
	if _, err := ParseKeyring("v2", k2, "v1:short"); err == nil {
		t.Errorf("expected error for bad previous key")
	}
}
