// Package crypto encrypts OAuth tokens at rest with AES-256-GCM. Every ciphertext
// is tagged with the id of the key that produced it so keys can be rotated while
// older rows stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultKeyID names a key configured without an explicit id.
const DefaultKeyID = "default"

// ErrUnknownKey is returned when a ciphertext names a key the keyring does not hold.
var ErrUnknownKey = errors.New("crypto: unknown encryption key id")

// Encryptor is an AEAD bound to one key. The associated data is authenticated but
// not stored; the same value must be supplied to Decrypt.
type Encryptor interface {
	KeyID() string
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM. Output is nonce || ciphertext || tag.
type AESEncryptor struct {
	id   string
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key.
// Generate one with:
//
//	openssl rand -base64 32
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	return NewAESEncryptorWithID(DefaultKeyID, base64Key)
}

// NewAESEncryptorWithID is NewAESEncryptor with an explicit key id.
func NewAESEncryptorWithID(id, base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	if id == "" {
		id = DefaultKeyID
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key %q: base64 decode failed: %w", id, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key %q: must be 32 bytes (256 bits), got %d bytes", id, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{id: id, aead: aead}, nil
}

// KeyID returns the id ciphertexts from this encryptor are tagged with.
func (e *AESEncryptor) KeyID() string { return e.id }

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESEncryptor) Encrypt(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same aad.
func (e *AESEncryptor) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		// Open's error carries no useful detail and must not leak any.
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Keyring holds the key new data is sealed with plus retired keys that can still
// open older ciphertexts.
type Keyring struct {
	primary Encryptor
	byID    map[string]Encryptor
}

// NewKeyring builds a keyring. previous keys are used only for decryption; a
// previous key sharing the primary's id is ignored.
func NewKeyring(primary Encryptor, previous ...Encryptor) *Keyring {
	k := &Keyring{primary: primary, byID: map[string]Encryptor{primary.KeyID(): primary}}
	for _, p := range previous {
		if _, dup := k.byID[p.KeyID()]; !dup {
			k.byID[p.KeyID()] = p
		}
	}
	return k
}

// ParseKeyring builds a keyring from a primary key and a comma separated list of
// id:base64key pairs for retired keys. An empty primary key yields a nil keyring,
// which callers treat as "store in plaintext".
func ParseKeyring(primaryID, primaryKey, previous string) (*Keyring, error) {
	if strings.TrimSpace(primaryKey) == "" {
		if strings.TrimSpace(previous) != "" {
			return nil, fmt.Errorf("previous encryption keys configured without a primary key")
		}
		return nil, nil
	}
	primary, err := NewAESEncryptorWithID(primaryID, primaryKey)
	if err != nil {
		return nil, err
	}
	var old []Encryptor
	for _, pair := range strings.Split(previous, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, key, ok := strings.Cut(pair, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid previous encryption key entry: want id:base64key")
		}
		enc, err := NewAESEncryptorWithID(id, key)
		if err != nil {
			return nil, err
		}
		old = append(old, enc)
	}
	return NewKeyring(primary, old...), nil
}

// Primary returns the encryptor used for new data.
func (k *Keyring) Primary() Encryptor { return k.primary }

// Lookup returns the encryptor for id.
func (k *Keyring) Lookup(id string) (Encryptor, error) {
	if id == "" {
		id = DefaultKeyID
	}
	enc, ok := k.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, id)
	}
	return enc, nil
}

// EncryptString seals plaintext and returns base64 ciphertext for text columns.
// The empty string encrypts to the empty string.
func EncryptString(enc Encryptor, plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := enc.Encrypt([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, base64Ciphertext, aad string) (string, error) {
	if base64Ciphertext == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(base64Ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := enc.Decrypt(ciphertext, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
