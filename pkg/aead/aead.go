// Package aead provides the authenticated-encryption primitive shared
// by the Session Manager's encrypted envelopes and the Vector Loader's
// at-rest blob encryption. Built on golang.org/x/crypto/chacha20poly1305,
// already part of the dependency graph via go-ethereum/cometbft.
package aead

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the session key length in bytes (32-byte
// symmetric session key).
const KeySize = chacha20poly1305.KeySize

// Envelope is the wire shape of an encrypted payload:
// hex-encoded ciphertext, nonce, and associated data.
type Envelope struct {
	CiphertextHex string `json:"ciphertextHex"`
	NonceHex      string `json:"nonceHex"`
	AADHex        string `json:"aadHex"`
}

// GenerateKey returns a fresh CSPRNG session key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key, binding aad as associated data,
// and returns the wire envelope.
func Seal(key [KeySize]byte, plaintext, aad []byte) (Envelope, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("construct AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	return Envelope{
		CiphertextHex: hex.EncodeToString(ciphertext),
		NonceHex:      hex.EncodeToString(nonce),
		AADHex:        hex.EncodeToString(aad),
	}, nil
}

// Open decrypts env under key, verifying the associated data embedded
// in the envelope, and returns the plaintext.
func Open(key [KeySize]byte, env Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct AEAD: %w", err)
	}
	ciphertext, err := hex.DecodeString(env.CiphertextHex)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := hex.DecodeString(env.NonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d, want %d", len(nonce), aead.NonceSize())
	}
	aad, err := hex.DecodeString(env.AADHex)
	if err != nil {
		return nil, fmt.Errorf("decode aad: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites key material in place ("on any close path
// the key ... is zeroed").
func Zero(key *[KeySize]byte) {
	for i := range key {
		key[i] = 0
	}
}
