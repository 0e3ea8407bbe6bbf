// Package security implements the AEAD sealing used to bind a channel's
// short-ID to the virtual agent that owns it, so that producer addresses
// cannot be forged without the owning agent's key.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KeySize is the length in bytes of an agent's AES-256 key.
const KeySize = 32

// ShortIDSize is the length in bytes of a channel short-ID (128-bit MD5).
const ShortIDSize = 16

// GenerateAgentKey returns a fresh random 256-bit key for a new agent.
func GenerateAgentKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}
	return key, nil
}

// SealChannelID seals a channel short-ID under the owning agent's key.
// It returns urlsafe-base64-without-padding of nonce ∥ ciphertext ∥ tag.
func SealChannelID(key []byte, shortID [ShortIDSize]byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("seal channel id: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("seal channel id: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("seal channel id: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, shortID[:], nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenChannelID reverses SealChannelID. It fails if the token cannot be
// decoded, is too short to contain a nonce and tag, or does not
// authenticate under key.
func OpenChannelID(key []byte, token string) ([ShortIDSize]byte, error) {
	var shortID [ShortIDSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return shortID, fmt.Errorf("open channel id: decode: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return shortID, fmt.Errorf("open channel id: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return shortID, fmt.Errorf("open channel id: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return shortID, fmt.Errorf("open channel id: token too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return shortID, fmt.Errorf("open channel id: authentication failed: %w", err)
	}
	if len(plaintext) != ShortIDSize {
		return shortID, fmt.Errorf("open channel id: unexpected short-id length %d", len(plaintext))
	}

	copy(shortID[:], plaintext)
	return shortID, nil
}
