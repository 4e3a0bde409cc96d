// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// Envelope is one payload encrypted to a recipient's public key.
type Envelope struct {
	Ciphertext      []byte
	IV              []byte
	EncapsulatedKey []byte
}

// NewSession establishes a fresh session key for recipientPub. The returned
// encapsulated key lets the recipient derive the same session key with
// Decapsulate.
func NewSession(recipientPub []byte) (*SessionKey, []byte, error) {
	if len(recipientPub) != PublicKeySize {
		return nil, nil, fmt.Errorf("%w: recipient key is %d bytes", ErrInvalidKey, len(recipientPub))
	}

	ephemeral := make([]byte, curve25519.ScalarSize)
	defer ZeroBytes(ephemeral)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeral, recipientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer ZeroBytes(shared)

	key, err := deriveKey(shared, ephemeralPub, recipientPub)
	if err != nil {
		return nil, nil, err
	}
	defer ZeroBytes(key)

	session, err := NewSessionKey(key)
	if err != nil {
		return nil, nil, err
	}
	return session, ephemeralPub, nil
}

// Seal encrypts plaintext to recipientPub under a one-off session.
func Seal(recipientPub, plaintext []byte) (*Envelope, error) {
	session, encapsulated, err := NewSession(recipientPub)
	if err != nil {
		return nil, err
	}
	ciphertext, iv, err := session.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return &Envelope{Ciphertext: ciphertext, IV: iv, EncapsulatedKey: encapsulated}, nil
}
