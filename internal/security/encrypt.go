// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the end-to-end encryption used by the chat
// stream: X25519 key agreement, HKDF-SHA-256 key derivation and
// AES-256-GCM authenticated encryption.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// =============================================================================
// SECURITY HELPER FUNCTIONS
// =============================================================================

// ZeroBytes zeros sensitive byte slices so key material does not linger in
// memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits)
const KeySize = 32

// PublicKeySize is the size of an X25519 public key.
const PublicKeySize = curve25519.PointSize

// sessionKeyInfo binds derived keys to this protocol.
var sessionKeyInfo = []byte("veilchat stream session key v1")

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrFrameDecrypt matches every failure to decrypt one stream frame.
	ErrFrameDecrypt = errors.New("frame decryption failed")
	// ErrMissingSessionKey indicates an encrypted frame arrived before any
	// encapsulated key established the session.
	ErrMissingSessionKey = errors.New("no session key established")
	// ErrInvalidKey indicates key material of the wrong size or shape.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrInvalidNonce indicates an IV that is not NonceSize bytes.
	ErrInvalidNonce = errors.New("invalid nonce size")
	// ErrDecryptionFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// KEY DERIVATION
// =============================================================================

// deriveKey turns an X25519 shared secret into an AES-256 key. The salt
// binds the key to both public keys of the exchange.
func deriveKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, sessionKeyInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// initCipher initializes the AES-GCM cipher with the given key.
func initCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

// randomNonce returns a fresh NonceSize-byte IV.
func randomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
