// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/cipher"
	"fmt"
)

// =============================================================================
// SESSION KEY
// =============================================================================

// Decapsulator unwraps an encapsulated key into a symmetric session key.
// *KeyPair is the standard implementation.
type Decapsulator interface {
	Decapsulate(encapsulatedKey []byte) ([]byte, error)
}

// SessionKey is the symmetric key shared by every encrypted frame of one
// stream. It is established once from the stream's encapsulated key.
type SessionKey struct {
	aead cipher.AEAD
}

// NewSessionKey wraps raw key bytes. The caller may zero key afterwards.
func NewSessionKey(key []byte) (*SessionKey, error) {
	aead, err := initCipher(key)
	if err != nil {
		return nil, err
	}
	return &SessionKey{aead: aead}, nil
}

// Open decrypts one payload.
func (s *SessionKey) Open(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonce, len(iv))
	}
	plaintext, err := s.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal encrypts one payload under a fresh IV.
func (s *SessionKey) Seal(plaintext []byte) (ciphertext, iv []byte, err error) {
	iv, err = randomNonce()
	if err != nil {
		return nil, nil, err
	}
	return s.aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// =============================================================================
// DECRYPTOR
// =============================================================================

// Decryptor opens encrypted stream frames.
type Decryptor struct {
	keys Decapsulator
}

// NewDecryptor creates a decryptor that unwraps encapsulated keys with keys.
func NewDecryptor(keys Decapsulator) *Decryptor {
	return &Decryptor{keys: keys}
}

// Decrypt opens one frame. When session is nil the session key is derived
// from encapsulatedKey; otherwise session is used and encapsulatedKey is
// ignored. The returned key must be passed to every later call for the same
// stream. Every error matches ErrFrameDecrypt and affects only this frame.
func (d *Decryptor) Decrypt(ciphertext, iv, encapsulatedKey []byte, session *SessionKey) ([]byte, *SessionKey, error) {
	if session == nil {
		if len(encapsulatedKey) == 0 {
			return nil, nil, fmt.Errorf("%w: %w", ErrFrameDecrypt, ErrMissingSessionKey)
		}
		var err error
		session, err = d.establish(encapsulatedKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrFrameDecrypt, err)
		}
	}

	plaintext, err := session.Open(ciphertext, iv)
	if err != nil {
		return nil, session, fmt.Errorf("%w: %w", ErrFrameDecrypt, err)
	}
	return plaintext, session, nil
}

// OpenTitle decrypts a conversation title. Titles carry their own
// encapsulated key and never share the content stream's session.
func (d *Decryptor) OpenTitle(ciphertext, iv, encapsulatedKey []byte) (string, error) {
	session, err := d.establish(encapsulatedKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFrameDecrypt, err)
	}
	plaintext, err := session.Open(ciphertext, iv)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFrameDecrypt, err)
	}
	return string(plaintext), nil
}

func (d *Decryptor) establish(encapsulatedKey []byte) (*SessionKey, error) {
	if d.keys == nil {
		return nil, fmt.Errorf("%w: no key pair configured", ErrInvalidKey)
	}
	key, err := d.keys.Decapsulate(encapsulatedKey)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return NewSessionKey(key)
}
