// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/jeranaias/veilchat/internal/util"
)

// =============================================================================
// KEY PAIR
// =============================================================================

// KeyPair is the client's long-lived X25519 identity. Its public half is
// sent with every request so the server can encrypt replies to it.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	public  [curve25519.PointSize]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	kp, err := keyPairFromPrivate(priv[:])
	ZeroBytes(priv[:])
	return kp, err
}

func keyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	kp := &KeyPair{}
	copy(kp.private[:], priv)
	copy(kp.public[:], pub)
	return kp, nil
}

// PublicKey returns a copy of the public key.
func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public[:])
	return out
}

// PublicKeyBase64 returns the public key in the encoding used on the wire.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

// Zero wipes the private key. The key pair is unusable afterwards.
func (k *KeyPair) Zero() {
	ZeroBytes(k.private[:])
}

// Decapsulate derives the session key wrapped by an encapsulated key. The
// encapsulated key is the sender's ephemeral X25519 public key.
func (k *KeyPair) Decapsulate(encapsulatedKey []byte) ([]byte, error) {
	if len(encapsulatedKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: encapsulated key is %d bytes", ErrInvalidKey, len(encapsulatedKey))
	}
	shared, err := curve25519.X25519(k.private[:], encapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer ZeroBytes(shared)
	return deriveKey(shared, encapsulatedKey, k.public[:])
}

// =============================================================================
// KEY FILES
// =============================================================================

// SaveKeyPair writes the private key to path as base64 with owner-only
// permissions.
func SaveKeyPair(path string, k *KeyPair) error {
	data := []byte(base64.StdEncoding.EncodeToString(k.private[:]) + "\n")
	defer ZeroBytes(data)
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to save key pair: %w", err)
	}
	return nil
}

// LoadKeyPair reads a key pair written by SaveKeyPair.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	defer ZeroBytes(data)

	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: key file is not base64", ErrInvalidKey)
	}
	defer ZeroBytes(priv)
	return keyPairFromPrivate(priv)
}

// LoadOrCreateKeyPair loads the key pair at path, generating and saving a
// new one when the file does not exist.
func LoadOrCreateKeyPair(path string) (*KeyPair, bool, error) {
	kp, err := LoadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}
