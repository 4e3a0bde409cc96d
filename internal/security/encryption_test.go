// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingKeys counts how often the asymmetric step runs.
type countingKeys struct {
	kp    *KeyPair
	calls int
}

func (c *countingKeys) Decapsulate(ek []byte) ([]byte, error) {
	c.calls++
	return c.kp.Decapsulate(ek)
}

// =============================================================================
// KEY PAIR TESTS
// =============================================================================

func TestKeyPair_AgreementMatchesSender(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.PublicKey(), PublicKeySize)

	sender, ek, err := NewSession(kp.PublicKey())
	require.NoError(t, err)

	key, err := kp.Decapsulate(ek)
	require.NoError(t, err)
	receiver, err := NewSessionKey(key)
	require.NoError(t, err)

	ct, iv, err := sender.Seal([]byte("hello"))
	require.NoError(t, err)
	pt, err := receiver.Open(ct, iv)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestKeyPair_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "client.key")

	kp, created, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	require.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if perm := info.Mode().Perm(); perm&0077 != 0 && os.PathSeparator == '/' {
		t.Errorf("key file permissions = %o, want owner-only", perm)
	}

	loaded, created, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, bytes.Equal(kp.PublicKey(), loaded.PublicKey()))
}

func TestKeyPair_LoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("not base64!!"), 0600))

	_, err := LoadKeyPair(path)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyPair_DecapsulateRejectsShortKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = kp.Decapsulate([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

// =============================================================================
// DECRYPTOR TESTS
// =============================================================================

func TestDecryptor_ReusesSessionKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	keys := &countingKeys{kp: kp}
	dec := NewDecryptor(keys)

	server, ek, err := NewSession(kp.PublicKey())
	require.NoError(t, err)

	var session *SessionKey
	var out bytes.Buffer
	for i, tok := range []string{"The ", "quick ", "brown ", "fox"} {
		ct, iv, err := server.Seal([]byte(tok))
		require.NoError(t, err)

		var frameKey []byte
		if i == 0 {
			frameKey = ek
		}
		var pt []byte
		pt, session, err = dec.Decrypt(ct, iv, frameKey, session)
		require.NoError(t, err)
		out.Write(pt)
	}

	require.Equal(t, "The quick brown fox", out.String())
	require.Equal(t, 1, keys.calls, "session key must be derived once per stream")
}

func TestDecryptor_FailureIsPerFrame(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	dec := NewDecryptor(kp)

	server, ek, err := NewSession(kp.PublicKey())
	require.NoError(t, err)

	ct, iv, err := server.Seal([]byte("first"))
	require.NoError(t, err)
	_, session, err := dec.Decrypt(ct, iv, ek, nil)
	require.NoError(t, err)

	// Tampered frame.
	bad, badIV, err := server.Seal([]byte("second"))
	require.NoError(t, err)
	bad[0] ^= 0xff
	_, kept, err := dec.Decrypt(bad, badIV, nil, session)
	require.ErrorIs(t, err, ErrFrameDecrypt)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.Same(t, session, kept)

	// Wrong IV length.
	_, _, err = dec.Decrypt(ct, iv[:4], nil, session)
	require.ErrorIs(t, err, ErrInvalidNonce)

	// The stream carries on.
	ct, iv, err = server.Seal([]byte("third"))
	require.NoError(t, err)
	pt, _, err := dec.Decrypt(ct, iv, nil, session)
	require.NoError(t, err)
	require.Equal(t, "third", string(pt))
}

func TestDecryptor_MissingSessionKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	dec := NewDecryptor(kp)

	_, session, err := dec.Decrypt([]byte("x"), make([]byte, NonceSize), nil, nil)
	require.Nil(t, session)
	if !errors.Is(err, ErrFrameDecrypt) || !errors.Is(err, ErrMissingSessionKey) {
		t.Fatalf("Decrypt() error = %v, want ErrFrameDecrypt and ErrMissingSessionKey", err)
	}
}

func TestDecryptor_OpenTitle(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	dec := NewDecryptor(kp)

	env, err := Seal(kp.PublicKey(), []byte("Weekend plans"))
	require.NoError(t, err)

	title, err := dec.OpenTitle(env.Ciphertext, env.IV, env.EncapsulatedKey)
	require.NoError(t, err)
	require.Equal(t, "Weekend plans", title)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = NewDecryptor(other).OpenTitle(env.Ciphertext, env.IV, env.EncapsulatedKey)
	require.ErrorIs(t, err, ErrFrameDecrypt)
}

func TestSeal_FreshNonces(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		env, err := Seal(kp.PublicKey(), []byte("same"))
		require.NoError(t, err)
		require.Len(t, env.IV, NonceSize)
		require.False(t, seen[string(env.IV)], "nonce reused")
		seen[string(env.IV)] = true
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	require.Equal(t, []byte{0, 0, 0}, b)
}
