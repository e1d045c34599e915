// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault provides symmetric encryption for identity fields held in
// the local stores.
//
// All values are encrypted with AES-256-GCM under a single process-wide
// key derived with PBKDF2-SHA-256 from a build-time constant. There is no
// key rotation; the key is a shared client-side secret, so the vault is an
// obfuscation layer for data at rest, not a defense against an attacker
// holding the binary.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks a value as encrypted (format: ENC:base64(nonce|ciphertext|tag)).
const EncryptedPrefix = "ENC:"

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits).
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits).
const KeySize = 32

// pbkdf2Iterations is the PBKDF2-SHA-256 iteration count.
const pbkdf2Iterations = 600000

// processSecret is the build-time constant the process key derives from.
// Overridable at link time: -ldflags "-X .../internal/vault.processSecret=...".
var processSecret = "studygate-client-2025"

// processSalt is fixed so every process derives the same key; the durable
// store written by one run must decrypt in the next.
var processSalt = []byte("studygate.identity.v1")

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEncryptFailed indicates the AEAD seal could not be performed.
	ErrEncryptFailed = errors.New("vault: encryption failed")
)

// =============================================================================
// VAULT
// =============================================================================

// Vault encrypts and decrypts strings with the process-wide key.
type Vault struct {
	mu   sync.RWMutex
	aead cipher.AEAD
}

// New creates a Vault with the process-wide derived key.
func New() *Vault {
	key := pbkdf2.Key([]byte(processSecret), processSalt, pbkdf2Iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		// Unreachable with a 32-byte key.
		panic("vault: " + err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic("vault: " + err.Error())
	}
	return &Vault{aead: aead}
}

// EncryptString encrypts a string and returns base64-encoded ciphertext
// with the ENC: prefix. The empty string encrypts to the empty string, so
// "absent" survives a round trip as "absent".
func (v *Vault) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptFailed
	}

	ciphertext := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts a value produced by EncryptString.
//
// Malformed, tampered, or absent ciphertext yields the empty string, never
// an error: callers must treat "" as "no identity available", not as a
// valid decrypted value.
func (v *Vault) DecryptString(value string) string {
	if value == "" {
		return ""
	}
	// Every vault-written value carries the prefix; anything else is
	// malformed rather than passthrough plaintext.
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return ""
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return ""
	}
	if len(data) < NonceSize {
		return ""
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}

// IsEncrypted reports whether a value carries the ENC: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}
