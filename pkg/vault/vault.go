// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vault implements the Credential Vault (C1): authenticated
// symmetric encryption of provider tokens and webhook secrets at rest,
// keyed by a process-wide secret sourced from configuration at startup.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ciphertext layout: key_id (1 byte) || nonce (24 bytes) || sealed box.
// The key id lets a future key rotation keep decrypting material sealed
// under an older key while new writes seal under the current one.
const nonceSize = chacha20poly1305.NonceSizeX

// Vault provides authenticated encrypt/decrypt of secret bytes.
type Vault struct {
	currentKeyID byte
	keys         map[byte]cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New constructs a Vault from a base64-encoded 32-byte key and its
// identifier. A missing or malformed key is fatal at startup, per spec:
// "missing/invalid key is fatal."
func New(keyID string, base64Key string) (*Vault, error) {
	if len(keyID) == 0 {
		return nil, fmt.Errorf("vault: key id must not be empty")
	}
	if keyID[0] > 255 {
		return nil, fmt.Errorf("vault: key id out of range")
	}

	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decode encryption key: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}

	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to initialize cipher: %w", err)
	}

	id := keyIDByte(keyID)
	return &Vault{
		currentKeyID: id,
		keys:         map[byte]cipherAEAD{id: aead},
	}, nil
}

// WithPreviousKey registers an additional key usable for decryption only,
// supporting rotation: new ciphertexts always seal under the current key,
// but material sealed under a retired key still decrypts.
func (v *Vault) WithPreviousKey(keyID string, base64Key string) error {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return fmt.Errorf("vault: failed to decode previous key: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return fmt.Errorf("vault: previous key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return fmt.Errorf("vault: failed to initialize previous cipher: %w", err)
	}
	v.keys[keyIDByte(keyID)] = aead
	return nil
}

func keyIDByte(keyID string) byte {
	// Key ids are small human-assigned rotation generations ("1", "2",
	// ...), folded into a single byte by a multiplicative string hash.
	// Distinct ids can share a byte (for example "10" and "98" both map
	// to 31).
	var b byte
	for i := 0; i < len(keyID); i++ {
		b = b*31 + keyID[i]
	}
	return b
}

// Encrypt seals plaintext under the current key. Distinct calls with the
// same plaintext yield distinct ciphertexts because the nonce is fresh
// random bytes each time.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	aead := v.keys[v.currentKeyID]
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+nonceSize+len(sealed))
	out = append(out, v.currentKeyID)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens ciphertext produced by Encrypt. It looks up the AEAD by
// the key id embedded in the ciphertext so rotated-out keys still work
// for previously sealed material.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+nonceSize {
		return nil, fmt.Errorf("vault: ciphertext too short")
	}
	keyID := ciphertext[0]
	nonce := ciphertext[1 : 1+nonceSize]
	sealed := ciphertext[1+nonceSize:]

	aead, ok := v.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("vault: unknown key id %d", keyID)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for string secrets.
func (v *Vault) EncryptString(s string) ([]byte, error) {
	return v.Encrypt([]byte(s))
}

// DecryptString is a convenience wrapper for string secrets.
func (v *Vault) DecryptString(ciphertext []byte) (string, error) {
	pt, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
