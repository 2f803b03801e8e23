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

package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestVault_RoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New("1", testKey(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sizes := []int{0, 1, 16, 1024, 65536}
	for _, n := range sizes {
		plaintext := make([]byte, n)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("failed to generate plaintext: %v", err)
		}

		ciphertext, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}

		if bytes.Equal(ciphertext, plaintext) {
			t.Fatalf("ciphertext must not equal plaintext bytes")
		}

		got, err := v.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch for size %d", n)
		}
	}
}

func TestVault_DistinctCiphertexts(t *testing.T) {
	t.Parallel()

	v, err := New("1", testKey(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	plaintext := []byte("super-secret-access-token")
	c1, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(c1, c2) {
		t.Fatalf("two encryptions of the same plaintext must not be equal")
	}
}

func TestVault_InvalidKey(t *testing.T) {
	t.Parallel()

	if _, err := New("1", "not-base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64 key")
	}

	if _, err := New("1", base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestVault_KeyRotation(t *testing.T) {
	t.Parallel()

	oldKey := testKey(t)
	v1, err := New("1", oldKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ciphertext, err := v1.Encrypt([]byte("rotate me"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	v2, err := New("2", testKey(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := v2.WithPreviousKey("1", oldKey); err != nil {
		t.Fatalf("WithPreviousKey() error = %v", err)
	}

	got, err := v2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(got) != "rotate me" {
		t.Fatalf("got %q, want %q", got, "rotate me")
	}
}

func TestVault_TamperedCiphertextRejected(t *testing.T) {
	t.Parallel()

	v, err := New("1", testKey(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ciphertext, err := v.Encrypt([]byte("tamper test"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := v.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decrypt of tampered ciphertext to fail")
	}
}
