// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

// fakeSign stands in for a caller-held KAK: it never touches this package's
// session or key material, matching the opaque-signer design of spec §9.
func fakeSign(hash []byte) ([]byte, error) {
	sig := make([]byte, 256)
	copy(sig, hash)
	return sig, nil
}

func TestKeyAuthorizeInitThenAuthorize(t *testing.T) {
	s := testSlot(t)
	if _, err := s.GenerateKeyPair("k1", 2048, true, nil); err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	kak, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error: %v", err)
	}

	if err := s.KeyAuthorizeInit("k1", &kak.PublicKey, fakeSign); err != nil {
		t.Fatalf("KeyAuthorizeInit() error: %v", err)
	}
	if err := s.KeyAuthorize("k1", 10, fakeSign); err != nil {
		t.Fatalf("KeyAuthorize() error: %v", err)
	}
}

func TestKeyAuthorizeInitUnknownAlias(t *testing.T) {
	s := testSlot(t)
	kak, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error: %v", err)
	}
	err = s.KeyAuthorizeInit("does-not-exist", &kak.PublicKey, fakeSign)
	if !IsNotFound(err) {
		t.Fatalf("KeyAuthorizeInit() error = %v, want IsNotFound", err)
	}
}

func TestKeyAuthorizePropagatesSignError(t *testing.T) {
	s := testSlot(t)
	if _, err := s.GenerateKeyPair("k1", 2048, true, nil); err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	kak, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error: %v", err)
	}

	wantErr := errors.New("signer unavailable")
	err = s.KeyAuthorizeInit("k1", &kak.PublicKey, func([]byte) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("KeyAuthorizeInit() error = %v, want propagated sign failure", err)
	}
}
