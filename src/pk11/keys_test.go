// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"testing"

	"github.com/miekg/pkcs11"
)

func testSlot(t *testing.T) *Slot {
	t.Helper()
	d := openTestDevice(t, map[uint]string{1: "token-0"})
	s := d.SlotByID(1)
	if err := s.Login("1234"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	return s
}

// TestGenerateAcquireRemove exercises end-to-end scenario 1 of spec §8:
// generate a key pair, acquire its private key, release it, then remove
// it entirely.
func TestGenerateAcquireRemove(t *testing.T) {
	s := testSlot(t)

	if _, err := s.GenerateKeyPair("k1", 2048, true, nil); err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	priv, err := s.AcquirePrivateKey("k1")
	if err != nil {
		t.Fatalf("AcquirePrivateKey() error: %v", err)
	}
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := priv.Sign(pkcs11.CKM_RSA_PKCS, data); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if err := s.ReleasePrivateKey(priv); err != nil {
		t.Fatalf("ReleasePrivateKey() error: %v", err)
	}

	if err := s.RemoveKey("k1"); err != nil {
		t.Fatalf("RemoveKey() error: %v", err)
	}

	if _, err := s.AcquirePrivateKey("k1"); !IsNotFound(err) {
		t.Errorf("AcquirePrivateKey() after RemoveKey() error = %v, want IsNotFound", err)
	}
	if _, err := s.GetCertificate("k1"); !IsNotFound(err) {
		t.Errorf("GetCertificate() after RemoveKey() error = %v, want IsNotFound", err)
	}
}

func TestGenerateKeyPairRejectsDuplicateAlias(t *testing.T) {
	s := testSlot(t)

	if _, err := s.GenerateKeyPair("dup", 2048, true, nil); err != nil {
		t.Fatalf("first GenerateKeyPair() error: %v", err)
	}
	_, err := s.GenerateKeyPair("dup", 2048, true, nil)
	if !IsAlreadyExists(err) {
		t.Fatalf("second GenerateKeyPair() error = %v, want IsAlreadyExists", err)
	}
}

func TestGenerateKeyRejectsBadDESLength(t *testing.T) {
	s := testSlot(t)

	if _, err := s.GenerateKey("des1", AlgDES, 40); err == nil {
		t.Fatalf("GenerateKey(AlgDES, 40) succeeded, want error")
	}
	if _, err := s.GenerateKey("des2", AlgDES, 64); err != nil {
		t.Fatalf("GenerateKey(AlgDES, 64) error: %v", err)
	}
	if _, err := s.GenerateKey("des3", AlgDES3, 192); err != nil {
		t.Fatalf("GenerateKey(AlgDES3, 192) error: %v", err)
	}
	if _, err := s.GenerateKey("aes1", AlgAES, 256); err != nil {
		t.Fatalf("GenerateKey(AlgAES, 256) error: %v", err)
	}
}

func TestGenerateWrappedKeyRoundTrip(t *testing.T) {
	s := testSlot(t)

	wrapKey, err := s.GenerateKey("wrapper", AlgAES, 256)
	if err != nil {
		t.Fatalf("GenerateKey(wrapper) error: %v", err)
	}
	_ = wrapKey

	data, err := s.GenerateWrappedKey("wk1", 2048, "wrapper", 0, nil)
	if err != nil {
		t.Fatalf("GenerateWrappedKey() error: %v", err)
	}
	if len(data.WrappedPrivateKey) == 0 {
		t.Fatalf("WrappedPrivateKey is empty")
	}

	priv, err := s.UnwrapPrivateKey(data.WrappedPrivateKey, "wrapper", 0)
	if err != nil {
		t.Fatalf("UnwrapPrivateKey() error: %v", err)
	}
	if err := s.ReleasePrivateKey(priv); err != nil {
		t.Fatalf("ReleasePrivateKey() error: %v", err)
	}
}

func TestGenerateWrappedKeyNoWrappingKey(t *testing.T) {
	s := testSlot(t)
	_, err := s.GenerateWrappedKey("wk2", 2048, "does-not-exist", 0, nil)
	if !IsNotFound(err) {
		t.Fatalf("GenerateWrappedKey() error = %v, want IsNotFound", err)
	}
}
