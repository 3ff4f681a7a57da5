// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"testing"

	"github.com/miekg/pkcs11"
)

// createCert stores a bare CERTIFICATE object directly through the binding,
// bypassing GenerateKeyPair's alias-uniqueness checks so that duplicate
// labels can be set up deliberately.
func createCert(t *testing.T, s *Slot, label, id string) {
	t.Helper()
	err := s.withSession(func(sess *Session) error {
		tpl := []*pkcs11.Attribute{
			attr(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			attr(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
			attr(pkcs11.CKA_TOKEN, true),
			attr(pkcs11.CKA_LABEL, label),
			attr(pkcs11.CKA_ID, []byte(id)),
			attr(pkcs11.CKA_VALUE, []byte("not-really-a-cert-"+id)),
		}
		_, err := sess.binding().CreateObject(sess.raw, tpl)
		return err
	})
	if err != nil {
		t.Fatalf("createCert(%q, %q) error: %v", label, id, err)
	}
}

// TestAmbiguousLabel exercises scenario 2 of spec §8: two CERTIFICATE
// objects share a LABEL. Retrieving the certificate by that label succeeds
// (returning the first match, with a warning logged); resolving a private
// key through the shared label fails as not-found, since the two matching
// certificates carry different IDs that cannot be disambiguated down to a
// single one.
func TestAmbiguousLabel(t *testing.T) {
	s := testSlot(t)

	createCert(t, s, "dup", "id-1")
	createCert(t, s, "dup", "id-2")

	err := s.withSession(func(sess *Session) error {
		certs, err := findCertificatesByLabel(sess, "dup")
		if err != nil {
			return err
		}
		if len(certs) != 2 {
			t.Fatalf("expected two certificates sharing label %q, got %d", "dup", len(certs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withSession() error: %v", err)
	}

	if _, err := s.GetCertificate("dup"); err != nil {
		t.Errorf("GetCertificate(%q) error = %v, want the first match", "dup", err)
	}
	if _, err := s.AcquirePrivateKey("dup"); !IsNotFound(err) {
		t.Errorf("AcquirePrivateKey(%q) error = %v, want IsNotFound", "dup", err)
	}
	if _, err := s.GetPublicKey("dup"); !IsNotFound(err) {
		t.Errorf("GetPublicKey(%q) error = %v, want IsNotFound", "dup", err)
	}
}
