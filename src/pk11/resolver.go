// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"github.com/miekg/pkcs11"
)

// findCertificatesByLabel searches CERTIFICATE & TOKEN & LABEL. More than
// one match is logged but still returned in full, per spec §4.4.
func findCertificatesByLabel(s *Session, label string) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_CERTIFICATE, pkcs11.CKA_LABEL, []byte(label))
	if err != nil {
		return nil, err
	}
	if len(handles) > 1 {
		logWarnf("pk11: %d certificates share label %q", len(handles), label)
	}
	return wrap(s, handles), nil
}

// findCertificatesBySubject searches CERTIFICATE & TOKEN & SUBJECT.
func findCertificatesBySubject(s *Session, subject []byte) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_CERTIFICATE, pkcs11.CKA_SUBJECT, subject)
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

// findCertificatesByIssuer searches CERTIFICATE & TOKEN & ISSUER, used by
// the chain-removal algorithm (C6) to find children of a given subject.
func findCertificatesByIssuer(s *Session, issuer []byte) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_CERTIFICATE, pkcs11.CKA_ISSUER, issuer)
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

func findPublicKeysByID(s *Session, id []byte) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_PUBLIC_KEY, pkcs11.CKA_ID, id)
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

func findPrivateKeysByID(s *Session, id []byte) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_PRIVATE_KEY, pkcs11.CKA_ID, id)
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

func findSecretKeysByLabel(s *Session, label string) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_SECRET_KEY, pkcs11.CKA_LABEL, []byte(label))
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

func findSecretKeysByID(s *Session, id []byte) ([]object, error) {
	handles, err := findByAttr(s, pkcs11.CKO_SECRET_KEY, pkcs11.CKA_ID, id)
	if err != nil {
		return nil, err
	}
	return wrap(s, handles), nil
}

func wrap(s *Session, handles []pkcs11.ObjectHandle) []object {
	out := make([]object, len(handles))
	for i, h := range handles {
		out[i] = object{sess: s, raw: h}
	}
	return out
}

// resolveID implements the two-step alias resolution policy of spec §3:
// look for a certificate by LABEL first, fall back to the alias's UTF-8
// bytes as the search ID.
func resolveID(s *Session, alias string) ([]byte, error) {
	certs, err := findCertificatesByLabel(s, alias)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return []byte(alias), nil
	}
	if len(certs) > 1 {
		return nil, newErrf(KindNotFound, "alias %q matches multiple certificates; IDs cannot be disambiguated", alias)
	}

	id, err := certs[0].getAttr(pkcs11.CKA_ID)
	if err != nil {
		return nil, err
	}
	if len(id) == 0 {
		return nil, newErrf(KindNotFound, "certificate for alias %q has no ID attribute", alias)
	}
	return id, nil
}

// privateKeyForAlias resolves alias to exactly one PRIVATE_KEY object,
// per spec §4.4.
func privateKeyForAlias(s *Session, alias string) (object, error) {
	id, err := resolveID(s, alias)
	if err != nil {
		return object{}, err
	}
	keys, err := findPrivateKeysByID(s, id)
	if err != nil {
		return object{}, err
	}
	switch len(keys) {
	case 0:
		return object{}, newErrf(KindNotFound, "no private key for alias %q", alias)
	case 1:
		return keys[0], nil
	default:
		return object{}, newErrf(KindAmbiguous, "multiple private keys share the ID resolved for alias %q", alias)
	}
}

// publicKeyForAlias resolves alias to exactly one PUBLIC_KEY object.
func publicKeyForAlias(s *Session, alias string) (object, error) {
	id, err := resolveID(s, alias)
	if err != nil {
		return object{}, err
	}
	keys, err := findPublicKeysByID(s, id)
	if err != nil {
		return object{}, err
	}
	switch len(keys) {
	case 0:
		return object{}, newErrf(KindNotFound, "no public key for alias %q", alias)
	case 1:
		return keys[0], nil
	default:
		return object{}, newErrf(KindAmbiguous, "multiple public keys share the ID resolved for alias %q", alias)
	}
}

// secretKeyForAlias resolves alias directly by LABEL, as secret keys are
// not addressed through the certificate/ID indirection used for RSA keys.
func secretKeyForAlias(s *Session, alias string) (object, error) {
	keys, err := findSecretKeysByLabel(s, alias)
	if err != nil {
		return object{}, err
	}
	switch len(keys) {
	case 0:
		return object{}, newErrf(KindNotFound, "no secret key for alias %q", alias)
	case 1:
		return keys[0], nil
	default:
		return object{}, newErrf(KindAmbiguous, "multiple secret keys share label %q", alias)
	}
}
