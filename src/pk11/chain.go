// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"bytes"
	"crypto/x509"
	"fmt"

	"github.com/miekg/pkcs11"
)

// Certificate is a handle to a CERTIFICATE object.
type Certificate struct{ object }

// DER returns the certificate's VALUE attribute, the DER encoding of the
// X.509 certificate.
func (c Certificate) DER() ([]byte, error) {
	return c.getAttr(pkcs11.CKA_VALUE)
}

// Parse decodes the certificate's VALUE attribute as an X.509 certificate.
func (c Certificate) Parse() (*x509.Certificate, error) {
	der, err := c.DER()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newErrf(KindEncodingFailure, "could not parse certificate DER: %s", err)
	}
	return cert, nil
}

// caCertID derives the ID attribute used to store a non-leaf certificate
// in the chain, per the cert-id convention (Glossary): the canonical
// string "subject-canonical/issuer-canonical/serial-decimal", where
// subject-canonical and issuer-canonical are the RFC 2253 distinguished
// name strings and serial-decimal is the certificate's serial number in
// base 10. This is stable across re-imports that encounter the same CA,
// under the spec's stated assumption that CA certificates are unique per
// subject.
func caCertID(cert *x509.Certificate) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", cert.Subject.String(), cert.Issuer.String(), cert.SerialNumber.String()))
}

// ImportCertificateChain stores chain (ordered leaf-to-root) under alias,
// per spec §4.6. It requires a pre-existing CERTIFICATE with LABEL=alias
// and a matching PRIVATE_KEY sharing that ID.
func (s *Slot) ImportCertificateChain(alias string, chain [][]byte) error {
	if len(chain) == 0 {
		return newErr(KindInvalidArgument, "certificate chain must not be empty")
	}

	return s.withLoginSession(func(sess *Session) error {
		certs, err := findCertificatesByLabel(sess, alias)
		if err != nil {
			return err
		}
		if len(certs) != 1 {
			return newErrf(KindNotFound, "no unique existing certificate for alias %q", alias)
		}
		id, err := certs[0].getAttr(pkcs11.CKA_ID)
		if err != nil {
			return err
		}
		privs, err := findPrivateKeysByID(sess, id)
		if err != nil {
			return err
		}
		if len(privs) != 1 {
			return newErrf(KindNotFound, "no matching private key for alias %q", alias)
		}

		kept := make(map[string]bool)
		if err := removeChain(sess, certs[0], kept); err != nil {
			logWarnf("pk11: error removing prior chain for alias %q: %s", alias, err)
		}

		for i, der := range chain {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return newErrf(KindEncodingFailure, "could not parse chain entry %d: %s", i, err)
			}

			var objID []byte
			var label *pkcs11.Attribute
			if i == 0 {
				objID = []byte(alias)
				label = attr(pkcs11.CKA_LABEL, alias)
			} else {
				objID = caCertID(cert)
				existing, err := findCertificatesBySubject(sess, cert.RawSubject)
				if err != nil {
					return err
				}
				for _, e := range existing {
					if err := e.destroy(); err != nil {
						return err
					}
				}
				label = attr(pkcs11.CKA_LABEL, "")
			}

			tpl := []*pkcs11.Attribute{
				attr(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
				attr(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
				attr(pkcs11.CKA_TOKEN, true),
				label,
				attr(pkcs11.CKA_ID, objID),
				attr(pkcs11.CKA_SUBJECT, cert.RawSubject),
				attr(pkcs11.CKA_ISSUER, cert.RawIssuer),
				attr(pkcs11.CKA_VALUE, der),
			}
			if _, err := sess.binding().CreateObject(sess.raw, tpl); err != nil {
				return newError(err, "could not store certificate")
			}
		}

		sess.slot.cache.removeByLabel()
		sess.slot.cache.removeByClass(pkcs11.CKO_CERTIFICATE)
		return nil
	})
}

// removeChain implements the chain-removal algorithm of spec §4.6,
// starting from cert and accumulating subjects that were kept because
// another entry still references them.
func removeChain(sess *Session, cert object, kept map[string]bool) error {
	current := cert
	for i := 0; i < sess.slot.device.cfg.maxChainLength(); i++ {
		subject, err := current.getAttr(pkcs11.CKA_SUBJECT)
		if err != nil {
			return err
		}
		issuer, err := current.getAttr(pkcs11.CKA_ISSUER)
		if err != nil {
			return err
		}

		children, err := findCertificatesByIssuer(sess, subject)
		if err != nil {
			return err
		}
		onlySelf := len(children) == 0 || (len(children) == 1 && children[0].raw == current.raw)
		if onlySelf {
			if err := current.destroy(); err != nil {
				return err
			}
		} else {
			kept[string(subject)] = true
			return nil
		}

		if bytes.Equal(subject, issuer) {
			return nil
		}

		parents, err := findCertificatesBySubject(sess, issuer)
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			return nil
		}
		if len(parents) > 1 {
			logWarnf("pk11: multiple certificates share subject %x while walking a chain; using the first", issuer)
		}
		current = parents[0]
	}
	logWarnf("pk11: certificate chain removal hit MAX_CHAIN_LENGTH=%d", sess.slot.device.cfg.maxChainLength())
	return nil
}

// GetCertificate returns the first certificate stored under alias's LABEL.
func (s *Slot) GetCertificate(alias string) (*Certificate, error) {
	var cert Certificate
	err := s.withSession(func(sess *Session) error {
		certs, err := findCertificatesByLabel(sess, alias)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			return newErrf(KindNotFound, "no certificate for alias %q", alias)
		}
		cert = Certificate{certs[0]}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// GetCertificateChain returns the ordered leaf-to-root chain starting from
// the certificate labeled alias, per spec §4.6.
func (s *Slot) GetCertificateChain(alias string) ([]*Certificate, error) {
	var chain []*Certificate
	err := s.withSession(func(sess *Session) error {
		certs, err := findCertificatesByLabel(sess, alias)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			return newErrf(KindNotFound, "no certificate for alias %q", alias)
		}
		current := certs[0]

		for i := 0; i < sess.slot.device.cfg.maxChainLength(); i++ {
			chain = append(chain, &Certificate{current})

			subject, err := current.getAttr(pkcs11.CKA_SUBJECT)
			if err != nil {
				return err
			}
			issuer, err := current.getAttr(pkcs11.CKA_ISSUER)
			if err != nil {
				return err
			}
			if bytes.Equal(subject, issuer) {
				return nil
			}

			parents, err := findCertificatesBySubject(sess, issuer)
			if err != nil {
				return err
			}
			if len(parents) == 0 {
				return nil
			}
			if len(parents) > 1 {
				logWarnf("pk11: multiple certificates share subject %x while walking a chain; using the first", issuer)
			}
			current = parents[0]
		}
		logWarnf("pk11: certificate chain retrieval hit MAX_CHAIN_LENGTH=%d", sess.slot.device.cfg.maxChainLength())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}
