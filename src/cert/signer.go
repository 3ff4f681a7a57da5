// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package signer builds and signs X.509 certificates from a template, for
// use as the CertGenerator callback passed to pk11.KeyOptions: once
// GenerateKeyPair has read back a freshly generated modulus/exponent, a
// signer.Template turns it into the self-signed (or CA-signed) DER
// certificate that GenerateKeyPair optionally stores alongside the keys.
package signer

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"
)

// Params contains parameters used to populate the certificate template at
// build time.
type Params struct {
	Version                           int
	SerialNumber                      []byte
	Issuer, Subject, BasicConstraints pkix.Name
	NotBefore, NotAfter               time.Time
	KeyUsage                          x509.KeyUsage
	ExtKeyUsage                       []asn1.ObjectIdentifier
	BasicConstraintsValid             bool
	IsCA                              bool
	SignatureAlgorithm                x509.SignatureAlgorithm
	Extension                         []pkix.Extension
	AuthorityKeyId                    pkix.Extension
	SubjectAltName                    pkix.Extension
	IssuingCertificateURL             []string
}

// Template defines a certificate build interface.
type Template interface {
	Build(*Params) (*x509.Certificate, error)
}

// CreateCertificate creates a certificate from an x509 template endorsing the
// provided pub key, with a signature generated using priv key. The provided
// parent certificate must endorse the public version of priv key.
//
// The priv key must implement the crypto.Signer interface. template's
// SerialNumber must be positive and fit in 20 octets, per RFC 5280 §4.1.2.2:
// ImportCertificateChain derives a stored CA certificate's ID from this same
// serial number (see src/pk11/chain.go's caCertID), so a malformed serial
// here would surface as a malformed cert-id there.
func CreateCertificate(template, parent *x509.Certificate, pub, priv any) ([]byte, error) {
	if template.SerialNumber == nil || template.SerialNumber.Sign() <= 0 {
		return nil, fmt.Errorf("signer: certificate serial number must be positive")
	}
	if len(template.SerialNumber.Bytes()) > 20 {
		return nil, fmt.Errorf("signer: certificate serial number must fit in 20 octets")
	}

	cert, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		return nil, err
	}
	return cert, nil
}
