// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package devicecert implements the certificate template used to
// self-sign or CA-sign the leaf certificate for a key generated on the
// device (spec §4.5's certificate-generator callback).
package devicecert

import (
	"crypto/x509"
	"math/big"

	"github.com/hsm11/device/src/cert/signer"
)

type builder struct{}

// New creates a new instance of the device certificate template builder.
func New() signer.Template {
	return new(builder)
}

// Build creates the device certificate template. Unlike a template that
// always stamps a fixed extension set, this one only attaches the
// extensions the caller actually populated: an unset pkix.Extension has a
// nil object identifier, which encoding/asn1 cannot marshal, so
// x509.CreateCertificate rejects the template rather than omitting it.
func (b *builder) Build(p *signer.Params) (*x509.Certificate, error) {
	serialNumber := new(big.Int).SetBytes(p.SerialNumber)

	cert := &x509.Certificate{
		Version:            p.Version,
		SerialNumber:       serialNumber,
		NotBefore:          p.NotBefore,
		NotAfter:           p.NotAfter,
		Subject:            p.Subject,
		Issuer:             p.Issuer,
		UnknownExtKeyUsage: p.ExtKeyUsage,

		BasicConstraintsValid: p.BasicConstraintsValid,
		IsCA:                  p.IsCA,
		MaxPathLenZero:        false,
		KeyUsage:              p.KeyUsage,
		IssuingCertificateURL: p.IssuingCertificateURL,
	}

	if len(p.SubjectAltName.Id) > 0 {
		cert.ExtraExtensions = append(cert.ExtraExtensions, p.SubjectAltName)
	}
	if len(p.AuthorityKeyId.Id) > 0 {
		cert.ExtraExtensions = append(cert.ExtraExtensions, p.AuthorityKeyId)
	}
	if len(p.Extension) > 0 {
		cert.ExtraExtensions = append(cert.ExtraExtensions, p.Extension...)
	}

	return cert, nil
}
