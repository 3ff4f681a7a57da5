// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"crypto/rsa"
	"math/big"

	"github.com/hsm11/device/src/pk11/internal/nativeauth"
)

// SignProvider performs an RSA-PSS-SHA256 signature over hash using a
// caller-held key-authorization key (KAK). The KAK's private component
// never passes through this package; per the design note on opaque key
// handles (spec §9), the caller supplies the signing capability, not the
// key material.
type SignProvider func(hash []byte) ([]byte, error)

// padModulus left-pads n's big-endian bytes to exactly size bytes, the
// fixed layout the CP5 protocol requires for the KAK modulus.
func padModulus(n *big.Int, size int) []byte {
	raw := n.Bytes()
	if len(raw) >= size {
		return raw[len(raw)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out
}

// padExponent left-pads e's big-endian bytes to the fixed KAK exponent
// width (kakExponentLen, 3 bytes per spec §6).
func padExponent(e int) []byte {
	raw := big.NewInt(int64(e)).Bytes()
	out := make([]byte, kakExponentLen)
	if len(raw) > kakExponentLen {
		raw = raw[len(raw)-kakExponentLen:]
	}
	copy(out[kakExponentLen-len(raw):], raw)
	return out
}

// KeyAuthorizeInit binds alias's private key to kak: the "assign" phase
// of the vendor CP5 protocol (spec §4.7). sign must produce an RSA-PSS
// SHA-256 signature (MGF1/SHA-256, salt length 32) over the hash the HSM
// returns.
func (s *Slot) KeyAuthorizeInit(alias string, kak *rsa.PublicKey, sign SignProvider) error {
	return s.withLoginSession(func(sess *Session) error {
		priv, err := privateKeyForAlias(sess, alias)
		if err != nil {
			return err
		}

		params := nativeauth.EncodeInitParams(padModulus(kak.N, kak.Size()), padExponent(kak.E))
		hash, err := sess.binding().AuthorizeKeyInit(sess.raw, priv.raw, params)
		if err != nil {
			return newError(err, "authorize_key_init failed")
		}

		sig, err := sign(hash)
		if err != nil {
			return newError(err, "key-authorization signature failed")
		}

		authData := nativeauth.EncodeAuthData(sig)
		if err := sess.binding().AuthorizeKey(sess.raw, priv.raw, authData); err != nil {
			return newError(err, "authorize_key failed")
		}
		return nil
	})
}

// KeyAuthorize authorizes operationCount further uses of alias's private
// key: the "authorize" phase of the CP5 protocol (spec §4.7).
func (s *Slot) KeyAuthorize(alias string, operationCount uint64, sign SignProvider) error {
	return s.withLoginSession(func(sess *Session) error {
		priv, err := privateKeyForAlias(sess, alias)
		if err != nil {
			return err
		}

		params := nativeauth.EncodeAuthorizeParams(operationCount)
		hash, err := sess.binding().AuthorizeKeyInit(sess.raw, priv.raw, params)
		if err != nil {
			return newError(err, "authorize_key_init failed")
		}

		sig, err := sign(hash)
		if err != nil {
			return newError(err, "key-authorization signature failed")
		}

		authData := nativeauth.EncodeAuthData(sig)
		if err := sess.binding().AuthorizeKey(sess.raw, priv.raw, authData); err != nil {
			return newError(err, "authorize_key failed")
		}
		return nil
	})
}
