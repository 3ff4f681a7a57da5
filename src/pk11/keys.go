// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"crypto/rsa"
	"math/big"
	"time"

	"github.com/miekg/pkcs11"
)

// PublicKey is a handle to a PUBLIC_KEY object.
type PublicKey struct{ object }

// RSAPublicKey reads the MODULUS and PUBLIC_EXPONENT attributes and
// reassembles them as a standard library RSA public key, for callers that
// need to export the key or hand it to crypto/x509.
func (k *PublicKey) RSAPublicKey() (*rsa.PublicKey, error) {
	vals, err := k.getAttrs(pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(vals[0]),
		E: int(new(big.Int).SetBytes(vals[1]).Int64()),
	}, nil
}

// SecretKey is a handle to a SECRET_KEY object.
type SecretKey struct{ object }

// PrivateKey is a handle to a PRIVATE_KEY object, in one of the two forms
// described in spec §3: a static-session key owns a dedicated session for
// its lifetime (used for unwrapped keys, where later operations must
// observe the serial ordering of a single session); a releasable-session
// key re-resolves its alias on every operation and holds no session
// between calls.
type PrivateKey struct {
	slot   *Slot
	alias  string
	static bool

	// Fields valid only when static is true.
	sess            *Session
	raw             pkcs11.ObjectHandle
	removeOnRelease bool
}

// withObject resolves the underlying object for a single operation,
// invoking f with it. For a static key this reuses the owned session;
// for a releasable key it acquires a transient session and always
// releases it afterward.
func (k *PrivateKey) withObject(f func(object) error) error {
	if k.static {
		return f(object{sess: k.sess, raw: k.raw})
	}
	return k.slot.withSession(func(sess *Session) error {
		obj, err := privateKeyForAlias(sess, k.alias)
		if err != nil {
			return err
		}
		return f(obj)
	})
}

// Sign signs data under the given mechanism using this private key,
// exercising whichever session the key currently holds (withObject picks
// the right one for static vs. releasable keys), per spec §8 scenario 1.
func (k *PrivateKey) Sign(mech uint, data []byte) ([]byte, error) {
	var sig []byte
	err := k.withObject(func(o object) error {
		b := o.sess.binding()
		if err := b.SignInit(o.sess.raw, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, o.raw); err != nil {
			return newError(err, "could not initialize signing operation")
		}
		s, err := b.Sign(o.sess.raw, data)
		if err != nil {
			return newError(err, "could not sign data")
		}
		sig = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// AcquirePrivateKey resolves alias to a PRIVATE_KEY object and binds it to
// a dedicated session held for the key's lifetime. Use this when a
// sequence of operations on the key must observe the session's serial
// ordering (e.g. a freshly-unwrapped key that will immediately be used to
// sign).
func (s *Slot) AcquirePrivateKey(alias string) (*PrivateKey, error) {
	sess, err := s.OpenSession()
	if err != nil {
		return nil, err
	}
	obj, err := privateKeyForAlias(sess, alias)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return &PrivateKey{slot: s, alias: alias, static: true, sess: sess, raw: obj.raw}, nil
}

// GetReleasablePrivateKey resolves alias once to confirm it exists, then
// returns a handle that re-resolves and acquires a fresh session on every
// subsequent operation.
func (s *Slot) GetReleasablePrivateKey(alias string) (*PrivateKey, error) {
	err := s.withSession(func(sess *Session) error {
		_, err := privateKeyForAlias(sess, alias)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PrivateKey{slot: s, alias: alias, static: false}, nil
}

// ReleasePrivateKey tears down a static-session key: if remove-on-release
// was set (as for an unwrapped key), the object is destroyed first; the
// owned session is then released. Releasable-session keys have nothing to
// release.
func (s *Slot) ReleasePrivateKey(k *PrivateKey) error {
	if !k.static {
		return nil
	}
	if k.removeOnRelease {
		if err := (object{sess: k.sess, raw: k.raw}).destroy(); err != nil {
			logWarnf("pk11: could not destroy released private key: %s", err)
		}
	}
	k.sess.Close()
	return nil
}

// GetPublicKey resolves alias to a PUBLIC_KEY object, reading it through a
// transient session.
func (s *Slot) GetPublicKey(alias string) (*PublicKey, error) {
	var pub PublicKey
	err := s.withSession(func(sess *Session) error {
		obj, err := publicKeyForAlias(sess, alias)
		if err != nil {
			return err
		}
		pub = PublicKey{obj}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

// GetSecretKey resolves alias to a SECRET_KEY object by LABEL.
func (s *Slot) GetSecretKey(alias string) (*SecretKey, error) {
	var sk SecretKey
	err := s.withSession(func(sess *Session) error {
		obj, err := secretKeyForAlias(sess, alias)
		if err != nil {
			return err
		}
		sk = SecretKey{obj}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sk, nil
}

// KeyOptions carries the attribute-template overrides for RSA key-pair
// generation (spec §4.5): caller-supplied attributes win over the package
// defaults when both set the same attribute type.
type KeyOptions struct {
	PublicOverrides  []*pkcs11.Attribute
	PrivateOverrides []*pkcs11.Attribute

	// CertGenerator, when set, is invoked with the freshly generated
	// public modulus/exponent to produce a DER-encoded X.509 certificate.
	CertGenerator func(alias string, modulus, exponent []byte) ([]byte, error)

	// StoreCertificate, when true and CertGenerator is set, stores the
	// generated certificate as a CERTIFICATE object alongside the keys.
	StoreCertificate bool
}

const defaultRSAPublicExponent = 65537

// GenerateKeyPair generates an RSA key pair under the given alias,
// enforcing the pre-conditions and default templates of spec §4.5.
func (s *Slot) GenerateKeyPair(alias string, bits uint, publicToken bool, opts *KeyOptions) (*PublicKey, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}

	var pub PublicKey
	err := s.withLoginSession(func(sess *Session) error {
		if err := checkAliasFree(sess, alias); err != nil {
			return err
		}

		pubTpl := mergeAttrs([]*pkcs11.Attribute{
			attr(pkcs11.CKA_TOKEN, publicToken),
			attr(pkcs11.CKA_ENCRYPT, false),
			attr(pkcs11.CKA_VERIFY, true),
			attr(pkcs11.CKA_WRAP, false),
			attr(pkcs11.CKA_MODULUS_BITS, bits),
			attr(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(defaultRSAPublicExponent).Bytes()),
			attr(pkcs11.CKA_LABEL, "pub-"+alias),
			attr(pkcs11.CKA_ID, []byte(alias)),
		}, opts.PublicOverrides)

		privTpl := mergeAttrs([]*pkcs11.Attribute{
			attr(pkcs11.CKA_TOKEN, true),
			attr(pkcs11.CKA_PRIVATE, true),
			attr(pkcs11.CKA_SENSITIVE, true),
			attr(pkcs11.CKA_DECRYPT, false),
			attr(pkcs11.CKA_SIGN, true),
			attr(pkcs11.CKA_UNWRAP, false),
			attr(pkcs11.CKA_EXTRACTABLE, false),
			attr(pkcs11.CKA_LABEL, "priv-"+alias),
			attr(pkcs11.CKA_ID, []byte(alias)),
		}, opts.PrivateOverrides)

		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}
		pubH, privH, err := sess.binding().GenerateKeyPair(sess.raw, mech, pubTpl, privTpl)
		if err != nil {
			return newError(err, "could not generate RSA key pair")
		}

		pubObj := object{sess: sess, raw: pubH}
		vals, err := pubObj.getAttrs(pkcs11.CKA_MODULUS, pkcs11.CKA_PUBLIC_EXPONENT)
		if err != nil {
			return err
		}
		modulus, exponent := vals[0], vals[1]

		if opts.CertGenerator != nil {
			der, err := opts.CertGenerator(alias, modulus, exponent)
			if err != nil {
				return newError(err, "certificate generator failed")
			}
			if opts.StoreCertificate {
				certTpl := []*pkcs11.Attribute{
					attr(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
					attr(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
					attr(pkcs11.CKA_TOKEN, true),
					attr(pkcs11.CKA_LABEL, alias),
					attr(pkcs11.CKA_ID, []byte(alias)),
					attr(pkcs11.CKA_VALUE, der),
				}
				if _, err := sess.binding().CreateObject(sess.raw, certTpl); err != nil {
					return newError(err, "could not store generated certificate")
				}
			}
		}

		sess.slot.cache.removeByLabel()
		sess.slot.cache.removeByClass(pkcs11.CKO_PRIVATE_KEY)
		sess.slot.cache.removeByClass(pkcs11.CKO_PUBLIC_KEY)
		sess.slot.cache.removeByClass(pkcs11.CKO_CERTIFICATE)

		_ = privH // private key is addressed later through AcquirePrivateKey, not returned here
		pub = PublicKey{pubObj}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

// GeneratedKeyData is the result of GenerateWrappedKey: the wrapped
// private-key bytes plus the corresponding public key, per spec §3.
type GeneratedKeyData struct {
	WrappedPrivateKey []byte
	PublicKey         *PublicKey
}

// GenerateWrappedKey generates an RSA key pair whose private key never
// rests unwrapped on the token: it is generated extractable, immediately
// wrapped under the named wrapping secret key, then destroyed. The
// wrapping key is resolved by label and must be unique; per Design Notes
// open question (a), finding none is a fast-fail, logged, not a panic.
func (s *Slot) GenerateWrappedKey(alias string, bits uint, wrappingKeyLabel string, wrapMech uint, opts *KeyOptions) (*GeneratedKeyData, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}

	var result GeneratedKeyData
	err := s.withLoginSession(func(sess *Session) error {
		if err := checkAliasFree(sess, alias); err != nil {
			return err
		}

		wrapKeys, err := findSecretKeysByLabel(sess, wrappingKeyLabel)
		if err != nil {
			return err
		}
		if len(wrapKeys) < 1 {
			logWarnf("pk11: no wrapping key found with label %q", wrappingKeyLabel)
			return newErrf(KindNotFound, "no wrapping key found with label %q", wrappingKeyLabel)
		}
		if len(wrapKeys) > 1 {
			return newErrf(KindAmbiguous, "multiple wrapping keys share label %q", wrappingKeyLabel)
		}

		pubTpl := mergeAttrs([]*pkcs11.Attribute{
			attr(pkcs11.CKA_TOKEN, true),
			attr(pkcs11.CKA_ENCRYPT, false),
			attr(pkcs11.CKA_VERIFY, true),
			attr(pkcs11.CKA_WRAP, false),
			attr(pkcs11.CKA_MODULUS_BITS, bits),
			attr(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(defaultRSAPublicExponent).Bytes()),
			attr(pkcs11.CKA_LABEL, "pub-"+alias),
			attr(pkcs11.CKA_ID, []byte(alias)),
		}, opts.PublicOverrides)

		privTpl := mergeAttrs([]*pkcs11.Attribute{
			attr(pkcs11.CKA_TOKEN, false),
			attr(pkcs11.CKA_PRIVATE, true),
			attr(pkcs11.CKA_SENSITIVE, false),
			attr(pkcs11.CKA_DECRYPT, false),
			attr(pkcs11.CKA_SIGN, true),
			attr(pkcs11.CKA_UNWRAP, false),
			attr(pkcs11.CKA_EXTRACTABLE, true),
			attr(pkcs11.CKA_LABEL, "priv-"+alias),
			attr(pkcs11.CKA_ID, []byte(alias)),
		}, opts.PrivateOverrides)

		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}
		pubH, privH, err := sess.binding().GenerateKeyPair(sess.raw, mech, pubTpl, privTpl)
		if err != nil {
			return newError(err, "could not generate RSA key pair")
		}
		priv := object{sess: sess, raw: privH}

		wrapped, err := sess.binding().WrapKey(sess.raw, []*pkcs11.Mechanism{pkcs11.NewMechanism(wrapMech, nil)}, wrapKeys[0].raw, privH)
		if err != nil {
			return newError(err, "could not wrap generated private key")
		}
		if err := priv.destroy(); err != nil {
			return err
		}

		sess.slot.cache.removeByLabel()
		sess.slot.cache.removeByClass(pkcs11.CKO_PUBLIC_KEY)
		result = GeneratedKeyData{
			WrappedPrivateKey: wrapped,
			PublicKey:         &PublicKey{object{sess: sess, raw: pubH}},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// checkAliasFree enforces the pre-condition that no object exists with
// LABEL or ID equal to alias, per spec §4.5.
func checkAliasFree(sess *Session, alias string) error {
	for _, class := range []uint{pkcs11.CKO_CERTIFICATE, pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY, pkcs11.CKO_SECRET_KEY} {
		byLabel, err := findByAttr(sess, class, pkcs11.CKA_LABEL, []byte(alias))
		if err != nil {
			return err
		}
		if len(byLabel) > 0 {
			return newErrf(KindAlreadyExists, "an object with label %q already exists", alias)
		}
		byID, err := findByAttr(sess, class, pkcs11.CKA_ID, []byte(alias))
		if err != nil {
			return err
		}
		if len(byID) > 0 {
			return newErrf(KindAlreadyExists, "an object with ID %q already exists", alias)
		}
	}
	return nil
}

// mergeAttrs merges overrides on top of defaults: an override attribute of
// the same type replaces the default, per spec §4.5 ("Overrides merge on
// top (caller attributes win)").
func mergeAttrs(defaults, overrides []*pkcs11.Attribute) []*pkcs11.Attribute {
	out := make([]*pkcs11.Attribute, 0, len(defaults)+len(overrides))
	seen := make(map[uint]bool, len(overrides))
	for _, o := range overrides {
		seen[o.Type] = true
	}
	for _, d := range defaults {
		if !seen[d.Type] {
			out = append(out, d)
		}
	}
	return append(out, overrides...)
}

// SymmetricAlgorithm selects the key-generation mechanism family for
// GenerateKey, per spec §4.5.
type SymmetricAlgorithm int

const (
	AlgDES SymmetricAlgorithm = iota
	AlgDES2
	AlgDES3
	AlgAES
)

// GenerateKey generates a symmetric key under alias, applying the
// bit-length normalization rules of spec §4.5.
func (s *Slot) GenerateKey(alias string, alg SymmetricAlgorithm, bits uint) (*SecretKey, error) {
	var mechType uint
	var keyType uint
	var desFamily bool

	switch alg {
	case AlgDES:
		if bits != 56 && bits != 64 {
			return nil, newErrf(KindInvalidArgument, "DES requires 56 or 64 bits, got %d", bits)
		}
		mechType, keyType, desFamily = pkcs11.CKM_DES_KEY_GEN, pkcs11.CKK_DES, true
	case AlgDES2:
		if bits != 112 && bits != 128 {
			return nil, newErrf(KindInvalidArgument, "DES2 requires 112 or 128 bits, got %d", bits)
		}
		mechType, keyType, desFamily = pkcs11.CKM_DES2_KEY_GEN, pkcs11.CKK_DES2, true
	case AlgDES3:
		if bits != 168 && bits != 192 {
			return nil, newErrf(KindInvalidArgument, "DES3 requires 168 or 192 bits, got %d", bits)
		}
		mechType, keyType, desFamily = pkcs11.CKM_DES3_KEY_GEN, pkcs11.CKK_DES3, true
	case AlgAES:
		mechType, keyType = pkcs11.CKM_AES_KEY_GEN, pkcs11.CKK_AES
	default:
		return nil, newErrf(KindInvalidArgument, "unsupported symmetric algorithm %d", alg)
	}

	var sk SecretKey
	err := s.withLoginSession(func(sess *Session) error {
		if err := checkAliasFree(sess, alias); err != nil {
			return err
		}

		tpl := []*pkcs11.Attribute{
			attr(pkcs11.CKA_TOKEN, true),
			attr(pkcs11.CKA_KEY_TYPE, keyType),
			attr(pkcs11.CKA_LABEL, alias),
			attr(pkcs11.CKA_ID, []byte(alias)),
			attr(pkcs11.CKA_ENCRYPT, true),
			attr(pkcs11.CKA_DECRYPT, true),
			attr(pkcs11.CKA_WRAP, true),
			attr(pkcs11.CKA_UNWRAP, true),
		}
		if !desFamily {
			tpl = append(tpl, attr(pkcs11.CKA_VALUE_LEN, bits/8))
		}

		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(mechType, nil)}
		h, err := sess.binding().GenerateKey(sess.raw, mech, tpl)
		if err != nil {
			return newError(err, "could not generate symmetric key")
		}

		sess.slot.cache.removeByLabel()
		sess.slot.cache.removeByClass(pkcs11.CKO_SECRET_KEY)
		sk = SecretKey{object{sess: sess, raw: h}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sk, nil
}

// unwrapRetryDelay is the pause between the first MECHANISM_INVALID
// response and the single retry allowed by spec §4.5.
const unwrapRetryDelay = 100 * time.Millisecond

// UnwrapPrivateKey unwraps a private key wrapped with the secret key
// identified by wrappingKeyLabel, per the reliability policy of spec
// §4.5. The result is a static-session key bound to the acquiring
// session, marked remove-on-release.
func (s *Slot) UnwrapPrivateKey(wrapped []byte, wrappingKeyLabel string, wrapMech uint) (*PrivateKey, error) {
	sess, err := s.OpenSession()
	if err != nil {
		return nil, err
	}

	wrapper, err := secretKeyForAlias(sess, wrappingKeyLabel)
	if err != nil {
		sess.Close()
		return nil, err
	}

	tpl := []*pkcs11.Attribute{
		attr(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		attr(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		attr(pkcs11.CKA_PRIVATE, true),
		attr(pkcs11.CKA_DECRYPT, true),
		attr(pkcs11.CKA_SIGN, true),
		attr(pkcs11.CKA_SENSITIVE, true),
		attr(pkcs11.CKA_EXTRACTABLE, true),
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(wrapMech, nil)}

	h, err := sess.binding().UnwrapKey(sess.raw, mech, wrapper.raw, wrapped, tpl)
	if isMechanismInvalid(err) {
		time.Sleep(unwrapRetryDelay)
		h, err = sess.binding().UnwrapKey(sess.raw, mech, wrapper.raw, wrapped, tpl)
	}
	if err != nil {
		sess.Close()
		return nil, newError(err, "could not unwrap private key")
	}

	if !privateKeyHandleVisible(sess, h) {
		h, err = sess.binding().UnwrapKey(sess.raw, mech, wrapper.raw, wrapped, tpl)
		if err != nil {
			sess.Close()
			return nil, newError(err, "could not re-unwrap private key after handle-visibility check failed")
		}
	}

	return &PrivateKey{slot: s, static: true, sess: sess, raw: h, removeOnRelease: true}, nil
}

func isMechanismInvalid(err error) bool {
	ck, ok := err.(pkcs11.Error)
	return ok && uint(ck) == pkcs11.CKR_MECHANISM_INVALID
}

// privateKeyHandleVisible defends against KEY_HANDLE_INVALID sometimes
// seen during a later sign init, by checking that a full private-key
// enumeration on this session actually contains the freshly unwrapped
// handle (spec §4.5).
func privateKeyHandleVisible(sess *Session, h pkcs11.ObjectHandle) bool {
	handles, err := findObjects(sess, []*pkcs11.Attribute{
		attr(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	})
	if err != nil {
		return false
	}
	for _, x := range handles {
		if x == h {
			return true
		}
	}
	return false
}

// RemoveKey removes the key material addressed by alias, following the
// certificate-first algorithm of spec §4.5.
func (s *Slot) RemoveKey(alias string) error {
	return s.withLoginSession(func(sess *Session) error {
		certs, err := findCertificatesByLabel(sess, alias)
		if err != nil {
			return err
		}

		if len(certs) > 0 {
			var lastErr error
			removed := false
			for _, cert := range certs {
				id, err := cert.getAttr(pkcs11.CKA_ID)
				if err != nil {
					lastErr = err
					continue
				}
				privs, err := findPrivateKeysByID(sess, id)
				if err != nil {
					lastErr = err
					continue
				}
				if len(privs) != 1 {
					continue
				}
				if err := privs[0].destroy(); err != nil {
					lastErr = err
					continue
				}
				removed = true
				if err := removeChain(sess, cert, make(map[string]bool)); err != nil {
					logWarnf("pk11: error removing certificate chain for alias %q: %s", alias, err)
				}
			}
			if !removed {
				if lastErr != nil {
					return lastErr
				}
				return newErrf(KindNotFound, "no private key found for alias %q", alias)
			}
			return nil
		}

		var any bool
		for _, class := range []uint{pkcs11.CKO_SECRET_KEY, pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY} {
			for _, attrType := range []uint{pkcs11.CKA_LABEL, pkcs11.CKA_ID} {
				objs, err := findByAttr(sess, class, attrType, []byte(alias))
				if err != nil {
					return err
				}
				for _, o := range objs {
					if err := (object{sess: sess, raw: o}).destroy(); err != nil {
						return err
					}
					any = true
				}
			}
		}
		if !any {
			return newErrf(KindNotFound, "no object with label or ID %q", alias)
		}
		return nil
	})
}
