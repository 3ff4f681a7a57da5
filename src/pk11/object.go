// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"github.com/miekg/pkcs11"
)

// attr is a small constructor alias for pkcs11.NewAttribute, matching the
// dense attribute-template style of the teacher's src/pk11/rsa.go and
// src/pk11/aes.go.
func attr(typ uint, val interface{}) *pkcs11.Attribute {
	return pkcs11.NewAttribute(typ, val)
}

// object is a handle to a single Cryptoki object living within one
// session, plus the session it was found through. It is not exported; all
// public surface goes through PrivateKey/PublicKey/SecretKey/Certificate.
type object struct {
	sess *Session
	raw  pkcs11.ObjectHandle
}

// getAttr reads a single attribute from an object, consulting and
// populating the session's slot-level attribute cache (C2/C4).
func (o object) getAttr(typ uint) ([]byte, error) {
	cache := o.sess.slot.cache
	key := attrKey{obj: o.raw, attr: typ}

	if o.sess.useCache() && cache.attributeExists(key) {
		return cache.getAttribute(key), nil
	}

	vals, err := o.sess.binding().GetAttributeValue(o.sess.raw, o.raw, []*pkcs11.Attribute{attr(typ, nil)})
	if err != nil {
		return nil, newErrf(KindProtocolFailure, "get attribute %d on object %d: %s", typ, o.raw, err)
	}
	if len(vals) == 0 || vals[0].Value == nil {
		return nil, nil
	}

	cache.addAttribute(key, vals[0].Value)
	return vals[0].Value, nil
}

// getAttrs reads several attributes at once in a single Cryptoki call,
// bypassing the cache (used for bulk reads such as MODULUS+EXPONENT after
// key generation, where the objects are freshly created and never cached).
func (o object) getAttrs(types ...uint) ([][]byte, error) {
	tmpl := make([]*pkcs11.Attribute, len(types))
	for i, t := range types {
		tmpl[i] = attr(t, nil)
	}
	vals, err := o.sess.binding().GetAttributeValue(o.sess.raw, o.raw, tmpl)
	if err != nil {
		return nil, newError(err, "could not read attributes")
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = v.Value
	}
	return out, nil
}

// destroy destroys the underlying Cryptoki object and purges every cache
// entry that refers to it, satisfying the invariant in spec §8.2.
func (o object) destroy() error {
	if err := o.sess.binding().DestroyObject(o.sess.raw, o.raw); err != nil {
		return newError(err, "could not destroy object")
	}
	o.sess.slot.cache.removeAllByObject(o.raw)
	return nil
}

// findObjects runs a find-objects-init/find-objects/find-objects-final
// cycle to completion, draining results until the library reports no
// more, matching the three-call protocol used by the adjacent notary
// trustmanager/pkcs11 package.
func findObjects(s *Session, tmpl []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	b := s.binding()
	if err := b.FindObjectsInit(s.raw, tmpl); err != nil {
		return nil, newError(err, "could not start object search")
	}

	var all []pkcs11.ObjectHandle
	for {
		batch, _, err := b.FindObjects(s.raw, 32)
		if err != nil {
			b.FindObjectsFinal(s.raw)
			return nil, newError(err, "could not enumerate objects")
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}

	if err := b.FindObjectsFinal(s.raw); err != nil {
		return nil, newError(err, "could not finalize object search")
	}
	return all, nil
}

// findByAttr performs a class+attribute search, consulting and populating
// the slot's attribute cache, per spec §4.2/§4.4: both positive and
// negative (empty) results are cached.
func findByAttr(s *Session, class, attrType uint, value []byte) ([]pkcs11.ObjectHandle, error) {
	cache := s.slot.cache
	key := newSearchKey(class, attrType, value)

	if s.useCache() && cache.objectsExist(key) {
		return cache.getObjects(key), nil
	}

	tmpl := []*pkcs11.Attribute{
		attr(pkcs11.CKA_TOKEN, true),
		attr(pkcs11.CKA_CLASS, class),
		attr(attrType, value),
	}
	handles, err := findObjects(s, tmpl)
	if err != nil {
		return nil, err
	}

	cache.addObjects(key, handles)
	return handles, nil
}
