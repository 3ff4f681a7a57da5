// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package mockhsm is an in-memory, pure-Go fake of a Cryptoki token,
// implementing pk11.Binding. It exists so the pk11 package's pooling,
// caching, resolver, and lifecycle logic can be exercised without a real
// HSM or a SoftHSM sandbox, following the same mockable-binding idea as
// the notary project's IPKCS11Ctx interface, adapted to this package's
// narrower Binding surface.
//
// It is not a conformance fake: mechanism semantics are only as faithful
// as the tests that exercise them require. In particular the vendor CP5
// authorize calls are bookkeeping only, since the real protocol's wire
// format embeds cgo heap pointers that only make sense against a real
// vtable (see internal/nativeauth).
package mockhsm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/tink/go/kwp/subtle"
	"github.com/miekg/pkcs11"
)

type object struct {
	attrs map[uint][]byte
}

func (o *object) get(typ uint) []byte { return o.attrs[typ] }

func (o *object) matches(typ uint, value []byte) bool {
	v, ok := o.attrs[typ]
	if !ok {
		return false
	}
	return string(v) == string(value)
}

type authKey struct {
	sh pkcs11.SessionHandle
	o  pkcs11.ObjectHandle
}

// Ctx is an in-memory Cryptoki token set. The zero value is not usable;
// construct with New.
type Ctx struct {
	mu sync.Mutex

	slotIDs    []uint
	tokenLabel map[uint]string

	nextHandle  pkcs11.ObjectHandle
	objects     map[pkcs11.ObjectHandle]*object
	privateKeys map[pkcs11.ObjectHandle]*rsa.PrivateKey

	nextSession pkcs11.SessionHandle
	sessions    map[pkcs11.SessionHandle]uint
	loggedIn    map[pkcs11.SessionHandle]bool

	findCursor  map[pkcs11.SessionHandle][]pkcs11.ObjectHandle
	pendingAuth map[authKey][]byte
	pendingSign map[pkcs11.SessionHandle]pkcs11.ObjectHandle
}

// New constructs a fake token set with one slot per entry in labels,
// keyed by slot id.
func New(labels map[uint]string) *Ctx {
	c := &Ctx{
		tokenLabel:  labels,
		objects:     make(map[pkcs11.ObjectHandle]*object),
		privateKeys: make(map[pkcs11.ObjectHandle]*rsa.PrivateKey),
		sessions:    make(map[pkcs11.SessionHandle]uint),
		loggedIn:    make(map[pkcs11.SessionHandle]bool),
		findCursor:  make(map[pkcs11.SessionHandle][]pkcs11.ObjectHandle),
		pendingAuth: make(map[authKey][]byte),
		pendingSign: make(map[pkcs11.SessionHandle]pkcs11.ObjectHandle),
	}
	for id := range labels {
		c.slotIDs = append(c.slotIDs, id)
	}
	return c
}

func (c *Ctx) Initialize() error { return nil }
func (c *Ctx) Finalize() error   { return nil }
func (c *Ctx) Destroy()          {}

func (c *Ctx) GetSlotList(tokenPresent bool) ([]uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint(nil), c.slotIDs...), nil
}

func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	label, ok := c.tokenLabel[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, fmt.Errorf("no such slot %d", slotID)
	}
	return pkcs11.TokenInfo{Label: label}, nil
}

func (c *Ctx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokenLabel[slotID]; !ok {
		return 0, fmt.Errorf("no such slot %d", slotID)
	}
	c.nextSession++
	sh := c.nextSession
	c.sessions[sh] = slotID
	return sh, nil
}

func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sh]; !ok {
		return fmt.Errorf("no such session %d", sh)
	}
	delete(c.sessions, sh)
	delete(c.loggedIn, sh)
	return nil
}

func (c *Ctx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sh]; !ok {
		return fmt.Errorf("no such session %d", sh)
	}
	c.loggedIn[sh] = true
	return nil
}

func (c *Ctx) Logout(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loggedIn, sh)
	return nil
}

func (c *Ctx) CreateObject(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createLocked(tmpl), nil
}

func (c *Ctx) createLocked(tmpl []*pkcs11.Attribute) pkcs11.ObjectHandle {
	o := &object{attrs: make(map[uint][]byte, len(tmpl))}
	for _, a := range tmpl {
		o.attrs[a.Type] = a.Value
	}
	c.nextHandle++
	h := c.nextHandle
	c.objects[h] = o
	return h
}

func (c *Ctx) DestroyObject(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[o]; !ok {
		return fmt.Errorf("no such object %d", o)
	}
	delete(c.objects, o)
	delete(c.privateKeys, o)
	return nil
}

func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []pkcs11.ObjectHandle
	for h, o := range c.objects {
		ok := true
		for _, a := range tmpl {
			if !o.matches(a.Type, a.Value) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, h)
		}
	}
	c.findCursor[sh] = matches
	return nil
}

func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursor := c.findCursor[sh]
	if len(cursor) == 0 {
		return nil, false, nil
	}
	if max > len(cursor) {
		max = len(cursor)
	}
	batch := cursor[:max]
	c.findCursor[sh] = cursor[max:]
	return batch, len(c.findCursor[sh]) > 0, nil
}

func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.findCursor, sh)
	return nil
}

func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[o]
	if !ok {
		return nil, fmt.Errorf("no such object %d", o)
	}
	out := make([]*pkcs11.Attribute, len(a))
	for i, want := range a {
		out[i] = &pkcs11.Attribute{Type: want.Type, Value: obj.get(want.Type)}
	}
	return out, nil
}

func (c *Ctx) GenerateKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	full := append([]*pkcs11.Attribute(nil), tmpl...)
	full = append(full, pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY))

	valueLen := 32
	for _, a := range tmpl {
		if a.Type == pkcs11.CKA_VALUE_LEN {
			valueLen = int(bytesToUint(a.Value))
		}
	}
	value := make([]byte, valueLen)
	if _, err := rand.Read(value); err != nil {
		return 0, err
	}
	full = append(full, pkcs11.NewAttribute(pkcs11.CKA_VALUE, value))

	return c.createLocked(full), nil
}

// bytesToUint decodes a CK_ULONG attribute value, which pkcs11.NewAttribute
// encodes in native byte order.
func bytesToUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.NativeEndian.Uint64(buf[:])
}

func (c *Ctx) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, pub, priv []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	bits := 2048
	for _, a := range pub {
		if a.Type == pkcs11.CKA_MODULUS_BITS {
			bits = int(bytesToUint(a.Value))
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pubFull := append([]*pkcs11.Attribute(nil), pub...)
	pubFull = append(pubFull,
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, key.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(key.E)).Bytes()),
	)
	pubH := c.createLocked(pubFull)

	privFull := append([]*pkcs11.Attribute(nil), priv...)
	privFull = append(privFull,
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
	)
	privH := c.createLocked(privFull)
	c.privateKeys[privH] = key

	return pubH, privH, nil
}

func (c *Ctx) WrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey, key pkcs11.ObjectHandle) ([]byte, error) {
	c.mu.Lock()
	priv, ok := c.privateKeys[key]
	wrapper, wok := c.objects[wrappingKey]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %d is not a known private key", key)
	}
	if !wok {
		return nil, fmt.Errorf("no such wrapping key %d", wrappingKey)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	kwp, err := subtle.NewKWP(wrapper.get(pkcs11.CKA_VALUE))
	if err != nil {
		return nil, err
	}
	return kwp.Wrap(der)
}

func (c *Ctx) UnwrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey pkcs11.ObjectHandle, wrapped []byte, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	c.mu.Lock()
	wrapper, wok := c.objects[wrappingKey]
	c.mu.Unlock()
	if !wok {
		return 0, fmt.Errorf("no such wrapping key %d", wrappingKey)
	}

	kwp, err := subtle.NewKWP(wrapper.get(pkcs11.CKA_VALUE))
	if err != nil {
		return 0, err
	}
	der, err := kwp.Unwrap(wrapped)
	if err != nil {
		return 0, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return 0, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return 0, fmt.Errorf("unwrapped key is not RSA")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	full := append([]*pkcs11.Attribute(nil), tmpl...)
	full = append(full,
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, rsaKey.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(rsaKey.E)).Bytes()),
	)
	h := c.createLocked(full)
	c.privateKeys[h] = rsaKey
	return h, nil
}

func (c *Ctx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.privateKeys[o]; !ok {
		return fmt.Errorf("object %d is not a known private key", o)
	}
	c.pendingSign[sh] = o
	return nil
}

// Sign signs message with whichever private key the most recent SignInit
// on this session named, using a raw (unhashed) PKCS#1 v1.5 signature; the
// fake does not model mechanism-specific padding beyond that.
func (c *Ctx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.mu.Lock()
	o, ok := c.pendingSign[sh]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("sign called without a preceding sign_init on session %d", sh)
	}
	key := c.privateKeys[o]
	delete(c.pendingSign, sh)
	c.mu.Unlock()

	return rsa.SignPKCS1v15(rand.Reader, key, 0, message)
}

// AuthorizeKeyInit is bookkeeping only; see the package doc comment.
func (c *Ctx) AuthorizeKeyInit(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, params []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[o]; !ok {
		return nil, fmt.Errorf("no such object %d", o)
	}
	sum := sha256.Sum256(params)
	c.pendingAuth[authKey{sh, o}] = sum[:]
	return sum[:], nil
}

// AuthorizeKey is bookkeeping only; see the package doc comment.
func (c *Ctx) AuthorizeKey(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, authData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pendingAuth[authKey{sh, o}]; !ok {
		return fmt.Errorf("authorize_key called without a preceding authorize_key_init for object %d", o)
	}
	if len(authData) == 0 {
		return fmt.Errorf("empty authorization signature")
	}
	delete(c.pendingAuth, authKey{sh, o})
	return nil
}
