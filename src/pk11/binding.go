// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package pk11 provides a safe, pooled, caching façade over a PKCS#11
// (Cryptoki) hardware security module library, wrapping
// "github.com/miekg/pkcs11" the way src/pk11 wraps it for OpenTitan
// provisioning, generalized to alias-based certificate/key lookups.
package pk11

import (
	"github.com/miekg/pkcs11"

	"github.com/hsm11/device/src/pk11/internal/nativeauth"
)

// Binding is the thin typed wrapper over the Cryptoki C ABI that this
// package requires (C1). It is deliberately narrow so that it can be
// faked in tests without a real HSM or SoftHSM sandbox; see
// internal/mockhsm for the in-memory implementation used by this
// package's own tests.
type Binding interface {
	Initialize() error
	Finalize() error
	Destroy()

	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)

	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error

	CreateObject(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	DestroyObject(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle) error

	FindObjectsInit(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error

	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)

	GenerateKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)
	GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, pub, priv []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error)
	WrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey, key pkcs11.ObjectHandle) ([]byte, error)
	UnwrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey pkcs11.ObjectHandle, wrapped []byte, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error)

	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)

	// AuthorizeKeyInit and AuthorizeKey are the vendor CP5 key-authorization
	// calls (C7); params and authData are opaque, vendor-specific byte
	// blobs built by internal/nativeauth.
	AuthorizeKeyInit(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, params []byte) ([]byte, error)
	AuthorizeKey(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, authData []byte) error
}

// realBinding adapts *pkcs11.Ctx to the Binding interface.
type realBinding struct {
	ctx *pkcs11.Ctx
}

// NewRealBinding loads the Cryptoki shared library at path and wraps it.
// It does not call Initialize; the caller (Device) is responsible for
// lifecycle.
func NewRealBinding(path string) (Binding, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, newErrf(KindOffline, "failed to load Cryptoki library %q", path)
	}
	return &realBinding{ctx: ctx}, nil
}

// Initialize initializes the library. A "CKR_CRYPTOKI_ALREADY_INITIALIZED"
// response is the library's documented idempotence signal and is converted
// to success, per spec.
func (b *realBinding) Initialize() error {
	err := b.ctx.Initialize()
	if ck, ok := err.(pkcs11.Error); ok && ck == pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
		return nil
	}
	return err
}

func (b *realBinding) Finalize() error { return b.ctx.Finalize() }
func (b *realBinding) Destroy()        { b.ctx.Destroy() }

func (b *realBinding) GetSlotList(tokenPresent bool) ([]uint, error) {
	return b.ctx.GetSlotList(tokenPresent)
}

func (b *realBinding) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	return b.ctx.GetTokenInfo(slotID)
}

func (b *realBinding) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	return b.ctx.OpenSession(slotID, flags)
}

func (b *realBinding) CloseSession(sh pkcs11.SessionHandle) error { return b.ctx.CloseSession(sh) }

func (b *realBinding) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	return b.ctx.Login(sh, userType, pin)
}

func (b *realBinding) Logout(sh pkcs11.SessionHandle) error { return b.ctx.Logout(sh) }

func (b *realBinding) CreateObject(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	return b.ctx.CreateObject(sh, tmpl)
}

func (b *realBinding) DestroyObject(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle) error {
	return b.ctx.DestroyObject(sh, o)
}

func (b *realBinding) FindObjectsInit(sh pkcs11.SessionHandle, tmpl []*pkcs11.Attribute) error {
	return b.ctx.FindObjectsInit(sh, tmpl)
}

func (b *realBinding) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	return b.ctx.FindObjects(sh, max)
}

func (b *realBinding) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	return b.ctx.FindObjectsFinal(sh)
}

func (b *realBinding) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	return b.ctx.GetAttributeValue(sh, o, a)
}

func (b *realBinding) GenerateKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	return b.ctx.GenerateKey(sh, m, tmpl)
}

func (b *realBinding) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, pub, priv []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	return b.ctx.GenerateKeyPair(sh, m, pub, priv)
}

func (b *realBinding) WrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey, key pkcs11.ObjectHandle) ([]byte, error) {
	return b.ctx.WrapKey(sh, m, wrappingKey, key)
}

func (b *realBinding) UnwrapKey(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, wrappingKey pkcs11.ObjectHandle, wrapped []byte, tmpl []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	return b.ctx.UnwrapKey(sh, m, wrappingKey, wrapped, tmpl)
}

func (b *realBinding) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return b.ctx.SignInit(sh, m, o)
}

func (b *realBinding) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	return b.ctx.Sign(sh, message)
}

func (b *realBinding) AuthorizeKeyInit(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, params []byte) ([]byte, error) {
	return nativeauth.AuthorizeKeyInit(b.ctx, sh, o, params)
}

func (b *realBinding) AuthorizeKey(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, authData []byte) error {
	return nativeauth.AuthorizeKey(b.ctx, sh, o, authData)
}
