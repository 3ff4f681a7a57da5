// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package nativeauth is a cgo wrapper for reaching into the C API of a
// PKCS#11 module for the vendor "CP5" key-authorization extension
// (C_AuthorizeKeyInit / C_AuthorizeKey), which package
// "github.com/miekg/pkcs11" does not expose. It follows the same pattern
// the OpenTitan provisioning pk11 package uses for its own vendor
// extension, C_DeriveKey via a raw function-table offset: we don't depend
// on a full vendor pkcs11.h, we redefine the field layout we need, because
// the struct layout is fixed by the HSM vendor's header.
package nativeauth

import (
	"unsafe"

	"github.com/miekg/pkcs11"
)

/*
#include <stdlib.h>

typedef unsigned char CK_BBOOL;
typedef unsigned long CK_ULONG;
typedef CK_ULONG CK_RV;
typedef CK_ULONG CK_SESSION_HANDLE;
typedef CK_ULONG CK_OBJECT_HANDLE;

struct CK_CP5_INITIALIZE_PARAMS {
  void* modulus;
  CK_ULONG modulus_len;
  void* exponent;
  CK_ULONG exponent_len;
  CK_ULONG protocol;
  CK_BBOOL assigned;
};

struct CK_CP5_AUTHORIZE_PARAMS {
  CK_ULONG ul_count;
};

struct CK_CP5_AUTH_DATA {
  void* signature;
  CK_ULONG signature_len;
};

// These are vendor extension slots appended past the standard v2.40
// CK_FUNCTION_LIST (101 entries); the exact offsets are fixed by the HSM
// vendor's header and must match it byte-for-byte.
#define kAuthorizeKeyInitOffset 101
#define kAuthorizeKeyOffset     102

typedef CK_RV (*CK_C_AuthorizeKeyInit)(
  CK_SESSION_HANDLE, CK_OBJECT_HANDLE, void*, CK_ULONG, void*, CK_ULONG*);
typedef CK_RV (*CK_C_AuthorizeKey)(
  CK_SESSION_HANDLE, CK_OBJECT_HANDLE, void*, CK_ULONG);

struct ctx {
  void* handle;
  void** vtable;
};

CK_RV RawAuthorizeKeyInit(struct ctx** c, CK_SESSION_HANDLE session,
    CK_OBJECT_HANDLE key, void* params, CK_ULONG paramsLen,
    void* hashOut, CK_ULONG* hashLen)
{
  void* fn = (**c).vtable[kAuthorizeKeyInitOffset];
  return ((CK_C_AuthorizeKeyInit)fn)(session, key, params, paramsLen, hashOut, hashLen);
}

CK_RV RawAuthorizeKey(struct ctx** c, CK_SESSION_HANDLE session,
    CK_OBJECT_HANDLE key, void* authData, CK_ULONG authDataLen)
{
  void* fn = (**c).vtable[kAuthorizeKeyOffset];
  return ((CK_C_AuthorizeKey)fn)(session, key, authData, authDataLen);
}
*/
import "C"

// HashLen is the fixed length of the hash returned by AuthorizeKeyInit,
// per the CP5 protocol (§4.7/§6 of the spec).
const HashLen = 32

// Protocol identifies the CP5 signature protocol used to authorize a key.
// RSAPSSSHA256 is the only protocol this package supports, per spec.
const ProtocolRSAPSSSHA256 = 1

// EncodeInitParams builds a CK_CP5_INITIALIZE_PARAMS blob for the "assign"
// phase of the protocol: modulus/exponent of the caller's
// key-authorization key, padded per spec (modulus to ceil(bits/8), exponent
// to 3 bytes by the caller), plus protocol constant and assigned=1.
//
// The returned blob is a Go byte copy of the struct. The modulus and
// exponent buffers it points at are allocated on the C heap and are not
// freed by this package.
func EncodeInitParams(modulus, exponent []byte) []byte {
	p := C.struct_CK_CP5_INITIALIZE_PARAMS{
		modulus:      C.CBytes(modulus),
		modulus_len:  C.CK_ULONG(len(modulus)),
		exponent:     C.CBytes(exponent),
		exponent_len: C.CK_ULONG(len(exponent)),
		protocol:     C.CK_ULONG(ProtocolRSAPSSSHA256),
		assigned:     1,
	}
	return structToBytes(unsafe.Pointer(&p), C.sizeof_struct_CK_CP5_INITIALIZE_PARAMS)
}

// EncodeAuthorizeParams builds a CK_CP5_AUTHORIZE_PARAMS blob carrying the
// operation count for the "authorize" phase of the protocol.
func EncodeAuthorizeParams(operationCount uint64) []byte {
	p := C.struct_CK_CP5_AUTHORIZE_PARAMS{
		ul_count: C.CK_ULONG(operationCount),
	}
	return structToBytes(unsafe.Pointer(&p), C.sizeof_struct_CK_CP5_AUTHORIZE_PARAMS)
}

// EncodeAuthData builds a CK_CP5_AUTH_DATA blob carrying the RSA-PSS
// signature over the hash returned by AuthorizeKeyInit. The signature
// buffer it points at is allocated on the C heap and is not freed by this
// package.
func EncodeAuthData(signature []byte) []byte {
	p := C.struct_CK_CP5_AUTH_DATA{
		signature:     C.CBytes(signature),
		signature_len: C.CK_ULONG(len(signature)),
	}
	return structToBytes(unsafe.Pointer(&p), C.sizeof_struct_CK_CP5_AUTH_DATA)
}

func structToBytes(p unsafe.Pointer, size C.size_t) []byte {
	return C.GoBytes(p, C.int(size))
}

// AuthorizeKeyInit calls the vendor C_AuthorizeKeyInit function, passing
// the opaque params blob built by EncodeInitParams or
// EncodeAuthorizeParams, and returns the fixed-length hash the HSM
// produces to be signed by the key-authorization key.
func AuthorizeKeyInit(ctx *pkcs11.Ctx, sh pkcs11.SessionHandle, key pkcs11.ObjectHandle, params []byte) ([]byte, error) {
	cParams := C.CBytes(params)
	defer C.free(cParams)

	hashBuf := C.malloc(C.size_t(HashLen))
	defer C.free(hashBuf)
	hashLen := C.CK_ULONG(HashLen)

	rv := C.RawAuthorizeKeyInit(
		(**C.struct_ctx)(unsafe.Pointer(ctx)),
		C.CK_SESSION_HANDLE(sh),
		C.CK_OBJECT_HANDLE(key),
		cParams, C.CK_ULONG(len(params)),
		hashBuf, &hashLen)
	if rv != 0 {
		return nil, pkcs11.Error(rv)
	}
	return C.GoBytes(hashBuf, C.int(hashLen)), nil
}

// AuthorizeKey calls the vendor C_AuthorizeKey function, submitting the
// signature over the hash obtained from AuthorizeKeyInit.
func AuthorizeKey(ctx *pkcs11.Ctx, sh pkcs11.SessionHandle, key pkcs11.ObjectHandle, authData []byte) error {
	cAuthData := C.CBytes(authData)
	defer C.free(cAuthData)

	rv := C.RawAuthorizeKey(
		(**C.struct_ctx)(unsafe.Pointer(ctx)),
		C.CK_SESSION_HANDLE(sh),
		C.CK_OBJECT_HANDLE(key),
		cAuthData, C.CK_ULONG(len(authData)))
	if rv != 0 {
		return pkcs11.Error(rv)
	}
	return nil
}
