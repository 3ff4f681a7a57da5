// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"fmt"
	"io"

	"github.com/miekg/pkcs11"
)

// AliasKind distinguishes what an alias names, per spec §6.
type AliasKind int

const (
	AliasPrivateKey AliasKind = iota
	AliasSecretKey
)

func (k AliasKind) String() string {
	switch k {
	case AliasPrivateKey:
		return "PRIVATE_KEY"
	case AliasSecretKey:
		return "SECRET_KEY"
	default:
		return "UNKNOWN"
	}
}

// AliasEntry is one element of the sequence returned by Aliases.
type AliasEntry struct {
	Alias string
	Kind  AliasKind
}

// Aliases enumerates every addressable alias on the slot: every
// PRIVATE_KEY object (named by the LABEL of its matching certificate, or
// the UTF-8 decoding of its ID if no certificate matches) and every
// SECRET_KEY object (named by its LABEL), per spec §6.
func (s *Slot) Aliases() ([]AliasEntry, error) {
	var entries []AliasEntry
	err := s.withSession(func(sess *Session) error {
		privs, err := findByAttr(sess, pkcs11.CKO_PRIVATE_KEY, pkcs11.CKA_TOKEN, []byte{1})
		if err != nil {
			return err
		}
		for _, h := range privs {
			o := object{sess: sess, raw: h}
			id, err := o.getAttr(pkcs11.CKA_ID)
			if err != nil {
				return err
			}
			alias := string(id)
			certs, err := findByAttr(sess, pkcs11.CKO_CERTIFICATE, pkcs11.CKA_ID, id)
			if err != nil {
				return err
			}
			if len(certs) > 0 {
				label, err := (object{sess: sess, raw: certs[0]}).getAttr(pkcs11.CKA_LABEL)
				if err != nil {
					return err
				}
				if len(label) > 0 {
					alias = string(label)
				}
			}
			entries = append(entries, AliasEntry{Alias: alias, Kind: AliasPrivateKey})
		}

		secrets, err := findByAttr(sess, pkcs11.CKO_SECRET_KEY, pkcs11.CKA_TOKEN, []byte{1})
		if err != nil {
			return err
		}
		for _, h := range secrets {
			label, err := (object{sess: sess, raw: h}).getAttr(pkcs11.CKA_LABEL)
			if err != nil {
				return err
			}
			entries = append(entries, AliasEntry{Alias: string(label), Kind: AliasSecretKey})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// securityAttrs lists the attribute types SecurityInfo dumps, in order.
var securityAttrs = []struct {
	typ  uint
	name string
}{
	{pkcs11.CKA_SENSITIVE, "SENSITIVE"},
	{pkcs11.CKA_ALWAYS_SENSITIVE, "ALWAYS_SENSITIVE"},
	{pkcs11.CKA_EXTRACTABLE, "EXTRACTABLE"},
	{pkcs11.CKA_NEVER_EXTRACTABLE, "NEVER_EXTRACTABLE"},
	{pkcs11.CKA_PRIVATE, "PRIVATE"},
	{pkcs11.CKA_DERIVE, "DERIVE"},
	{pkcs11.CKA_MODIFIABLE, "MODIFIABLE"},
}

// SecurityInfo appends a textual dump of alias's security-relevant
// boolean attributes to out, per spec §6. alias is resolved as a private
// key first, then as a secret key.
func (s *Slot) SecurityInfo(alias string, out io.Writer) error {
	return s.withSession(func(sess *Session) error {
		var o object
		if priv, err := privateKeyForAlias(sess, alias); err == nil {
			o = priv
		} else if sec, err := secretKeyForAlias(sess, alias); err == nil {
			o = sec
		} else {
			return newErrf(KindNotFound, "no key found for alias %q", alias)
		}

		fmt.Fprintf(out, "security info for %q:\n", alias)
		for _, a := range securityAttrs {
			val, err := o.getAttr(a.typ)
			if err != nil {
				return err
			}
			set := len(val) > 0 && val[0] != 0
			fmt.Fprintf(out, "  %s: %v\n", a.name, set)
		}
		return nil
	})
}
