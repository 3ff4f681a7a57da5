// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"sync/atomic"

	"github.com/miekg/pkcs11"
)

// Slot is one Cryptoki slot discovered under a Device: a session pool, an
// attribute cache, and the token identity (id, arrival index, optional
// label) that a caller uses to address it (C2/C3).
type Slot struct {
	device *Device
	id     uint
	index  int
	label  string // empty if the token's label failed to decode as UTF-8

	pool  *sessionPool
	cache *attrCache

	useCacheFlag int32 // atomic bool; 1 = use cache
}

func newSlot(d *Device, id uint, useCache bool) *Slot {
	s := &Slot{
		device: d,
		id:     id,
		index:  -1,
		pool:   newSessionPool(id, d.binding),
		cache:  newAttrCache(),
	}
	if useCache {
		s.useCacheFlag = 1
	}
	return s
}

// ID returns the slot's numeric Cryptoki slot id.
func (s *Slot) ID() uint { return s.id }

// Label returns the slot's decoded token label, or "" if it failed to
// decode as UTF-8 at discovery time.
func (s *Slot) Label() string { return s.label }

// SetUseCache toggles whether sessions opened against this slot consult
// the attribute cache. Existing cache contents are left intact; while the
// flag is off, lookups skip reading the cache but still record their
// results in it.
func (s *Slot) SetUseCache(use bool) {
	var v int32
	if use {
		v = 1
	}
	atomic.StoreInt32(&s.useCacheFlag, v)
}

func (s *Slot) useCacheDefault() bool {
	return atomic.LoadInt32(&s.useCacheFlag) != 0
}

// Session is a live, checked-out handle to one session on a Slot. Callers
// obtain one with Slot.OpenSession and must return it with Session.Close,
// matching the acquire/release discipline of sessionPool (C3).
type Session struct {
	slot     *Slot
	raw      pkcs11.SessionHandle
	loginSes bool // true if this Session wraps the slot's dedicated login session
	useCacheOverride *bool
}

// OpenSession checks out a session from the slot's pool. The returned
// Session must be closed by the caller; it is not safe for concurrent use
// by multiple goroutines.
func (s *Slot) OpenSession() (*Session, error) {
	sh, err := s.pool.acquire()
	if err != nil {
		return nil, err
	}
	return &Session{slot: s, raw: sh}, nil
}

// Close returns the session to the slot's pool. Closing the slot's
// dedicated login session here is a programming error; use Logout
// instead, and Close is a no-op in that case.
func (sess *Session) Close() {
	if sess.loginSes {
		return
	}
	sess.slot.pool.release(sess.raw)
}

func (sess *Session) binding() Binding { return sess.slot.device.binding }

func (sess *Session) useCache() bool {
	if sess.useCacheOverride != nil {
		return *sess.useCacheOverride
	}
	return sess.slot.useCacheDefault()
}

// Login establishes the slot's dedicated login session (C3): a session
// held for the lifetime of the logged-in state, separate from the
// transient sessions used for lookups. It is idempotent; logging in twice
// with the same PIN re-authenticates the existing login session.
func (s *Slot) Login(pin string) error {
	return s.pool.login_(pin)
}

// Logout tears down the slot's dedicated login session. It is idempotent:
// calling it when not logged in is a no-op.
func (s *Slot) Logout() error {
	return s.pool.logout()
}

// withSession is the common "acquire, do work, release" pattern used by
// higher-level operations in keys.go, chain.go and aliases.go.
func (s *Slot) withSession(f func(*Session) error) error {
	sess, err := s.OpenSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return f(sess)
}

// withLoginSession runs f against the slot's dedicated login session,
// which must already have been established with Login. Operations that
// require CKU_USER authentication (key generation, certificate-chain
// import, key removal, key authorization) use this rather than a
// transient session.
func (s *Slot) withLoginSession(f func(*Session) error) error {
	sh, ok := s.pool.loginSession()
	if !ok {
		return newErr(KindInvalidArgument, "slot is not logged in")
	}
	sess := &Session{slot: s, raw: sh, loginSes: true}
	return f(sess)
}
