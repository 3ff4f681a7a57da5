// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"sync"

	"github.com/miekg/pkcs11"
)

// sessionFlags opens a read-write, serial session, per spec §3 ("Session").
const sessionFlags = pkcs11.CKF_SERIAL_SESSION | pkcs11.CKF_RW_SESSION

// sessionPool manages one slot's sessions: an idle stack, an active set,
// and an optional dedicated login session (C3). All mutators run under mu;
// no native library call is made while holding it longer than it takes to
// decide whether a new session must be opened/closed, per the concurrency
// model in spec §5.
type sessionPool struct {
	mu sync.Mutex

	slotID  uint
	binding Binding

	idle   []pkcs11.SessionHandle // stack; top = last element
	active map[pkcs11.SessionHandle]struct{}
	login  *pkcs11.SessionHandle
}

func newSessionPool(slotID uint, b Binding) *sessionPool {
	return &sessionPool{
		slotID:  slotID,
		binding: b,
		active:  make(map[pkcs11.SessionHandle]struct{}),
	}
}

// acquire returns the top of the idle stack if one is available, otherwise
// opens a new session.
func (p *sessionPool) acquire() (pkcs11.SessionHandle, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		sh := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active[sh] = struct{}{}
		p.mu.Unlock()
		return sh, nil
	}
	p.mu.Unlock()

	sh, err := p.binding.OpenSession(p.slotID, sessionFlags)
	if err != nil {
		return 0, newErrf(KindOffline, "could not open session on slot %d: %s", p.slotID, err)
	}

	p.mu.Lock()
	p.active[sh] = struct{}{}
	p.mu.Unlock()
	return sh, nil
}

// release returns a session to the idle stack (LIFO). Releasing an unknown
// session is logged and treated as a no-op, never fatal, per spec §4.3.
func (p *sessionPool) release(sh pkcs11.SessionHandle) {
	p.mu.Lock()
	if _, ok := p.active[sh]; !ok {
		p.mu.Unlock()
		logWarnf("pk11: release of unknown session %d on slot %d", sh, p.slotID)
		return
	}
	delete(p.active, sh)
	p.idle = append(p.idle, sh)
	p.mu.Unlock()
}

// close closes a session and removes it from the active set. A session
// found in the idle stack afterward would violate the pool invariant; that
// case is logged defensively but otherwise not expected to occur because
// close is only ever called on a session the caller currently holds
// active.
func (p *sessionPool) close(sh pkcs11.SessionHandle) error {
	p.mu.Lock()
	delete(p.active, sh)
	p.mu.Unlock()

	if err := p.binding.CloseSession(sh); err != nil {
		return newError(err, "could not close session")
	}

	p.mu.Lock()
	for _, s := range p.idle {
		if s == sh {
			logWarnf("pk11: closed session %d on slot %d still present in idle stack", sh, p.slotID)
			break
		}
	}
	p.mu.Unlock()
	return nil
}

// login acquires (if necessary) and retains a dedicated login session, and
// logs into it as CKU_USER with the given PIN. The login session is not
// released back to idle afterward; it is held until logout.
func (p *sessionPool) login_(pin string) error {
	p.mu.Lock()
	existing := p.login
	p.mu.Unlock()
	if existing != nil {
		return loginOnSession(p.binding, *existing, pin)
	}

	sh, err := p.acquire()
	if err != nil {
		return err
	}
	if err := loginOnSession(p.binding, sh, pin); err != nil {
		p.release(sh)
		return err
	}

	p.mu.Lock()
	p.login = &sh
	p.mu.Unlock()
	return nil
}

func loginOnSession(b Binding, sh pkcs11.SessionHandle, pin string) error {
	if err := b.Login(sh, pkcs11.CKU_USER, pin); err != nil {
		return newError(err, "login failed")
	}
	return nil
}

// logout logs out of the login session (if any), releases it back to
// idle, and clears it, on every exit path. A second call after the first
// succeeded is a no-op, satisfying the idempotence law in spec §8.
func (p *sessionPool) logout() error {
	p.mu.Lock()
	sh := p.login
	p.mu.Unlock()
	if sh == nil {
		return nil
	}

	err := p.binding.Logout(*sh)

	p.mu.Lock()
	p.login = nil
	p.mu.Unlock()
	p.release(*sh)

	if err != nil {
		logWarnf("pk11: logout on slot %d failed: %s", p.slotID, err)
	}
	return nil
}

func (p *sessionPool) loginSession() (pkcs11.SessionHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.login == nil {
		return 0, false
	}
	return *p.login, true
}
