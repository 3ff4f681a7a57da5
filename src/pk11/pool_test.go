// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"testing"

	"github.com/hsm11/device/src/pk11/internal/mockhsm"
)

func TestSessionPoolReusesIdleSession(t *testing.T) {
	p := newSessionPool(1, mockhsm.New(map[uint]string{1: "t"}))

	sh1, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire() error: %v", err)
	}
	p.release(sh1)

	sh2, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire() error: %v", err)
	}
	if sh1 != sh2 {
		t.Errorf("acquire() after release = %v, want reused handle %v", sh2, sh1)
	}
}

func TestSessionPoolReleaseUnknownIsNoop(t *testing.T) {
	p := newSessionPool(1, mockhsm.New(map[uint]string{1: "t"}))
	// Releasing a handle the pool never handed out must not panic and must
	// not corrupt the idle stack for subsequent acquires.
	p.release(999)

	sh, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire() error: %v", err)
	}
	if sh == 999 {
		t.Errorf("acquire() returned the bogus released handle")
	}
}

func TestSessionPoolLoginIdempotent(t *testing.T) {
	p := newSessionPool(1, mockhsm.New(map[uint]string{1: "t"}))

	if err := p.login_("1234"); err != nil {
		t.Fatalf("first login_() error: %v", err)
	}
	sh1, ok := p.loginSession()
	if !ok {
		t.Fatalf("loginSession() ok = false after login")
	}

	if err := p.login_("1234"); err != nil {
		t.Fatalf("second login_() error: %v", err)
	}
	sh2, ok := p.loginSession()
	if !ok {
		t.Fatalf("loginSession() ok = false after second login")
	}
	if sh1 != sh2 {
		t.Errorf("login_() twice used different sessions: %v vs %v", sh1, sh2)
	}

	if err := p.logout(); err != nil {
		t.Fatalf("first logout() error: %v", err)
	}
	if _, ok := p.loginSession(); ok {
		t.Errorf("loginSession() ok = true after logout")
	}
	// A second logout must be a no-op, not an error.
	if err := p.logout(); err != nil {
		t.Fatalf("second logout() error: %v", err)
	}
}

func TestSessionPoolCloseRemovesFromActive(t *testing.T) {
	p := newSessionPool(1, mockhsm.New(map[uint]string{1: "t"}))

	sh, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire() error: %v", err)
	}
	if err := p.close(sh); err != nil {
		t.Fatalf("close() error: %v", err)
	}

	// acquire() must open a fresh session rather than reuse the closed one,
	// since close() never pushes onto the idle stack.
	sh2, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire() after close error: %v", err)
	}
	if sh2 == sh {
		t.Errorf("acquire() after close() returned the closed handle")
	}
}
