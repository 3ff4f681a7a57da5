// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"unicode/utf8"
)

// Config configures a Device at construction time. All fields have the
// spec-mandated defaults when left zero.
type Config struct {
	// UseCache sets the initial use_cache flag for every discovered slot;
	// callers may still toggle it per slot with Slot.SetUseCache.
	UseCache bool

	// MaxChainLength bounds certificate-chain traversal (C6). Zero means
	// the spec default of 100.
	MaxChainLength int

	// PSSSaltLength is an RSA-PSS salt length for the key authorization
	// protocol (C7); zero means 32. This package does not read it: the
	// SignProvider passed to key authorization chooses its own salt length.
	PSSSaltLength int
}

const (
	defaultMaxChainLength = 100
	defaultPSSSaltLength  = 32
	// kakExponentLen is the fixed width, in bytes, of the serialized KAK
	// public exponent in the CP5 protocol (§6).
	kakExponentLen = 3
)

func (c Config) maxChainLength() int {
	if c.MaxChainLength > 0 {
		return c.MaxChainLength
	}
	return defaultMaxChainLength
}

func (c Config) pssSaltLength() int {
	if c.PSSSaltLength > 0 {
		return c.PSSSaltLength
	}
	return defaultPSSSaltLength
}

// Device is process-wide state bound to one loaded Cryptoki library (C8):
// it owns the library handle and the slot index. Construct one with Open
// per library path; initialization is idempotent (an "already initialized"
// response is success, per spec §4.1).
type Device struct {
	binding Binding
	cfg     Config

	byID    map[uint]*Slot
	byIndex []*Slot
	byLabel map[string]*Slot
}

// Open initializes the Cryptoki library at path, enumerates slots with
// tokens present, and indexes them by id, arrival order, and UTF-8 token
// label. Slot topology is assumed static and is read once here, per spec
// §4.8/Non-goals (no hot-plug support).
func Open(path string, cfg Config) (*Device, error) {
	b, err := NewRealBinding(path)
	if err != nil {
		return nil, err
	}
	return openWithBinding(b, cfg)
}

// openWithBinding is the binding-injectable constructor used by Open and
// by tests against internal/mockhsm.
func openWithBinding(b Binding, cfg Config) (*Device, error) {
	if err := b.Initialize(); err != nil {
		return nil, newError(err, "could not initialize Cryptoki library")
	}

	d := &Device{
		binding: b,
		cfg:     cfg,
		byID:    make(map[uint]*Slot),
		byLabel: make(map[string]*Slot),
	}

	slotIDs, err := b.GetSlotList(true)
	if err != nil {
		return nil, newError(err, "could not list slots")
	}

	for i, id := range slotIDs {
		slot := newSlot(d, id, cfg.UseCache)
		slot.index = i
		d.byID[id] = slot
		d.byIndex = append(d.byIndex, slot)

		info, err := b.GetTokenInfo(id)
		if err != nil {
			logWarnf("pk11: could not read token info for slot %d: %s", id, err)
			continue
		}

		label := trimPadding(info.Label)
		if !utf8.ValidString(label) {
			logWarnf("pk11: slot %d has a malformed UTF-8 token label; label lookup disabled for this slot", id)
			continue
		}
		slot.label = label
		d.byLabel[label] = slot
	}

	return d, nil
}

// trimPadding strips the trailing space padding Cryptoki uses to fill
// fixed-width label fields.
func trimPadding(s string) string {
	i := len(s)
	for i > 0 && s[i-1] == ' ' {
		i--
	}
	return s[:i]
}

// SlotByID returns the slot with the given numeric Cryptoki slot id, or
// nil if none was discovered at construction time.
func (d *Device) SlotByID(id uint) *Slot { return d.byID[id] }

// SlotByIndex returns the slot at the given 0-based arrival index, or nil
// if out of range.
func (d *Device) SlotByIndex(i int) *Slot {
	if i < 0 || i >= len(d.byIndex) {
		return nil
	}
	return d.byIndex[i]
}

// SlotByLabel returns the slot whose decoded UTF-8 token label matches, or
// nil. Slots whose label failed to decode as UTF-8 are not reachable this
// way; see spec §8 scenario 6.
func (d *Device) SlotByLabel(label string) *Slot { return d.byLabel[label] }

// Slots returns a read-only view of every discovered slot, in arrival
// order.
func (d *Device) Slots() []*Slot {
	return append([]*Slot(nil), d.byIndex...)
}

// Close finalizes and destroys the underlying library handle. Native
// errors here are logged and swallowed so that process teardown always
// completes, per spec §7 ("cleanup paths... are logged and swallowed").
func (d *Device) Close() {
	if err := d.binding.Finalize(); err != nil {
		logWarnf("pk11: error finalizing Cryptoki library: %s", err)
	}
	d.binding.Destroy()
}
