// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"testing"

	"github.com/hsm11/device/src/pk11/internal/mockhsm"
)

func openTestDevice(t *testing.T, labels map[uint]string) *Device {
	t.Helper()
	d, err := openWithBinding(mockhsm.New(labels), Config{})
	if err != nil {
		t.Fatalf("openWithBinding() error: %v", err)
	}
	return d
}

func TestDeviceSlotIndexing(t *testing.T) {
	d := openTestDevice(t, map[uint]string{5: "alpha", 9: "beta"})

	if got := len(d.Slots()); got != 2 {
		t.Fatalf("len(Slots()) = %d, want 2", got)
	}
	if s := d.SlotByID(5); s == nil || s.Label() != "alpha" {
		t.Errorf("SlotByID(5) = %+v, want label %q", s, "alpha")
	}
	if s := d.SlotByLabel("beta"); s == nil || s.ID() != 9 {
		t.Errorf("SlotByLabel(%q) = %+v, want id 9", "beta", s)
	}
	if s := d.SlotByIndex(0); s == nil {
		t.Errorf("SlotByIndex(0) = nil")
	}
	if s := d.SlotByIndex(99); s != nil {
		t.Errorf("SlotByIndex(99) = %+v, want nil", s)
	}
}

// TestDeviceMalformedLabel ensures a slot with a non-UTF-8 token label is
// still reachable by id and index, but not by label, per spec §8 scenario
// 6. Go strings may hold arbitrary bytes, so the mock is simply handed a
// label that is not valid UTF-8.
func TestDeviceMalformedLabel(t *testing.T) {
	const bad = "bad\xff\xfe"
	d := openTestDevice(t, map[uint]string{1: "good", 2: bad})
	if s := d.SlotByID(1); s == nil || s.Label() != "good" {
		t.Fatalf("SlotByID(1) = %+v", s)
	}
	if s := d.SlotByID(2); s == nil || s.Label() != "" {
		t.Errorf("SlotByID(2) = %+v, want a slot with an empty label", s)
	}
	if s := d.SlotByLabel(bad); s != nil {
		t.Errorf("SlotByLabel(malformed) = %+v, want nil", s)
	}
	found := false
	for i := 0; i < 2; i++ {
		if s := d.SlotByIndex(i); s != nil && s.ID() == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("slot 2 is not reachable by index")
	}
}
