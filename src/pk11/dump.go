// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package pk11

import (
	"fmt"
	"strings"
)

// Dump produces a human-readable summary of the device's slot topology,
// for diagnostic CLI output. Native lookup failures are reported inline
// rather than aborting the dump, matching the teacher's best-effort
// Mod.Dump.
func (d *Device) Dump() string {
	s := new(strings.Builder)

	for i, slot := range d.byIndex {
		fmt.Fprintf(s, "slot[%d]: id=%d", i, slot.id)
		if slot.label != "" {
			fmt.Fprintf(s, " label=%q", slot.label)
		} else {
			fmt.Fprint(s, " label=<undecodable>")
		}
		fmt.Fprintln(s)

		info, err := d.binding.GetTokenInfo(slot.id)
		if err != nil {
			fmt.Fprintf(s, "  token info: %s\n", err)
			continue
		}
		fmt.Fprintf(s, "  manufacturer: %s\n", info.ManufacturerID)
		fmt.Fprintf(s, "  model:        %s\n", info.Model)
		fmt.Fprintf(s, "  serial:       %s\n", info.SerialNumber)

		aliases, err := slot.Aliases()
		if err != nil {
			fmt.Fprintf(s, "  aliases: %s\n", err)
			continue
		}
		for _, a := range aliases {
			fmt.Fprintf(s, "  alias: %s (%s)\n", a.Alias, a.Kind)
		}
	}

	return s.String()
}
