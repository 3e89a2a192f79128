// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"strings"
)

// DefaultIQNBase is the authority part of generated iSCSI qualified names.
const DefaultIQNBase = "iqn.2025-10.local.ggnet"

// TargetIQN derives the deterministic target IQN for a (machine, image)
// pair: iqn.<date>.<reverse-dns>:target-<machine-id>-<short-image-id>.
// Identical inputs always produce identical output.
func TargetIQN(base string, machineID int64, imageID string) string {
	if base == "" {
		base = DefaultIQNBase
	}
	return fmt.Sprintf("%s:target-%d-%s", base, machineID, ShortID(imageID))
}

// InitiatorIQN derives the deterministic initiator IQN for a machine from
// its canonical MAC address.
func InitiatorIQN(base, canonicalMAC string) string {
	if base == "" {
		base = DefaultIQNBase
	}
	return fmt.Sprintf("%s:initiator-%s", base, MACHex(canonicalMAC))
}

// BackstoreName derives the fileio backstore name for a (machine, image)
// pair.
func BackstoreName(machineID int64, imageID string) string {
	return fmt.Sprintf("bs-%d-%s", machineID, ShortID(imageID))
}

// ShortID returns the first six hex characters of a UUID-ish identifier,
// dashes stripped.
func ShortID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 6 {
		return compact[:6]
	}
	return compact
}
