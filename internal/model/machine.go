// SPDX-License-Identifier: MIT

// Package model holds the persisted entities of the diskless-boot
// orchestrator and the domain error taxonomy. Components exchange IDs and
// value copies; there is no shared mutable object graph.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BootMode is the firmware class of a client machine.
type BootMode string

const (
	BootModeBIOS       BootMode = "BIOS"
	BootModeUEFI       BootMode = "UEFI"
	BootModeUEFISecure BootMode = "UEFI_SECURE"
	BootModeUEFI32     BootMode = "UEFI_IA32"
)

// ValidBootMode reports whether m is one of the known firmware classes.
func ValidBootMode(m BootMode) bool {
	switch m {
	case BootModeBIOS, BootModeUEFI, BootModeUEFISecure, BootModeUEFI32:
		return true
	}
	return false
}

// HardwareInfo is the optional descriptor populated by auto-discovery.
type HardwareInfo struct {
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Serial       string   `json:"serial,omitempty"`
	BIOSVersion  string   `json:"bios_version,omitempty"`
	CPU          string   `json:"cpu,omitempty"`
	RAMBytes     int64    `json:"ram_bytes,omitempty"`
	NICs         []string `json:"nics,omitempty"`
}

// Machine is a physical client PC.
type Machine struct {
	ID         int64
	Name       string
	MACAddress string // canonical lowercase colon form
	IPAddress  string // optional IPv4
	BootMode   BootMode
	IsOnline   bool
	Disabled   bool
	Hardware   *HardwareInfo
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var macSepRe = regexp.MustCompile(`[:\-.]`)

// CanonicalMAC normalizes a MAC address to lowercase colon form
// (aa:bb:cc:dd:ee:01). Accepts colon, dash, dot separated and bare hex input.
func CanonicalMAC(raw string) (string, error) {
	hexOnly := macSepRe.ReplaceAllString(strings.TrimSpace(strings.ToLower(raw)), "")
	if len(hexOnly) != 12 {
		return "", E(KindBadFormat, "invalid mac address %q", raw)
	}
	for _, r := range hexOnly {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", E(KindBadFormat, "invalid mac address %q", raw)
		}
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hexOnly[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// MACHex returns the canonical MAC without separators (aabbccddee01), used in
// file names and initiator IQNs.
func MACHex(canonicalMAC string) string {
	return strings.ReplaceAll(canonicalMAC, ":", "")
}

// BootFilename returns the boot binary the DHCP server must hand to the
// machine's firmware class.
func (m BootMode) BootFilename() (string, error) {
	switch m {
	case BootModeUEFISecure:
		return "snponly.efi", nil
	case BootModeUEFI:
		return "ipxe.efi", nil
	case BootModeUEFI32:
		return "ipxe32.efi", nil
	case BootModeBIOS:
		return "undionly.kpxe", nil
	}
	return "", fmt.Errorf("unknown boot mode %q", string(m))
}
