// SPDX-License-Identifier: MIT

// Package bootfile generates the per-machine network boot artifacts: the
// iPXE script under the TFTP root and the DHCP host fragment. Both are
// regenerated from state and written with rename-based atomicity, so the
// DHCP daemon and TFTP clients never observe a partial file. Nothing here
// edits the global DHCP configuration.
package bootfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/runner"
)

// BootBinaries are the loader files expected at the TFTP root.
var BootBinaries = []string{"ipxe.efi", "snponly.efi", "ipxe32.efi", "undionly.kpxe"}

// Generator writes and removes boot artifacts for one machine at a time.
type Generator struct {
	tftpRoot    string
	fragmentDir string
	serverIP    string
}

// New ensures both output directories exist.
func New(tftpRoot, fragmentDir, serverIP string) (*Generator, error) {
	for _, dir := range []string{tftpRoot, fragmentDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, model.Wrap(model.KindIOError, err, "create %s", dir)
		}
	}
	return &Generator{tftpRoot: tftpRoot, fragmentDir: fragmentDir, serverIP: serverIP}, nil
}

// ScriptPath is the iPXE script location for a canonical MAC.
func (g *Generator) ScriptPath(mac string) string {
	return filepath.Join(g.tftpRoot, ScriptName(mac))
}

// ScriptName is the bare iPXE script file name for a canonical MAC.
func ScriptName(mac string) string {
	return "boot-" + model.MACHex(mac) + ".ipxe"
}

// FragmentPath is the DHCP host fragment location for a canonical MAC.
func (g *Generator) FragmentPath(mac string) string {
	return filepath.Join(g.fragmentDir, model.MACHex(mac)+".conf")
}

// Script renders the iPXE boot script: LF line endings, no trailing
// whitespace, the sanboot invocation on the final line.
func Script(serverIP, initiatorIQN, targetIQN string, lun int) string {
	lines := []string{
		"#!ipxe",
		"dhcp",
		"set initiator-iqn " + initiatorIQN,
		fmt.Sprintf("sanboot iscsi:%s::::%d:%s", serverIP, lun, targetIQN),
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteScript writes the iPXE script for a session atomically.
func (g *Generator) WriteScript(ctx context.Context, mac, initiatorIQN, targetIQN string, lun int) error {
	path := g.ScriptPath(mac)
	content := Script(g.serverIP, initiatorIQN, targetIQN, lun)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return model.Wrap(model.KindIOError, err, "write ipxe script %s", path)
	}
	log.FromContext(ctx).Debug().
		Str("component", "bootfile").
		Str("path", path).
		Msg("ipxe script written")
	return nil
}

// Fragment renders a DHCP host block for the machine: MAC reservation,
// optional fixed address, and the boot filename for its firmware class.
func Fragment(m *model.Machine) (string, error) {
	filename, err := m.BootMode.BootFilename()
	if err != nil {
		return "", model.Wrap(model.KindBadFormat, err, "machine %d", m.ID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "host ggnet-%s {\n", model.MACHex(m.MACAddress))
	fmt.Fprintf(&b, "  hardware ethernet %s;\n", m.MACAddress)
	if m.IPAddress != "" {
		fmt.Fprintf(&b, "  fixed-address %s;\n", m.IPAddress)
	}
	fmt.Fprintf(&b, "  filename %q;\n", filename)
	b.WriteString("}\n")
	return b.String(), nil
}

// WriteFragment writes the machine's DHCP host fragment atomically. The
// caller is responsible for reloading the DHCP service afterwards.
func (g *Generator) WriteFragment(ctx context.Context, m *model.Machine) error {
	content, err := Fragment(m)
	if err != nil {
		return err
	}
	path := g.FragmentPath(m.MACAddress)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return model.Wrap(model.KindIOError, err, "write dhcp fragment %s", path)
	}
	log.FromContext(ctx).Debug().
		Str("component", "bootfile").
		Str("path", path).
		Msg("dhcp fragment written")
	return nil
}

// Remove deletes both artifacts for a machine. Missing files are fine;
// teardown must be repeatable.
func (g *Generator) Remove(ctx context.Context, mac string) error {
	var firstErr error
	for _, path := range []string{g.ScriptPath(mac), g.FragmentPath(mac)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = model.Wrap(model.KindIOError, err, "remove %s", path)
			}
			log.FromContext(ctx).Warn().Err(err).Str("path", path).Msg("failed to remove boot artifact")
		}
	}
	return firstErr
}

// Reconcile removes artifacts whose MAC is not in the active set. Boot
// binaries and foreign files are left alone.
func (g *Generator) Reconcile(ctx context.Context, activeMACs map[string]struct{}) error {
	logger := log.FromContext(ctx).With().Str("component", "bootfile").Logger()

	activeHex := make(map[string]struct{}, len(activeMACs))
	for mac := range activeMACs {
		activeHex[model.MACHex(mac)] = struct{}{}
	}

	sweep := func(dir, prefix, suffix string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return model.Wrap(model.KindIOError, err, "read %s", dir)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
				continue
			}
			macHex := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
			if len(macHex) != 12 {
				continue
			}
			if _, ok := activeHex[macHex]; ok {
				continue
			}
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", path).Msg("failed to remove orphan boot artifact")
				continue
			}
			logger.Info().Str("path", path).Msg("removed orphan boot artifact")
		}
		return nil
	}

	if err := sweep(g.tftpRoot, "boot-", ".ipxe"); err != nil {
		return err
	}
	return sweep(g.fragmentDir, "", ".conf")
}

// MissingBinaries lists boot loaders absent from the TFTP root, for
// pre-flight.
func (g *Generator) MissingBinaries() []string {
	var missing []string
	for _, name := range BootBinaries {
		if _, err := os.Stat(filepath.Join(g.tftpRoot, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Reloader asks the DHCP service to pick up fragment changes.
type Reloader struct {
	run  runner.Runner
	argv []string
}

// NewReloader splits nothing; argv comes pre-split from configuration.
func NewReloader(run runner.Runner, argv []string) *Reloader {
	return &Reloader{run: run, argv: argv}
}

// Program returns the reload executable name, for runner allow-listing.
func (r *Reloader) Program() string {
	if len(r.argv) == 0 {
		return ""
	}
	return r.argv[0]
}

// Reload runs the configured reload command synchronously. A failed reload
// means clients may boot from stale reservations, so callers treat it as a
// hard error.
func (r *Reloader) Reload(ctx context.Context) error {
	if len(r.argv) == 0 {
		return model.E(model.KindDHCPReload, "no dhcp reload command configured")
	}
	_, err := r.run.Run(ctx, runner.Request{
		Program: r.argv[0],
		Args:    r.argv[1:],
	})
	if err != nil {
		return model.Wrap(model.KindDHCPReload, err, "reload dhcp service")
	}
	log.FromContext(ctx).Info().Str("component", "bootfile").Msg("dhcp service reloaded")
	return nil
}
