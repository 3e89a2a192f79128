// SPDX-License-Identifier: MIT

package bootfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/runner"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	dir := t.TempDir()
	g, err := New(filepath.Join(dir, "tftp"), filepath.Join(dir, "dhcp"), "192.168.1.10")
	require.NoError(t, err)
	return g
}

func TestScriptFormat(t *testing.T) {
	s := Script("192.168.1.10",
		"iqn.2025-10.local.ggnet:initiator-aabbccddee01",
		"iqn.2025-10.local.ggnet:target-42-ab12cd", 0)

	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "#!ipxe", lines[0])
	assert.Equal(t, "dhcp", lines[1])
	assert.Equal(t, "set initiator-iqn iqn.2025-10.local.ggnet:initiator-aabbccddee01", lines[2])
	assert.Equal(t, "sanboot iscsi:192.168.1.10::::0:iqn.2025-10.local.ggnet:target-42-ab12cd", lines[3])

	assert.NotContains(t, s, "\r")
	for _, line := range lines {
		assert.Equal(t, strings.TrimRight(line, " \t"), line, "no trailing whitespace")
	}
}

func TestWriteScript(t *testing.T) {
	g := newTestGenerator(t)
	mac := "aa:bb:cc:dd:ee:01"

	require.NoError(t, g.WriteScript(context.Background(), mac,
		"iqn.2025-10.local.ggnet:initiator-aabbccddee01",
		"iqn.2025-10.local.ggnet:target-42-ab12cd", 0))

	data, err := os.ReadFile(g.ScriptPath(mac))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#!ipxe\n"))
	assert.True(t, strings.HasSuffix(strings.TrimSuffix(string(data), "\n"), "iqn.2025-10.local.ggnet:target-42-ab12cd"))
	assert.Equal(t, "boot-aabbccddee01.ipxe", filepath.Base(g.ScriptPath(mac)))
}

func TestFragmentPerFirmwareClass(t *testing.T) {
	cases := []struct {
		mode model.BootMode
		want string
	}{
		{model.BootModeUEFISecure, `filename "snponly.efi";`},
		{model.BootModeUEFI, `filename "ipxe.efi";`},
		{model.BootModeUEFI32, `filename "ipxe32.efi";`},
		{model.BootModeBIOS, `filename "undionly.kpxe";`},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			frag, err := Fragment(&model.Machine{
				ID: 1, MACAddress: "aa:bb:cc:dd:ee:01", BootMode: tc.mode,
			})
			require.NoError(t, err)
			assert.Contains(t, frag, "host ggnet-aabbccddee01 {")
			assert.Contains(t, frag, "hardware ethernet aa:bb:cc:dd:ee:01;")
			assert.Contains(t, frag, tc.want)
			assert.NotContains(t, frag, "fixed-address")
		})
	}
}

func TestFragmentWithFixedAddress(t *testing.T) {
	frag, err := Fragment(&model.Machine{
		ID: 2, MACAddress: "aa:bb:cc:dd:ee:02", IPAddress: "10.0.0.50",
		BootMode: model.BootModeUEFI,
	})
	require.NoError(t, err)
	assert.Contains(t, frag, "fixed-address 10.0.0.50;")
}

func TestFragmentUnknownBootMode(t *testing.T) {
	_, err := Fragment(&model.Machine{ID: 3, MACAddress: "aa:bb:cc:dd:ee:03", BootMode: "COREBOOT"})
	assert.True(t, model.IsKind(err, model.KindBadFormat))
}

func TestRemoveIsRepeatable(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	m := &model.Machine{ID: 1, MACAddress: mac, BootMode: model.BootModeUEFI}
	require.NoError(t, g.WriteScript(ctx, mac, "init-iqn", "target-iqn", 0))
	require.NoError(t, g.WriteFragment(ctx, m))

	require.NoError(t, g.Remove(ctx, mac))
	_, err := os.Stat(g.ScriptPath(mac))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(g.FragmentPath(mac))
	assert.True(t, os.IsNotExist(err))

	// Second remove of already-absent files succeeds.
	require.NoError(t, g.Remove(ctx, mac))
}

func TestReconcileRemovesOrphans(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	active := "aa:bb:cc:dd:ee:01"
	orphan := "aa:bb:cc:dd:ee:02"
	for _, mac := range []string{active, orphan} {
		require.NoError(t, g.WriteScript(ctx, mac, "init", "target", 0))
		require.NoError(t, g.WriteFragment(ctx, &model.Machine{MACAddress: mac, BootMode: model.BootModeBIOS}))
	}

	// Boot binaries and foreign files must survive the sweep.
	loader := filepath.Join(g.tftpRoot, "ipxe.efi")
	require.NoError(t, os.WriteFile(loader, []byte("loader"), 0o644))
	foreign := filepath.Join(g.fragmentDir, "README")
	require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))

	require.NoError(t, g.Reconcile(ctx, map[string]struct{}{active: {}}))

	_, err := os.Stat(g.ScriptPath(active))
	assert.NoError(t, err)
	_, err = os.Stat(g.FragmentPath(active))
	assert.NoError(t, err)

	_, err = os.Stat(g.ScriptPath(orphan))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(g.FragmentPath(orphan))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(loader)
	assert.NoError(t, err)
	_, err = os.Stat(foreign)
	assert.NoError(t, err)
}

func TestMissingBinaries(t *testing.T) {
	g := newTestGenerator(t)
	assert.ElementsMatch(t, BootBinaries, g.MissingBinaries())

	require.NoError(t, os.WriteFile(filepath.Join(g.tftpRoot, "ipxe.efi"), []byte("x"), 0o644))
	assert.NotContains(t, g.MissingBinaries(), "ipxe.efi")
	assert.Contains(t, g.MissingBinaries(), "snponly.efi")
}

// reloadRunner records reload invocations and optionally fails.
type reloadRunner struct {
	calls [][]string
	fail  bool
}

func (r *reloadRunner) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	r.calls = append(r.calls, append([]string{req.Program}, req.Args...))
	if r.fail {
		return runner.Result{ExitCode: 1}, &runner.ExitError{Program: req.Program, Code: 1, Stderr: "dhcpd.conf: syntax error"}
	}
	return runner.Result{}, nil
}
func (r *reloadRunner) Available(string) bool { return true }
func (r *reloadRunner) Programs() []string    { return nil }

func TestReloader(t *testing.T) {
	run := &reloadRunner{}
	rel := NewReloader(run, []string{"systemctl", "reload", "dhcpd"})
	assert.Equal(t, "systemctl", rel.Program())

	require.NoError(t, rel.Reload(context.Background()))
	require.Len(t, run.calls, 1)
	assert.Equal(t, []string{"systemctl", "reload", "dhcpd"}, run.calls[0])
}

func TestReloaderFailure(t *testing.T) {
	run := &reloadRunner{fail: true}
	rel := NewReloader(run, []string{"systemctl", "reload", "dhcpd"})

	err := rel.Reload(context.Background())
	assert.True(t, model.IsKind(err, model.KindDHCPReload))
}

func TestReloaderUnconfigured(t *testing.T) {
	rel := NewReloader(&reloadRunner{}, nil)
	assert.Empty(t, rel.Program())
	err := rel.Reload(context.Background())
	assert.True(t, model.IsKind(err, model.KindDHCPReload))
}
