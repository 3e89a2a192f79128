// SPDX-License-Identifier: MIT

package iscsi

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/runner"
	"github.com/ggnet/diskless/internal/store"
)

// fakeCLI records every targetcli invocation and answers from a script keyed
// on a substring of the joined arguments.
type fakeCLI struct {
	calls   [][]string
	fail     map[string]fakeFailure // substring -> scripted failure
	lsISCSI  string                 // stdout for "ls /iscsi 1"
	sessions string                 // stdout for "sessions"
}

type fakeFailure struct {
	stderr string
	code   int
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{fail: make(map[string]fakeFailure)}
}

func (f *fakeCLI) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	joined := strings.Join(req.Args, " ")
	f.calls = append(f.calls, req.Args)

	for substr, failure := range f.fail {
		if strings.Contains(joined, substr) {
			return runner.Result{ExitCode: failure.code, Stderr: failure.stderr},
				&runner.ExitError{Program: req.Program, Code: failure.code, Stderr: failure.stderr}
		}
	}
	if strings.HasPrefix(joined, "ls /iscsi") {
		return runner.Result{Stdout: f.lsISCSI}, nil
	}
	if joined == "sessions" {
		return runner.Result{Stdout: f.sessions}, nil
	}
	return runner.Result{}, nil
}

func (f *fakeCLI) Available(string) bool { return true }
func (f *fakeCLI) Programs() []string    { return []string{"targetcli"} }

func (f *fakeCLI) joined() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

var testSpec = Spec{
	TargetIQN:     "iqn.2025-10.local.ggnet:target-7-ab12cd",
	InitiatorIQN:  "iqn.2025-10.local.ggnet:initiator-aabbccddee01",
	BackstoreName: "bs-7-ab12cd",
	ImagePath:     "/var/lib/ggnet/images/x.raw",
	PortalIP:      "192.168.1.10",
}

func TestCreateTargetOrderAndSave(t *testing.T) {
	cli := newFakeCLI()
	m := New(cli, "targetcli")

	require.NoError(t, m.CreateTarget(context.Background(), testSpec))

	calls := cli.joined()
	require.Len(t, calls, 6)
	assert.Contains(t, calls[0], "/backstores/fileio create name=bs-7-ab12cd")
	assert.Contains(t, calls[0], "file_or_dev=/var/lib/ggnet/images/x.raw")
	assert.Equal(t, "/iscsi create "+testSpec.TargetIQN, calls[1])
	assert.Contains(t, calls[2], "portals create 192.168.1.10 3260")
	assert.Contains(t, calls[3], "luns create /backstores/fileio/bs-7-ab12cd")
	assert.Contains(t, calls[4], "acls create "+testSpec.InitiatorIQN)
	assert.Equal(t, "saveconfig", calls[5])
}

func TestCreateTargetAdoptsExisting(t *testing.T) {
	cli := newFakeCLI()
	cli.fail["/iscsi create"] = fakeFailure{stderr: "This name is already in use.", code: 1}
	m := New(cli, "targetcli")

	// An existing target is adopted, the rest proceeds.
	require.NoError(t, m.CreateTarget(context.Background(), testSpec))
	assert.Contains(t, cli.joined(), "saveconfig")
}

func TestCreateTargetRollsBackOnFailure(t *testing.T) {
	cli := newFakeCLI()
	cli.fail["acls create"] = fakeFailure{stderr: "permission denied", code: 1}
	m := New(cli, "targetcli")

	err := m.CreateTarget(context.Background(), testSpec)
	require.Error(t, err)

	var iErr *model.ISCSIError
	require.ErrorAs(t, err, &iErr)
	assert.Equal(t, "create", iErr.Op)
	assert.Equal(t, "acl", iErr.Step)
	assert.Equal(t, model.KindISCSI, model.KindOf(err))

	// Undo ran newest-first for the steps that had completed.
	calls := cli.joined()
	var undo []string
	for _, c := range calls {
		if strings.Contains(c, " delete ") {
			undo = append(undo, c)
		}
	}
	require.Len(t, undo, 3)
	assert.Contains(t, undo[0], "portals delete")
	assert.Contains(t, undo[1], "/iscsi delete")
	assert.Contains(t, undo[2], "/backstores/fileio delete")
}

func TestDeleteTargetToleratesMissing(t *testing.T) {
	cli := newFakeCLI()
	cli.fail["acls delete"] = fakeFailure{stderr: "No such path /iscsi/...", code: 1}
	m := New(cli, "targetcli")

	require.NoError(t, m.DeleteTarget(context.Background(), testSpec))

	calls := cli.joined()
	assert.Contains(t, calls[1], "/iscsi delete "+testSpec.TargetIQN)
	assert.Contains(t, calls[2], "/backstores/fileio delete bs-7-ab12cd")
	assert.Equal(t, "saveconfig", calls[len(calls)-1])
}

func TestDeleteTargetReportsRealFailure(t *testing.T) {
	cli := newFakeCLI()
	cli.fail["/backstores/fileio delete"] = fakeFailure{stderr: "device busy", code: 1}
	m := New(cli, "targetcli")

	err := m.DeleteTarget(context.Background(), testSpec)
	var iErr *model.ISCSIError
	require.ErrorAs(t, err, &iErr)
	assert.Equal(t, "backstore", iErr.Step)
}

func TestListTargetsParsesIQNs(t *testing.T) {
	cli := newFakeCLI()
	cli.lsISCSI = `
o- iscsi .......................... [Targets: 2]
  o- iqn.2025-10.local.ggnet:target-7-ab12cd ... [TPGs: 1]
  o- iqn.2025-10.local.ggnet:target-9-ff00aa ... [TPGs: 1]
`
	m := New(cli, "targetcli")

	got, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"iqn.2025-10.local.ggnet:target-7-ab12cd",
		"iqn.2025-10.local.ggnet:target-9-ff00aa",
	}, got)

	assert.NotContains(t, got, "iqn.2025-10.local.ggnet:target-1-000000")
}

func TestStatusHealthyTarget(t *testing.T) {
	cli := newFakeCLI()
	cli.sessions = "alias: pc-01 sid: 1 type: Normal " + testSpec.InitiatorIQN + " session-state: LOGGED_IN"
	m := New(cli, "targetcli")

	st, err := m.Status(context.Background(), testSpec)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.BackstoreOK)
	assert.True(t, st.ACLOK)
	assert.False(t, st.Broken())
	assert.Equal(t, []string{testSpec.InitiatorIQN}, st.ConnectedInitiators)
}

func TestStatusMissingACL(t *testing.T) {
	cli := newFakeCLI()
	cli.fail["acls"] = fakeFailure{stderr: "No such path /iscsi/.../acls", code: 1}
	m := New(cli, "targetcli")

	st, err := m.Status(context.Background(), testSpec)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.False(t, st.ACLOK)
	assert.True(t, st.Broken())
	assert.Empty(t, st.ConnectedInitiators)
}

func TestReconcileMarksVanishedTargets(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer st.Close()

	events := bus.New(8)
	defer events.Close()
	errSub := events.Subscribe(bus.TopicTargetError)
	defer errSub.Close()

	ctx := context.Background()
	mach := &model.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:01", BootMode: model.BootModeUEFI}
	require.NoError(t, st.CreateMachine(ctx, mach))

	for _, id := range []string{"img-1", "img-2"} {
		img := &model.Image{
			ID: id, Name: id, OriginalFilename: id + ".raw",
			Format: model.FormatRAW, Type: model.ImageTypeSystem,
			Status: model.ImageReady,
		}
		require.NoError(t, st.CreateImage(ctx, img))
	}

	gone := &model.Target{
		MachineID: mach.ID, ImageID: "img-1",
		IQN:    "iqn.2025-10.local.ggnet:target-1-dead00",
		Status: model.TargetActive,
	}
	require.NoError(t, st.CreateTarget(ctx, gone))

	alive := &model.Target{
		MachineID: mach.ID, ImageID: "img-2",
		IQN:    "iqn.2025-10.local.ggnet:target-2-cafe00",
		Status: model.TargetActive,
	}
	require.NoError(t, st.CreateTarget(ctx, alive))

	// Interrupted create: nobody is driving this row anymore.
	stuck := &model.Target{
		MachineID: mach.ID, ImageID: "img-1",
		IQN:    "iqn.2025-10.local.ggnet:target-3-feed00",
		Status: model.TargetPending,
	}
	require.NoError(t, st.CreateTarget(ctx, stuck))

	cli := newFakeCLI()
	cli.lsISCSI = "o- iqn.2025-10.local.ggnet:target-2-cafe00 [TPGs: 1]\n" +
		"o- iqn.2025-10.local.ggnet:target-5-beef00 [TPGs: 1]\n"
	mgr := New(cli, "targetcli")

	r := NewReconciler(st, mgr, events, "iqn.2025-10.local.ggnet")
	require.NoError(t, r.Reconcile(ctx))

	goneAfter, err := st.GetTarget(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetError, goneAfter.Status)

	aliveAfter, err := st.GetTarget(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetActive, aliveAfter.Status)

	stuckAfter, err := st.GetTarget(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetError, stuckAfter.Status)

	ev := <-errSub.C()
	assert.Equal(t, stuck.IQN, ev.Payload)
	ev = <-errSub.C()
	assert.Equal(t, gone.IQN, ev.Payload)
}
