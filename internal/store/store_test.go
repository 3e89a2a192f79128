// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggnet/diskless/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMachine(t *testing.T, s *SQLiteStore, mac string) *model.Machine {
	t.Helper()
	m := &model.Machine{
		Name:       "pc-" + model.MACHex(mac),
		MACAddress: mac,
		BootMode:   model.BootModeUEFISecure,
		IPAddress:  "10.0.0.17",
	}
	require.NoError(t, s.CreateMachine(context.Background(), m))
	return m
}

func newTestImage(t *testing.T, s *SQLiteStore, status model.ImageStatus, format model.ImageFormat) *model.Image {
	t.Helper()
	img := &model.Image{
		ID:               uuid.NewString(),
		Name:             "win11",
		OriginalFilename: "win11.vhdx",
		Format:           format,
		Type:             model.ImageTypeSystem,
		Status:           status,
	}
	require.NoError(t, s.CreateImage(context.Background(), img))
	return img
}

func TestMachineCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "AA:BB:CC:DD:EE:01")
	assert.Equal(t, "aa:bb:cc:dd:ee:01", m.MACAddress)
	assert.NotZero(t, m.ID)

	got, err := s.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(m, got, cmpopts.IgnoreFields(model.Machine{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("machine round trip mismatch (-want +got):\n%s", diff)
	}

	byMAC, err := s.GetMachineByMAC(ctx, "aa-bb-cc-dd-ee-01")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byMAC.ID)

	got.BootMode = model.BootModeBIOS
	require.NoError(t, s.UpdateMachine(ctx, got))
	reread, err := s.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BootModeBIOS, reread.BootMode)

	list, err := s.ListMachines(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetMachine(ctx, 9999)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestMachineMACUnique(t *testing.T) {
	s := newTestStore(t)
	newTestMachine(t, s, "aa:bb:cc:dd:ee:02")

	dup := &model.Machine{Name: "other", MACAddress: "aa:bb:cc:dd:ee:02", BootMode: model.BootModeUEFI}
	err := s.CreateMachine(context.Background(), dup)
	assert.True(t, model.IsKind(err, model.KindConflict))
}

func TestUpsertMachineByMAC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hw := &model.HardwareInfo{Manufacturer: "Dell", Model: "OptiPlex", Serial: "X1"}
	id, err := s.UpsertMachineByMAC(ctx, "aa:bb:cc:dd:ee:03", "", hw)
	require.NoError(t, err)

	// Second report for the same MAC updates in place.
	id2, err := s.UpsertMachineByMAC(ctx, "AA-BB-CC-DD-EE-03", "", &model.HardwareInfo{Manufacturer: "Dell", Model: "OptiPlex 7010"})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	m, err := s.GetMachine(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m.Hardware)
	assert.Equal(t, "OptiPlex 7010", m.Hardware.Model)
	assert.True(t, m.IsOnline)
}

func TestDeleteMachineSoftDisablesWithHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:04")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)
	sess := &model.Session{
		ID:        uuid.NewString(),
		MachineID: m.ID,
		ImageID:   img.ID,
		Type:      model.SessionDisklessBoot,
		Status:    model.SessionStopped,
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.DeleteMachine(ctx, m.ID))
	got, err := s.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	// Without history the row goes away for real.
	m2 := newTestMachine(t, s, "aa:bb:cc:dd:ee:05")
	require.NoError(t, s.DeleteMachine(ctx, m2.ID))
	_, err = s.GetMachine(ctx, m2.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestImageTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := newTestImage(t, s, model.ImageUploading, model.FormatVHDX)

	require.NoError(t, s.TransitionImage(ctx, img.ID, model.ImageUploading, model.ImageProcessing, nil))

	// Wrong precondition is a conflict.
	err := s.TransitionImage(ctx, img.ID, model.ImageUploading, model.ImageError, nil)
	assert.True(t, model.IsKind(err, model.KindConflict))

	err = s.TransitionImage(ctx, "nope", model.ImageUploading, model.ImageError, nil)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestClaimOldestProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := newTestImage(t, s, model.ImageProcessing, model.FormatRAW)
	_ = raw // RAW images are never claimable
	first := newTestImage(t, s, model.ImageProcessing, model.FormatVHDX)

	claimed, err := s.ClaimOldestProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, model.ImageConverting, claimed.Status)
	assert.False(t, claimed.ClaimedAt.IsZero())

	// Nothing left to claim.
	_, err = s.ClaimOldestProcessing(ctx)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestImage(t, s, model.ImageProcessing, model.FormatQCOW2)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimOldestProcessing(ctx); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestReclaimStaleConverting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := newTestImage(t, s, model.ImageProcessing, model.FormatVHDX)
	claimed, err := s.ClaimOldestProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, img.ID, claimed.ID)

	// Fresh claims are not reclaimed.
	ids, err := s.ReclaimStaleConverting(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// A zero-age cutoff reclaims everything in CONVERTING.
	time.Sleep(5 * time.Millisecond)
	ids, err = s.ReclaimStaleConverting(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{img.ID}, ids)

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageProcessing, got.Status)
	assert.True(t, got.ClaimedAt.IsZero())
}

func TestMarkImageDeletedGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:06")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)

	tgt := &model.Target{
		MachineID:     m.ID,
		ImageID:       img.ID,
		IQN:           model.TargetIQN("", m.ID, img.ID),
		InitiatorIQN:  model.InitiatorIQN("", m.MACAddress),
		BackstoreName: model.BackstoreName(m.ID, img.ID),
		ImagePath:     "/var/lib/ggnet/images/x.raw",
		Status:        model.TargetActive,
	}
	require.NoError(t, s.CreateTarget(ctx, tgt))

	err := s.MarkImageDeleted(ctx, img.ID)
	assert.True(t, model.IsKind(err, model.KindConflict))

	tgt.Status = model.TargetInactive
	require.NoError(t, s.UpdateTarget(ctx, tgt))
	require.NoError(t, s.MarkImageDeleted(ctx, img.ID))

	_, err = s.GetImage(ctx, img.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestLiveTargetsForMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:07")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)

	mk := func(iqn string, status model.TargetStatus) *model.Target {
		tgt := &model.Target{
			MachineID: m.ID, ImageID: img.ID, IQN: iqn,
			InitiatorIQN:  model.InitiatorIQN("", m.MACAddress),
			BackstoreName: model.BackstoreName(m.ID, img.ID),
			ImagePath:     "/var/lib/ggnet/images/x.raw",
			Status:        status,
		}
		require.NoError(t, s.CreateTarget(ctx, tgt))
		return tgt
	}

	pending := mk("iqn.2025-10.local.ggnet:target-live-a", model.TargetPending)
	active := mk("iqn.2025-10.local.ggnet:target-live-b", model.TargetActive)
	mk("iqn.2025-10.local.ggnet:target-live-c", model.TargetInactive)
	mk("iqn.2025-10.local.ggnet:target-live-d", model.TargetError)

	live, err := s.LiveTargetsForMachine(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, pending.ID, live[0].ID)
	assert.Equal(t, active.ID, live[1].ID)

	other, err := s.LiveTargetsForMachine(ctx, m.ID+1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSessionSingleNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:07")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)

	first := &model.Session{
		ID: uuid.NewString(), MachineID: m.ID, ImageID: img.ID,
		Type: model.SessionDisklessBoot, Status: model.SessionPending,
	}
	require.NoError(t, s.CreateSession(ctx, first))

	second := &model.Session{
		ID: uuid.NewString(), MachineID: m.ID, ImageID: img.ID,
		Type: model.SessionDisklessBoot, Status: model.SessionPending,
	}
	err := s.CreateSession(ctx, second)
	assert.True(t, model.IsKind(err, model.KindConflict))

	// Terminal first session unblocks the machine.
	require.NoError(t, s.TransitionSession(ctx, first.ID,
		[]model.SessionStatus{model.SessionPending}, model.SessionError, nil))
	require.NoError(t, s.CreateSession(ctx, second))
}

func TestSessionTransitionGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:08")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)
	sess := &model.Session{
		ID: uuid.NewString(), MachineID: m.ID, ImageID: img.ID,
		Type: model.SessionDisklessBoot, Status: model.SessionPending,
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionPending}, model.SessionStarting, nil))

	now := time.Now().UTC()
	require.NoError(t, s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionStarting}, model.SessionActive,
		func(s *model.Session) {
			s.StartedAt = now
			s.LastActivity = now
		}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.WithinDuration(t, now, got.StartedAt, time.Second)

	// Wrong precondition.
	err = s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionPending}, model.SessionError, nil)
	assert.True(t, model.IsKind(err, model.KindConflict))

	// Terminal rows are immutable.
	require.NoError(t, s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionActive}, model.SessionStopping, nil))
	require.NoError(t, s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionStopping}, model.SessionStopped, nil))
	err = s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionStopped}, model.SessionActive, nil)
	assert.True(t, model.IsKind(err, model.KindTerminal))
}

func TestTouchAndIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newTestMachine(t, s, "aa:bb:cc:dd:ee:09")
	img := newTestImage(t, s, model.ImageReady, model.FormatRAW)
	sess := &model.Session{
		ID: uuid.NewString(), MachineID: m.ID, ImageID: img.ID,
		Type: model.SessionDisklessBoot, Status: model.SessionPending,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.TransitionSession(ctx, sess.ID,
		[]model.SessionStatus{model.SessionPending}, model.SessionActive,
		func(s *model.Session) { s.LastActivity = time.Now().UTC().Add(-time.Hour) }))

	idle, err := s.ActiveSessionsIdleSince(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, sess.ID, idle[0].ID)

	require.NoError(t, s.TouchSessionActivity(ctx, sess.ID, time.Now().UTC()))
	idle, err = s.ActiveSessionsIdleSince(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, idle)

	err = s.TouchSessionActivity(ctx, "missing", time.Now())
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAudit(ctx, &model.AuditEvent{
			Actor: "admin", Action: "session.start", Resource: "session/x",
			Outcome: "success", CorrelationID: uuid.NewString(),
		}))
	}
	events, err := s.ListAudit(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.NotZero(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}
