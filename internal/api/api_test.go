// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggnet/diskless/internal/audit"
	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/imagestore"
	"github.com/ggnet/diskless/internal/iscsi"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/preflight"
	"github.com/ggnet/diskless/internal/runner"
	"github.com/ggnet/diskless/internal/session"
	"github.com/ggnet/diskless/internal/store"
)

// memManager is a no-failure in-memory iscsi.Manager.
type memManager struct {
	mu      sync.Mutex
	targets map[string]struct{}
}

func (m *memManager) CreateTarget(_ context.Context, spec iscsi.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[spec.TargetIQN] = struct{}{}
	return nil
}

func (m *memManager) DeleteTarget(_ context.Context, spec iscsi.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, spec.TargetIQN)
	return nil
}

func (m *memManager) Status(_ context.Context, spec iscsi.Spec) (iscsi.TargetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.targets[spec.TargetIQN]
	return iscsi.TargetState{Exists: ok, BackstoreOK: ok, ACLOK: ok}, nil
}

func (m *memManager) ListTargets(context.Context) ([]string, error) { return nil, nil }
func (m *memManager) Responsive(context.Context) bool               { return true }

type nopRunner struct{}

func (nopRunner) Run(context.Context, runner.Request) (runner.Result, error) {
	return runner.Result{}, nil
}
func (nopRunner) Available(string) bool { return true }
func (nopRunner) Programs() []string    { return nil }

type testEnv struct {
	srv     *httptest.Server
	st      store.Store
	gen     *bootfile.Generator
	events  *bus.MemoryBus
	machine *model.Machine
	image   *model.Image
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	events := bus.New(32)
	t.Cleanup(events.Close)

	images, err := imagestore.New(st, events, filepath.Join(dir, "storage"))
	require.NoError(t, err)

	gen, err := bootfile.New(filepath.Join(dir, "tftp"), filepath.Join(dir, "dhcp"), "192.168.1.10")
	require.NoError(t, err)

	mgr := &memManager{targets: make(map[string]struct{})}
	reloader := bootfile.NewReloader(nopRunner{}, []string{"true"})
	orch := session.New(st, mgr, gen, reloader, events, nil, audit.New(st), session.Options{
		IQNBase:  model.DefaultIQNBase,
		ServerIP: "192.168.1.10",
	})
	checks := preflight.New(st, events, mgr, gen,
		filepath.Join(dir, "storage"), filepath.Join(dir, "dhcp"), filepath.Join(dir, "tftp"))

	srv := httptest.NewServer(New(st, images, orch, checks, gen, events, 0).Router())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	machine := &model.Machine{Name: "pc-01", MACAddress: "aa:bb:cc:dd:ee:01", BootMode: model.BootModeUEFI}
	require.NoError(t, st.CreateMachine(ctx, machine))

	imagePath := filepath.Join(dir, "win11.raw")
	require.NoError(t, os.WriteFile(imagePath, []byte("rawdata"), 0o640))
	image := &model.Image{
		ID: "11111111-2222-3333-4444-555555555555", Name: "win11",
		Format: model.FormatRAW, Type: model.ImageTypeSystem,
		Status: model.ImageReady, StoragePath: imagePath,
	}
	require.NoError(t, st.CreateImage(ctx, image))

	return &testEnv{srv: srv, st: st, gen: gen, events: events, machine: machine, image: image}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyzNotReadyBeforePreflight(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestImageUploadAndLifecycle(t *testing.T) {
	e := newTestEnv(t)

	payload := bytes.Repeat([]byte{0x5A}, 1024)
	resp := e.do(t, http.MethodPost, "/api/images?name=data.img&type=DATA", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	img := decode[imageResponse](t, resp)
	assert.Equal(t, "RAW", img.Format)
	assert.Equal(t, "READY", img.Status)
	assert.Equal(t, int64(1024), img.SizeBytes)

	resp = e.do(t, http.MethodGet, "/api/images/"+img.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/images?status=READY", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]imageResponse](t, resp)
	assert.Len(t, list["images"], 2) // seeded image + upload

	resp = e.do(t, http.MethodDelete, "/api/images/"+img.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/images/"+img.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImageUploadMissingName(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/api/images", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Equal(t, string(model.KindBadFormat), body.Error)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{
		MachineID: e.machine.ID,
		ImageID:   e.image.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[startSessionResponse](t, resp)
	assert.Equal(t, "ACTIVE", started.Session.Status)
	assert.Contains(t, started.TargetIQN, "target-")
	assert.Equal(t, "/boot/aabbccddee01.ipxe", started.BootScript)

	// The boot script is served for chainloading clients.
	resp = e.do(t, http.MethodGet, started.BootScript, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	script := make([]byte, 4096)
	n, _ := resp.Body.Read(script)
	assert.True(t, strings.HasPrefix(string(script[:n]), "#!ipxe\n"))

	// Double start conflicts.
	resp = e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{
		MachineID: e.machine.ID, ImageID: e.image.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Heartbeat, fetch, stop.
	resp = e.do(t, http.MethodPost, "/api/sessions/"+started.Session.ID+"/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/sessions/"+started.Session.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/sessions/"+started.Session.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Stopping again reports the terminal state as a conflict.
	resp = e.do(t, http.MethodDelete, "/api/sessions/"+started.Session.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The boot script is gone after teardown.
	resp = e.do(t, http.MethodGet, started.BootScript, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSessionImageNotReady(t *testing.T) {
	e := newTestEnv(t)

	converting := &model.Image{
		ID: "99999999-8888-7777-6666-555555555555", Name: "slow",
		Format: model.FormatVHDX, Type: model.ImageTypeSystem,
		Status: model.ImageConverting,
	}
	require.NoError(t, e.st.CreateImage(context.Background(), converting))

	resp := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{
		MachineID: e.machine.ID, ImageID: converting.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decode[errorBody](t, resp)
	assert.Equal(t, string(model.KindImageNotReady), body.Error)
}

func TestHardwareReportUpsert(t *testing.T) {
	e := newTestEnv(t)
	discovered := e.events.Subscribe(bus.TopicMachineDiscovered)
	defer discovered.Close()
	updated := e.events.Subscribe(bus.TopicMachineUpdated)
	defer updated.Close()

	resp := e.do(t, http.MethodPost, "/api/hardware-report", hardwareReportRequest{
		MACAddress: "AA-BB-CC-DD-EE-99",
		Name:       "lab-07",
		Hardware:   &model.HardwareInfo{Manufacturer: "Dell", RAMBytes: 16 << 30},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[map[string]int64](t, resp)
	require.NotZero(t, first["machine_id"])

	// Same MAC in a different notation resolves to the same machine.
	resp = e.do(t, http.MethodPost, "/api/hardware-report", hardwareReportRequest{
		MACAddress: "aa:bb:cc:dd:ee:99",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[map[string]int64](t, resp)
	assert.Equal(t, first["machine_id"], second["machine_id"])

	select {
	case ev := <-discovered.C():
		assert.Equal(t, bus.TopicMachineDiscovered, ev.Topic)
	default:
		t.Fatal("expected a machine.discovered event")
	}
	select {
	case ev := <-updated.C():
		assert.Equal(t, bus.TopicMachineUpdated, ev.Topic)
	default:
		t.Fatal("expected a machine.updated event")
	}

	resp = e.do(t, http.MethodPost, "/api/hardware-report", hardwareReportRequest{MACAddress: "garbage"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMachineEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/api/machines", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]machineResponse](t, resp)
	require.Len(t, list["machines"], 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", list["machines"][0].MACAddress)

	resp = e.do(t, http.MethodGet, "/api/machines/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/machines/424242", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteMachineRefusedWhileSessionOpen(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{
		MachineID: e.machine.ID, ImageID: e.image.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[startSessionResponse](t, resp)

	resp = e.do(t, http.MethodDelete, "/api/machines/"+strconv.FormatInt(e.machine.ID, 10), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, string(model.KindConflict), body.Error)

	resp = e.do(t, http.MethodDelete, "/api/sessions/"+started.Session.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/api/machines/"+strconv.FormatInt(e.machine.ID, 10), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAuditEndpointListsMutations(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/sessions", startSessionRequest{
		MachineID: e.machine.ID, ImageID: e.image.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decode[startSessionResponse](t, resp)

	resp = e.do(t, http.MethodDelete, "/api/sessions/"+started.Session.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]auditResponse](t, resp)
	events := list["events"]
	require.NotEmpty(t, events)

	// Newest first: the stop precedes the start.
	assert.Equal(t, "session.stop", events[0].Action)
	assert.NotEmpty(t, events[0].Actor)
	assert.NotEmpty(t, events[0].Timestamp)
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, "session.start")

	resp = e.do(t, http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[map[string][]auditResponse](t, resp)
	assert.Len(t, list["events"], 1)
}

func TestPreflightEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/preflight/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	checks, ok := body["checks"].([]any)
	require.True(t, ok)
	assert.Len(t, checks, 7)

	resp = e.do(t, http.MethodGet, "/api/preflight", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBootScriptValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/boot/nothex.ipxe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/boot/aabbccddeeff.ipxe", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "go_goroutines")
}
