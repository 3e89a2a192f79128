// SPDX-License-Identifier: MIT

// Package iscsi adapts targetcli into the orchestrator's target lifecycle.
// All kernel target mutations go through one process-wide mutex; targetcli
// itself is not safe to run concurrently against the same configfs tree.
package iscsi

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/runner"
	"github.com/ggnet/diskless/internal/store"
)

var opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ggnet_iscsi_operations_total",
	Help: "targetcli operations by op and outcome",
}, []string{"op", "outcome"})

// Spec is everything needed to expose one image to one initiator.
type Spec struct {
	TargetIQN     string
	InitiatorIQN  string
	BackstoreName string
	ImagePath     string
	PortalIP      string
}

// Manager is the target lifecycle abstraction the session orchestrator
// drives.
type Manager interface {
	// CreateTarget builds backstore, target, portal, LUN and ACL in order.
	// Pre-existing pieces are adopted, a failed step rolls back the pieces
	// this call created.
	CreateTarget(ctx context.Context, spec Spec) error
	// DeleteTarget tears the stack down in reverse order; missing pieces
	// are tolerated.
	DeleteTarget(ctx context.Context, spec Spec) error
	// Status probes one target's pieces and its logged-in initiators.
	Status(ctx context.Context, spec Spec) (TargetState, error)
	// ListTargets returns every live target IQN.
	ListTargets(ctx context.Context) ([]string, error)
	// Responsive reports whether targetcli answers at all, for pre-flight.
	Responsive(ctx context.Context) bool
}

// CLIManager drives the real targetcli binary.
type CLIManager struct {
	mu      sync.Mutex
	run     runner.Runner
	program string
}

var _ Manager = (*CLIManager)(nil)

// New wires a CLIManager around the given runner and program name.
func New(run runner.Runner, program string) *CLIManager {
	if program == "" {
		program = "targetcli"
	}
	return &CLIManager{run: run, program: program}
}

// step is one targetcli invocation inside a create, paired with its undo.
type step struct {
	name string
	args []string
	undo []string
}

// alreadyExists recognizes targetcli's complaint about a pre-existing
// object, which adoption treats as success.
func alreadyExists(stderr, stdout string) bool {
	combined := strings.ToLower(stderr + stdout)
	return strings.Contains(combined, "already exists") ||
		strings.Contains(combined, "this name is already in use")
}

// notFound recognizes targetcli's complaint about a missing object, which
// deletion tolerates.
func notFound(stderr, stdout string) bool {
	combined := strings.ToLower(stderr + stdout)
	return strings.Contains(combined, "no such path") ||
		strings.Contains(combined, "does not exist") ||
		strings.Contains(combined, "not found")
}

func (m *CLIManager) cli(ctx context.Context, args ...string) (runner.Result, error) {
	return m.run.Run(ctx, runner.Request{
		Program: m.program,
		Args:    args,
		Timeout: 30 * time.Second,
	})
}

func (m *CLIManager) CreateTarget(ctx context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.FromContext(ctx).With().
		Str("component", "iscsi").
		Str("target_iqn", spec.TargetIQN).
		Logger()

	tpg := fmt.Sprintf("/iscsi/%s/tpg1", spec.TargetIQN)
	steps := []step{
		{
			name: "backstore",
			args: []string{"/backstores/fileio", "create",
				"name=" + spec.BackstoreName, "file_or_dev=" + spec.ImagePath},
			undo: []string{"/backstores/fileio", "delete", spec.BackstoreName},
		},
		{
			name: "target",
			args: []string{"/iscsi", "create", spec.TargetIQN},
			undo: []string{"/iscsi", "delete", spec.TargetIQN},
		},
		{
			name: "portal",
			args: []string{tpg + "/portals", "create", spec.PortalIP, "3260"},
			undo: []string{tpg + "/portals", "delete", spec.PortalIP, "3260"},
		},
		{
			name: "lun",
			args: []string{tpg + "/luns", "create", "/backstores/fileio/" + spec.BackstoreName},
			// Deleting the target removes its LUNs; no separate undo.
		},
		{
			name: "acl",
			args: []string{tpg + "/acls", "create", spec.InitiatorIQN},
			undo: []string{tpg + "/acls", "delete", spec.InitiatorIQN},
		},
	}

	var done []step
	for _, s := range steps {
		res, err := m.cli(ctx, s.args...)
		if err != nil {
			if alreadyExists(res.Stderr, res.Stdout) {
				logger.Info().Str("step", s.name).Msg("adopting existing object")
				done = append(done, s)
				continue
			}
			opsTotal.WithLabelValues("create", "error").Inc()
			m.rollback(ctx, done)
			return &model.ISCSIError{Op: "create", Step: s.name, Err: err}
		}
		done = append(done, s)
	}

	if err := m.saveconfig(ctx); err != nil {
		opsTotal.WithLabelValues("create", "error").Inc()
		m.rollback(ctx, done)
		return &model.ISCSIError{Op: "create", Step: "saveconfig", Err: err}
	}

	opsTotal.WithLabelValues("create", "ok").Inc()
	logger.Info().Str("backstore", spec.BackstoreName).Msg("iscsi target created")
	return nil
}

// rollback undoes completed steps newest-first. Failures are logged and
// skipped; a half-dead target is reported, not hidden.
func (m *CLIManager) rollback(ctx context.Context, done []step) {
	l := log.WithComponent("iscsi")
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.undo == nil {
			continue
		}
		if res, err := m.cli(ctx, s.undo...); err != nil && !notFound(res.Stderr, res.Stdout) {
			l.Warn().Err(err).Str("step", s.name).Msg("rollback step failed")
		}
	}
	if err := m.saveconfig(ctx); err != nil {
		l.Warn().Err(err).Msg("saveconfig after rollback failed")
	}
}

func (m *CLIManager) DeleteTarget(ctx context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.FromContext(ctx).With().
		Str("component", "iscsi").
		Str("target_iqn", spec.TargetIQN).
		Logger()

	tpg := fmt.Sprintf("/iscsi/%s/tpg1", spec.TargetIQN)
	teardown := []step{
		{name: "acl", args: []string{tpg + "/acls", "delete", spec.InitiatorIQN}},
		{name: "target", args: []string{"/iscsi", "delete", spec.TargetIQN}},
		{name: "backstore", args: []string{"/backstores/fileio", "delete", spec.BackstoreName}},
	}

	var firstErr error
	for _, s := range teardown {
		res, err := m.cli(ctx, s.args...)
		if err != nil {
			if notFound(res.Stderr, res.Stdout) {
				continue
			}
			logger.Warn().Err(err).Str("step", s.name).Msg("teardown step failed")
			if firstErr == nil {
				firstErr = &model.ISCSIError{Op: "delete", Step: s.name, Err: err}
			}
		}
	}

	if err := m.saveconfig(ctx); err != nil && firstErr == nil {
		firstErr = &model.ISCSIError{Op: "delete", Step: "saveconfig", Err: err}
	}

	if firstErr != nil {
		opsTotal.WithLabelValues("delete", "error").Inc()
		return firstErr
	}
	opsTotal.WithLabelValues("delete", "ok").Inc()
	logger.Info().Msg("iscsi target deleted")
	return nil
}

func (m *CLIManager) saveconfig(ctx context.Context) error {
	_, err := m.cli(ctx, "saveconfig")
	return err
}

var iqnRe = regexp.MustCompile(`iqn\.[0-9]{4}-[0-9]{2}\.[^\s\]]+`)

func (m *CLIManager) ListTargets(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.cli(ctx, "ls", "/iscsi", "1")
	if err != nil {
		return nil, &model.ISCSIError{Op: "list", Step: "ls", Err: err}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, match := range iqnRe.FindAllString(res.Stdout, -1) {
		if _, dup := seen[match]; dup {
			continue
		}
		seen[match] = struct{}{}
		out = append(out, match)
	}
	return out, nil
}

// TargetState is the probed health of one exposed target.
type TargetState struct {
	Exists              bool
	BackstoreOK         bool
	ACLOK               bool
	ConnectedInitiators []string
}

// Broken reports whether a target that should be serving is unusable.
func (s TargetState) Broken() bool {
	return !s.Exists || !s.BackstoreOK || !s.ACLOK
}

func (m *CLIManager) Status(ctx context.Context, spec Spec) (TargetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st TargetState
	probe := func(path string) (bool, error) {
		res, err := m.cli(ctx, "ls", path, "1")
		if err != nil {
			if notFound(res.Stderr, res.Stdout) {
				return false, nil
			}
			return false, &model.ISCSIError{Op: "status", Step: "ls", Err: err}
		}
		return true, nil
	}

	var err error
	if st.Exists, err = probe("/iscsi/" + spec.TargetIQN); err != nil {
		return st, err
	}
	if st.BackstoreOK, err = probe("/backstores/fileio/" + spec.BackstoreName); err != nil {
		return st, err
	}
	if st.ACLOK, err = probe(fmt.Sprintf("/iscsi/%s/tpg1/acls/%s", spec.TargetIQN, spec.InitiatorIQN)); err != nil {
		return st, err
	}

	// "sessions" lists logged-in initiators across all targets; attribute
	// only the one this spec authorizes.
	res, err := m.cli(ctx, "sessions")
	if err != nil {
		return st, &model.ISCSIError{Op: "status", Step: "sessions", Err: err}
	}
	for _, match := range iqnRe.FindAllString(res.Stdout, -1) {
		if match == spec.InitiatorIQN {
			st.ConnectedInitiators = append(st.ConnectedInitiators, match)
			break
		}
	}
	return st, nil
}

func (m *CLIManager) Responsive(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.cli(ctx, "ls", "/", "1")
	return err == nil
}

// Reconciler compares the store's view of targets with the kernel's.
type Reconciler struct {
	st      store.Store
	mgr     Manager
	events  bus.Bus
	iqnBase string
}

// NewReconciler wires a reconciliation pass.
func NewReconciler(st store.Store, mgr Manager, events bus.Bus, iqnBase string) *Reconciler {
	return &Reconciler{st: st, mgr: mgr, events: events, iqnBase: iqnBase}
}

// Reconcile marks ACTIVE store targets that vanished from the kernel as
// ERROR, sweeps PENDING rows no start is driving anymore, and logs live
// targets nobody modeled. It never deletes kernel state on its own.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	logger := log.WithComponent("iscsi")

	live, err := r.mgr.ListTargets(ctx)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, iqn := range live {
		liveSet[iqn] = struct{}{}
	}

	// At startup no StartSession is in flight, so every PENDING row is an
	// interrupted create. It holds the pairing's deterministic IQN under
	// the live uniqueness index; mark it ERROR so the IQN frees up. Kernel
	// remnants stay for the next create to adopt.
	pending, err := r.st.ListTargetsByStatus(ctx, model.TargetPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		logger.Warn().Str("target_iqn", t.IQN).Int64("target_id", t.ID).Msg("sweeping interrupted target create")
		t.Status = model.TargetError
		if err := r.st.UpdateTarget(ctx, &t); err != nil {
			logger.Error().Err(err).Int64("target_id", t.ID).Msg("failed to mark target errored")
			continue
		}
		r.events.Publish(ctx, bus.TopicTargetError, t.IQN)
	}

	active, err := r.st.ListTargetsByStatus(ctx, model.TargetActive)
	if err != nil {
		return err
	}
	modeled := make(map[string]struct{}, len(active))
	for _, t := range active {
		modeled[t.IQN] = struct{}{}
		if _, ok := liveSet[t.IQN]; ok {
			continue
		}
		logger.Error().Str("target_iqn", t.IQN).Int64("target_id", t.ID).Msg("active target missing from kernel")
		t.Status = model.TargetError
		if err := r.st.UpdateTarget(ctx, &t); err != nil {
			logger.Error().Err(err).Int64("target_id", t.ID).Msg("failed to mark target errored")
			continue
		}
		r.events.Publish(ctx, bus.TopicTargetError, t.IQN)
	}

	for _, iqn := range live {
		if _, ok := modeled[iqn]; ok {
			continue
		}
		if !strings.HasPrefix(iqn, r.iqnBase+":") {
			continue // foreign target, none of our business
		}
		logger.Warn().Str("target_iqn", iqn).Msg("unmodeled target in kernel")
	}
	return nil
}
