// SPDX-License-Identifier: MIT

// Package session is the central state machine of the diskless-boot
// orchestrator. It binds (machine, image) to an iSCSI target and the boot
// artifacts, drives start, stop, heartbeat timeout and crash recovery, and
// publishes every lifecycle change on the event bus.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggnet/diskless/internal/audit"
	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/iscsi"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/store"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ggnet_sessions_total",
		Help: "Session lifecycle outcomes",
	}, []string{"outcome"})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ggnet_sessions_active",
		Help: "Sessions currently in ACTIVE state",
	})
)

// readiness is the slice of pre-flight the orchestrator consults before a
// start.
type readiness interface {
	Healthy() bool
}

// Options configure the orchestrator.
type Options struct {
	IQNBase string
	// ServerIP is the portal address written into targets and boot scripts.
	ServerIP string
	// HeartbeatTimeout is the idle threshold for the sweeper.
	HeartbeatTimeout time.Duration
	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration
}

// StartResult is what a successful StartSession returns.
type StartResult struct {
	Session   *model.Session
	TargetIQN string
	LUNID     int
	// BootScriptPath is the iPXE script location under the TFTP root.
	BootScriptPath string
}

// Orchestrator drives the session state machine.
type Orchestrator struct {
	st     store.Store
	mgr    iscsi.Manager
	gen    *bootfile.Generator
	reload *bootfile.Reloader
	events bus.Bus
	ready  readiness
	rec    *audit.Recorder
	opts   Options

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New wires the orchestrator. ready may be nil, which disables the
// system-readiness gate (tests).
func New(st store.Store, mgr iscsi.Manager, gen *bootfile.Generator, reload *bootfile.Reloader, events bus.Bus, ready readiness, rec *audit.Recorder, opts Options) *Orchestrator {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Orchestrator{
		st:     st,
		mgr:    mgr,
		gen:    gen,
		reload: reload,
		events: events,
		ready:  ready,
		rec:    rec,
		opts:   opts,
		locks:  make(map[int64]*sync.Mutex),
	}
}

// machineLock returns the mutex guarding one machine's state machine. The
// lock is held for the duration of a single start or stop, never across a
// user-visible wait.
func (o *Orchestrator) machineLock(machineID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[machineID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[machineID] = l
	}
	return l
}

// StartSession provisions everything a machine needs to boot from an image
// and returns once the session is ACTIVE.
func (o *Orchestrator) StartSession(ctx context.Context, machineID int64, imageID string, sessType model.SessionType, actor string) (*StartResult, error) {
	if !model.ValidSessionType(sessType) {
		return nil, model.E(model.KindBadFormat, "unknown session type %q", sessType)
	}
	if o.ready != nil && !o.ready.Healthy() {
		return nil, model.E(model.KindSystemNotReady, "pre-flight checks are failing")
	}

	lock := o.machineLock(machineID)
	lock.Lock()
	defer lock.Unlock()

	machine, err := o.st.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if machine.Disabled {
		return nil, model.E(model.KindConflict, "machine %d is disabled", machineID)
	}
	image, err := o.st.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if image.Status != model.ImageReady {
		return nil, model.E(model.KindImageNotReady, "image %s is %s, not READY", imageID, image.Status)
	}

	sess := &model.Session{
		ID:           uuid.NewString(),
		MachineID:    machineID,
		ImageID:      imageID,
		Type:         sessType,
		Status:       model.SessionPending,
		InitiatorIQN: model.InitiatorIQN(o.opts.IQNBase, machine.MACAddress),
	}
	if err := o.st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	ctx = log.ContextWithSessionID(ctx, sess.ID)
	logger := log.WithContext(ctx, log.WithComponent("session")).With().
		Int64("machine_id", machineID).
		Str("image_id", imageID).
		Logger()
	o.events.Publish(ctx, bus.TopicSessionPending, sess.ID)

	fail := func(stage string, cause error) (*StartResult, error) {
		sessionsTotal.WithLabelValues("failed").Inc()
		terr := o.st.TransitionSession(ctx, sess.ID, nil, model.SessionError, func(s *model.Session) {
			s.ErrorMessage = fmt.Sprintf("%s: %v", stage, cause)
			s.EndedAt = time.Now().UTC()
		})
		if terr != nil {
			logger.Error().Err(terr).Msg("failed to mark session errored")
		}
		logger.Error().Err(cause).Str("stage", stage).Msg("session start failed")
		o.events.Publish(ctx, bus.TopicSessionFailed, sess.ID)
		o.rec.Failure(ctx, actor, audit.ActionSessionStart, "session/"+sess.ID, cause)
		return nil, cause
	}

	if err := o.st.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.SessionPending}, model.SessionStarting, nil); err != nil {
		return fail("transition", err)
	}

	spec := iscsi.Spec{
		TargetIQN:     model.TargetIQN(o.opts.IQNBase, machineID, imageID),
		InitiatorIQN:  sess.InitiatorIQN,
		BackstoreName: model.BackstoreName(machineID, imageID),
		ImagePath:     image.StoragePath,
		PortalIP:      o.opts.ServerIP,
	}

	target := &model.Target{
		MachineID:     machineID,
		ImageID:       imageID,
		IQN:           spec.TargetIQN,
		LUNID:         0,
		InitiatorIQN:  spec.InitiatorIQN,
		BackstoreName: spec.BackstoreName,
		ImagePath:     spec.ImagePath,
		Status:        model.TargetPending,
	}
	if err := o.st.CreateTarget(ctx, target); err != nil {
		return fail("persist target", err)
	}

	if err := o.mgr.CreateTarget(ctx, spec); err != nil {
		target.Status = model.TargetError
		_ = o.st.UpdateTarget(ctx, target)
		return fail("iscsi create", err)
	}
	target.Status = model.TargetActive
	if err := o.st.UpdateTarget(ctx, target); err != nil {
		o.teardownISCSI(ctx, spec)
		return fail("persist target", err)
	}
	o.events.Publish(ctx, bus.TopicTargetCreated, spec.TargetIQN)

	if err := o.writeBootFiles(ctx, machine, sess.InitiatorIQN, spec.TargetIQN, target.LUNID); err != nil {
		o.teardownISCSI(ctx, spec)
		o.deactivateTarget(ctx, target)
		return fail("boot files", err)
	}

	if err := o.reload.Reload(ctx); err != nil {
		_ = o.gen.Remove(ctx, machine.MACAddress)
		o.teardownISCSI(ctx, spec)
		o.deactivateTarget(ctx, target)
		return fail("dhcp reload", err)
	}

	now := time.Now().UTC()
	err = o.st.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.SessionStarting}, model.SessionActive, func(s *model.Session) {
		s.TargetID = target.ID
		s.StartedAt = now
		s.LastActivity = now
	})
	if err != nil {
		_ = o.gen.Remove(ctx, machine.MACAddress)
		o.teardownISCSI(ctx, spec)
		o.deactivateTarget(ctx, target)
		return fail("transition", err)
	}

	sessionsTotal.WithLabelValues("started").Inc()
	activeSessions.Inc()
	logger.Info().Str("target_iqn", spec.TargetIQN).Msg("session active")
	o.events.Publish(ctx, bus.TopicSessionStarted, sess.ID)
	o.rec.Success(ctx, actor, audit.ActionSessionStart, "session/"+sess.ID,
		fmt.Sprintf("machine %d image %s", machineID, imageID))

	final, err := o.st.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &StartResult{
		Session:        final,
		TargetIQN:      spec.TargetIQN,
		LUNID:          target.LUNID,
		BootScriptPath: o.gen.ScriptPath(machine.MACAddress),
	}, nil
}

func (o *Orchestrator) writeBootFiles(ctx context.Context, machine *model.Machine, initiatorIQN, targetIQN string, lun int) error {
	if err := o.gen.WriteScript(ctx, machine.MACAddress, initiatorIQN, targetIQN, lun); err != nil {
		return err
	}
	if err := o.gen.WriteFragment(ctx, machine); err != nil {
		_ = o.gen.Remove(ctx, machine.MACAddress)
		return err
	}
	return nil
}

func (o *Orchestrator) teardownISCSI(ctx context.Context, spec iscsi.Spec) {
	if err := o.mgr.DeleteTarget(ctx, spec); err != nil {
		log.FromContext(ctx).Error().Err(err).
			Str("target_iqn", spec.TargetIQN).
			Msg("compensating target delete failed")
	}
}

func (o *Orchestrator) deactivateTarget(ctx context.Context, target *model.Target) {
	target.Status = model.TargetInactive
	if err := o.st.UpdateTarget(ctx, target); err != nil {
		log.FromContext(ctx).Error().Err(err).Int64("target_id", target.ID).Msg("failed to deactivate target row")
	}
}

// StopSession tears a session down. Teardown is best-effort: every step is
// attempted even after a failure, and a failed step lands the session in
// ERROR instead of STOPPED.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, actor string) error {
	sess, err := o.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	lock := o.machineLock(sess.MachineID)
	lock.Lock()
	defer lock.Unlock()

	err = o.st.TransitionSession(ctx, sessionID, []model.SessionStatus{model.SessionActive}, model.SessionStopping, nil)
	if err != nil {
		return err
	}
	activeSessions.Dec()

	ctx = log.ContextWithSessionID(ctx, sessionID)
	teardownErr := o.teardown(ctx, sess)

	final := model.SessionStopped
	if teardownErr != nil {
		final = model.SessionError
	}
	err = o.st.TransitionSession(ctx, sessionID, []model.SessionStatus{model.SessionStopping}, final, func(s *model.Session) {
		s.EndedAt = time.Now().UTC()
		if teardownErr != nil {
			s.ErrorMessage = teardownErr.Error()
		}
	})
	if err != nil {
		return err
	}

	if teardownErr != nil {
		sessionsTotal.WithLabelValues("stop_failed").Inc()
		o.events.Publish(ctx, bus.TopicSessionFailed, sessionID)
		o.rec.Failure(ctx, actor, audit.ActionSessionStop, "session/"+sessionID, teardownErr)
		return teardownErr
	}
	sessionsTotal.WithLabelValues("stopped").Inc()
	stopLogger := log.WithContext(ctx, log.WithComponent("session"))
	stopLogger.Info().Msg("session stopped")
	o.events.Publish(ctx, bus.TopicSessionStopped, sessionID)
	o.rec.Success(ctx, actor, audit.ActionSessionStop, "session/"+sessionID, "")
	return nil
}

// teardown removes boot artifacts, deletes the iSCSI target and reloads
// DHCP. Every step runs regardless of earlier failures; the first error is
// returned.
func (o *Orchestrator) teardown(ctx context.Context, sess *model.Session) error {
	logger := log.WithContext(ctx, log.WithComponent("session"))
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	machine, err := o.st.GetMachine(ctx, sess.MachineID)
	if err != nil {
		record(err)
	} else {
		record(o.gen.Remove(ctx, machine.MACAddress))
	}

	// Clean every target row holding the machine's IQN under the live
	// uniqueness index. A start that died before the ACTIVE transition left
	// a PENDING row with no target ID on the session; missing it would
	// block the machine's deterministic IQN forever.
	targets := map[int64]*model.Target{}
	if sess.TargetID != 0 {
		if target, terr := o.st.GetTarget(ctx, sess.TargetID); terr == nil {
			targets[target.ID] = target
		} else {
			record(terr)
		}
	}
	if live, terr := o.st.LiveTargetsForMachine(ctx, sess.MachineID); terr == nil {
		for i := range live {
			if _, seen := targets[live[i].ID]; !seen {
				targets[live[i].ID] = &live[i]
			}
		}
	} else {
		record(terr)
	}
	for _, target := range targets {
		spec := iscsi.Spec{
			TargetIQN:     target.IQN,
			InitiatorIQN:  target.InitiatorIQN,
			BackstoreName: target.BackstoreName,
			ImagePath:     target.ImagePath,
			PortalIP:      o.opts.ServerIP,
		}
		if err := o.mgr.DeleteTarget(ctx, spec); err != nil {
			record(err)
		} else {
			o.events.Publish(ctx, bus.TopicTargetDeleted, target.IQN)
		}
		o.deactivateTarget(ctx, target)
	}

	record(o.reload.Reload(ctx))

	if firstErr != nil {
		logger.Error().Err(firstErr).Msg("teardown completed with errors")
	}
	return firstErr
}

// Heartbeat stamps the session's last activity. Only ACTIVE sessions accept
// heartbeats.
func (o *Orchestrator) Heartbeat(ctx context.Context, sessionID string) error {
	return o.st.TouchSessionActivity(ctx, sessionID, time.Now().UTC())
}

// RunSweeper times out ACTIVE sessions whose last activity is older than the
// heartbeat threshold. It returns when ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	logger := log.WithComponent("session")
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-o.opts.HeartbeatTimeout)
			idle, err := o.st.ActiveSessionsIdleSince(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("sweep query failed")
				continue
			}
			for _, sess := range idle {
				o.timeoutSession(ctx, sess)
			}
		}
	}
}

func (o *Orchestrator) timeoutSession(ctx context.Context, sess model.Session) {
	lock := o.machineLock(sess.MachineID)
	lock.Lock()
	defer lock.Unlock()

	ctx = log.ContextWithSessionID(ctx, sess.ID)
	logger := log.WithContext(ctx, log.WithComponent("session"))

	err := o.st.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.SessionActive}, model.SessionTimeout, func(s *model.Session) {
		s.EndedAt = time.Now().UTC()
		s.ErrorMessage = fmt.Sprintf("no heartbeat for %s", o.opts.HeartbeatTimeout)
	})
	if err != nil {
		// Lost the race against a concurrent stop; nothing to do.
		if model.IsKind(err, model.KindConflict) || model.IsKind(err, model.KindTerminal) {
			return
		}
		logger.Error().Err(err).Msg("timeout transition failed")
		return
	}
	activeSessions.Dec()
	sessionsTotal.WithLabelValues("timeout").Inc()
	logger.Warn().Dur("heartbeat_timeout", o.opts.HeartbeatTimeout).Msg("session timed out")

	if err := o.teardown(ctx, &sess); err != nil {
		logger.Error().Err(err).Msg("timeout cleanup incomplete")
	}
	o.events.Publish(ctx, bus.TopicSessionTimeout, sess.ID)
	o.rec.Record(ctx, audit.ActorSystem, audit.ActionSessionTimeout, "session/"+sess.ID, audit.OutcomeSuccess, "")
}

// Recover reconciles sessions after a process restart: transient states are
// cleaned up into a terminal state, ACTIVE sessions are verified against the
// kernel target state.
func (o *Orchestrator) Recover(ctx context.Context) error {
	logger := log.WithComponent("session")

	transient, err := o.st.ListSessionsByStatus(ctx, model.SessionPending, model.SessionStarting, model.SessionStopping)
	if err != nil {
		return err
	}
	for _, sess := range transient {
		final := model.SessionError
		if sess.Status == model.SessionStopping {
			// A stop that was interrupted still counts as stopped once the
			// cleanup lands.
			final = model.SessionStopped
		}
		if err := o.teardown(ctx, &sess); err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("recovery cleanup incomplete")
			final = model.SessionError
		}
		err := o.st.TransitionSession(ctx, sess.ID, nil, final, func(s *model.Session) {
			s.EndedAt = time.Now().UTC()
			if final == model.SessionError {
				s.ErrorMessage = "interrupted by restart"
			}
		})
		if err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("recovery transition failed")
			continue
		}
		logger.Info().Str("session_id", sess.ID).Str("from", string(sess.Status)).Str("to", string(final)).Msg("recovered session")
		o.rec.Record(ctx, audit.ActorSystem, audit.ActionSessionRecover, "session/"+sess.ID, audit.OutcomeSuccess, string(final))
	}

	active, err := o.st.ListSessionsByStatus(ctx, model.SessionActive)
	if err != nil {
		return err
	}
	for _, sess := range active {
		iqn := ""
		live := false
		if sess.TargetID != 0 {
			if t, terr := o.st.GetTarget(ctx, sess.TargetID); terr == nil {
				iqn = t.IQN
				state, serr := o.mgr.Status(ctx, iscsi.Spec{
					TargetIQN:     t.IQN,
					InitiatorIQN:  t.InitiatorIQN,
					BackstoreName: t.BackstoreName,
					ImagePath:     t.ImagePath,
					PortalIP:      o.opts.ServerIP,
				})
				if serr != nil {
					logger.Error().Err(serr).Str("session_id", sess.ID).Msg("target status check failed")
					continue
				}
				live = !state.Broken()
			}
		}
		if live {
			activeSessions.Inc()
			logger.Info().Str("session_id", sess.ID).Msg("active session survived restart")
			continue
		}

		logger.Warn().Str("session_id", sess.ID).Str("target_iqn", iqn).Msg("active session lost its target")
		if err := o.teardown(ctx, &sess); err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("recovery cleanup incomplete")
		}
		err := o.st.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.SessionActive}, model.SessionError, func(s *model.Session) {
			s.EndedAt = time.Now().UTC()
			s.ErrorMessage = "target missing after restart"
		})
		if err != nil {
			logger.Error().Err(err).Str("session_id", sess.ID).Msg("recovery transition failed")
			continue
		}
		o.events.Publish(ctx, bus.TopicSessionFailed, sess.ID)
		o.rec.Record(ctx, audit.ActorSystem, audit.ActionSessionRecover, "session/"+sess.ID, audit.OutcomeFailure, "target missing")
	}
	return nil
}

// GetSession returns the full session record.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return o.st.GetSession(ctx, id)
}
