// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/store"
)

// maxUploadBytes caps one image upload (1 TiB covers any plausible disk
// image while still bounding the handler).
const maxUploadBytes = 1 << 40

type imageResponse struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Format           string  `json:"format"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	SizeBytes        int64   `json:"size_bytes"`
	VirtualSizeBytes int64   `json:"virtual_size_bytes,omitempty"`
	ChecksumSHA256   string  `json:"checksum_sha256,omitempty"`
	Progress         float64 `json:"progress"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func toImageResponse(img *model.Image) imageResponse {
	return imageResponse{
		ID:               img.ID,
		Name:             img.Name,
		Format:           string(img.Format),
		Type:             string(img.Type),
		Status:           string(img.Status),
		SizeBytes:        img.SizeBytes,
		VirtualSizeBytes: img.VirtualSizeBytes,
		ChecksumSHA256:   img.ChecksumSHA256,
		Progress:         img.Progress,
		ErrorMessage:     img.ErrorMessage,
		CreatedAt:        img.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// idleReader pushes the connection's read deadline forward before every
// chunk, so a stalled upload fails instead of holding the handler forever.
type idleReader struct {
	r    io.Reader
	rc   *http.ResponseController
	idle time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	// Unsupported on some ResponseWriters (test recorders); then the
	// server-level timeouts are the only guard.
	_ = ir.rc.SetReadDeadline(time.Now().Add(ir.idle))
	return ir.r.Read(p)
}

// handleIngestImage streams the request body into the image store. Name and
// type arrive as query parameters so the body stays a raw octet stream.
func (s *Server) handleIngestImage(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	imgType := model.ImageType(r.URL.Query().Get("type"))
	if imgType == "" {
		imgType = model.ImageTypeSystem
	}

	body := &idleReader{
		r:    http.MaxBytesReader(w, r.Body, maxUploadBytes),
		rc:   http.NewResponseController(w),
		idle: s.uploadIdle,
	}
	img, err := s.images.Ingest(r.Context(), body, name, imgType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toImageResponse(img))
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ImageFilter{
		Status: model.ImageStatus(q.Get("status")),
		Type:   model.ImageType(q.Get("type")),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}

	images, err := s.st.ListImages(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]imageResponse, 0, len(images))
	for i := range images {
		out = append(out, toImageResponse(&images[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": out})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.st.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toImageResponse(img))
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.images.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	ID           string `json:"id"`
	MachineID    int64  `json:"machine_id"`
	ImageID      string `json:"image_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	InitiatorIQN string `json:"initiator_iqn,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	EndedAt      string `json:"ended_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toSessionResponse(sess *model.Session) sessionResponse {
	out := sessionResponse{
		ID:           sess.ID,
		MachineID:    sess.MachineID,
		ImageID:      sess.ImageID,
		Type:         string(sess.Type),
		Status:       string(sess.Status),
		InitiatorIQN: sess.InitiatorIQN,
		ErrorMessage: sess.ErrorMessage,
	}
	if !sess.StartedAt.IsZero() {
		out.StartedAt = sess.StartedAt.UTC().Format(time.RFC3339)
	}
	if !sess.EndedAt.IsZero() {
		out.EndedAt = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	return out
}

type startSessionRequest struct {
	MachineID int64  `json:"machine_id"`
	ImageID   string `json:"image_id"`
	Type      string `json:"type"`
}

type startSessionResponse struct {
	Session    sessionResponse `json:"session"`
	TargetIQN  string          `json:"target_iqn"`
	LUNID      int             `json:"lun_id"`
	BootScript string          `json:"boot_script"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, model.Wrap(model.KindBadFormat, err, "decode request"))
		return
	}
	sessType := model.SessionType(req.Type)
	if req.Type == "" {
		sessType = model.SessionDisklessBoot
	}

	res, err := s.orch.StartSession(r.Context(), req.MachineID, req.ImageID, sessType, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	machine, err := s.st.GetMachine(r.Context(), req.MachineID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{
		Session:    toSessionResponse(res.Session),
		TargetIQN:  res.TargetIQN,
		LUNID:      res.LUNID,
		BootScript: "/boot/" + model.MACHex(machine.MACAddress) + ".ipxe",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopSession(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type machineResponse struct {
	ID         int64               `json:"id"`
	Name       string              `json:"name"`
	MACAddress string              `json:"mac_address"`
	IPAddress  string              `json:"ip_address,omitempty"`
	BootMode   string              `json:"boot_mode"`
	Disabled   bool                `json:"disabled,omitempty"`
	Hardware   *model.HardwareInfo `json:"hardware,omitempty"`
}

func toMachineResponse(m *model.Machine) machineResponse {
	return machineResponse{
		ID:         m.ID,
		Name:       m.Name,
		MACAddress: m.MACAddress,
		IPAddress:  m.IPAddress,
		BootMode:   string(m.BootMode),
		Disabled:   m.Disabled,
		Hardware:   m.Hardware,
	}
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.st.ListMachines(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]machineResponse, 0, len(machines))
	for i := range machines {
		out = append(out, toMachineResponse(&machines[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": out})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, r, model.E(model.KindBadFormat, "invalid machine id"))
		return
	}
	m, err := s.st.GetMachine(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMachineResponse(m))
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, r, model.E(model.KindBadFormat, "invalid machine id"))
		return
	}
	// A machine with an open session still owns kernel-side state; it must
	// be stopped before the registry row can go.
	if sess, serr := s.st.NonTerminalSessionForMachine(r.Context(), id); serr == nil {
		writeError(w, r, model.E(model.KindConflict, "machine %d has open session %s", id, sess.ID))
		return
	} else if model.KindOf(serr) != model.KindNotFound {
		writeError(w, r, serr)
		return
	}
	if err := s.st.DeleteMachine(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hardwareReportRequest struct {
	MACAddress string              `json:"mac_address"`
	Name       string              `json:"name"`
	Hardware   *model.HardwareInfo `json:"hardware"`
}

// handleHardwareReport is the idempotent auto-discovery upsert: new MACs
// create a machine, known MACs merge the descriptor.
func (s *Server) handleHardwareReport(w http.ResponseWriter, r *http.Request) {
	var req hardwareReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, model.Wrap(model.KindBadFormat, err, "decode request"))
		return
	}
	mac, err := model.CanonicalMAC(req.MACAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}

	_, lookupErr := s.st.GetMachineByMAC(r.Context(), mac)
	known := lookupErr == nil

	id, err := s.st.UpsertMachineByMAC(r.Context(), mac, req.Name, req.Hardware)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if known {
		s.events.Publish(r.Context(), bus.TopicMachineUpdated, id)
	} else {
		s.events.Publish(r.Context(), bus.TopicMachineDiscovered, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine_id": id})
}

type auditResponse struct {
	ID            int64  `json:"id"`
	Timestamp     string `json:"timestamp"`
	Actor         string `json:"actor"`
	Action        string `json:"action"`
	Resource      string `json:"resource"`
	Outcome       string `json:"outcome"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// handleListAudit returns the newest audit entries, bounded by limit.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	events, err := s.st.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]auditResponse, 0, len(events))
	for i := range events {
		ev := &events[i]
		out = append(out, auditResponse{
			ID:            ev.ID,
			Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339),
			Actor:         ev.Actor,
			Action:        ev.Action,
			Resource:      ev.Resource,
			Outcome:       ev.Outcome,
			Detail:        ev.Detail,
			CorrelationID: ev.CorrelationID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	results, ranAt := s.checks.Results()
	writeJSON(w, http.StatusOK, map[string]any{
		"checks":  results,
		"ran_at":  ranAt.UTC().Format(time.RFC3339),
		"healthy": s.checks.Healthy(),
	})
}

func (s *Server) handleRunPreflight(w http.ResponseWriter, r *http.Request) {
	results := s.checks.Run(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"checks":  results,
		"healthy": s.checks.Healthy(),
	})
}

// handleBootScript serves the per-machine iPXE script for chainloading
// clients. The MAC arrives in hex form without separators.
func (s *Server) handleBootScript(w http.ResponseWriter, r *http.Request) {
	mac, err := model.CanonicalMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	path := s.gen.ScriptPath(mac)
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from a validated MAC under the TFTP root
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, model.E(model.KindNotFound, "no boot script for %s", bootfile.ScriptName(mac)))
			return
		}
		writeError(w, r, model.Wrap(model.KindIOError, err, "read boot script"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// actor identifies who performed a mutation for the audit trail. With auth
// out of core, the remote address is the best available identity.
func actor(r *http.Request) string {
	return r.RemoteAddr
}
