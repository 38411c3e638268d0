// Package apiserver exposes internal/service.Service's RPC-shaped surface
// (spec.md §6) over plain JSON-over-HTTP, in the style of the teacher's
// other small standalone daemons (availability-prober, azure-dns-proxy):
// the specification only commits to the typed endpoints, not the wire
// encoding, so this is one concrete transport rather than the mandated one.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/carbide-infra/carbide/internal/carbideerrors"
	"github.com/carbide-infra/carbide/internal/dns"
	"github.com/carbide-infra/carbide/internal/model"
	"github.com/carbide-infra/carbide/internal/service"
)

const shutdownGrace = 30 * time.Second

// Server adapts a service.Service onto net/http.
type Server struct {
	svc *service.Service
	log logr.Logger
	mux *http.ServeMux
}

// New builds a Server ready to be handed to an http.Server as its Handler.
func New(svc *service.Service, log logr.Logger) *Server {
	s := &Server{svc: svc, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/instances/allocate", s.handleAllocateInstance)
	s.mux.HandleFunc("/v1/instances/allocate-batch", s.handleAllocateInstances)
	s.mux.HandleFunc("/v1/maintenance", s.handleSetMaintenance)
	s.mux.HandleFunc("/v1/machines", s.handleFindMachineIds)
	s.mux.HandleFunc("/v1/machines/by-ids", s.handleFindMachinesByIds)
	s.mux.HandleFunc("/v1/power-options", s.handleGetPowerOptions)
	s.mux.HandleFunc("/v1/health/hardware", s.handleRecordHardwareHealth)
	s.mux.HandleFunc("/v1/health/hardware/report", s.handleGetHardwareHealthReport)
	s.mux.HandleFunc("/v1/health/log-parser", s.handleRecordLogParserHealth)
	s.mux.HandleFunc("/v1/health/overrides", s.handleHealthOverrides)
	s.mux.HandleFunc("/v1/dhcp/discover", s.handleDiscoverDhcp)
	s.mux.HandleFunc("/v1/dns/lookup", s.handleLookupRecord)
	s.mux.HandleFunc("/v1/remediations", s.handleCreateRemediation)
	s.mux.HandleFunc("/v1/remediations/approve", s.handleApproveRemediation)
	s.mux.HandleFunc("/v1/remediations/enabled", s.handleSetRemediationEnabled)
	s.mux.HandleFunc("/v1/remediations/next", s.handleNextRemediation)
	s.mux.HandleFunc("/v1/remediations/applied", s.handleRemediationApplied)
	s.mux.HandleFunc("/v1/remediations/applied/list", s.handleListAppliedRemediations)
	s.mux.HandleFunc("/v1/redfish/actions", s.handleRequestRedfishAction)
	s.mux.HandleFunc("/v1/redfish/actions/approve", s.handleApproveRedfishAction)
	s.mux.HandleFunc("/v1/redfish/actions/apply", s.handleApplyRedfishAction)
	s.mux.HandleFunc("/v1/redfish/actions/cancel", s.handleCancelRedfishAction)
	s.mux.HandleFunc("/v1/firmware/available", s.handleFirmwareAvailable)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch carbideerrors.KindOf(err) {
	case carbideerrors.InvalidArgument:
		status = http.StatusBadRequest
	case carbideerrors.NotFound:
		status = http.StatusNotFound
	case carbideerrors.FailedPrecondition, carbideerrors.ConcurrentModification:
		status = http.StatusConflict
	case carbideerrors.PermissionDenied, carbideerrors.MissingClientCertificateInformation:
		status = http.StatusForbidden
	case carbideerrors.Unavailable:
		status = http.StatusServiceUnavailable
	}
	s.log.Error(err, "request failed", "status", status)
	http.Error(w, err.Error(), status)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type allocateInstanceBody struct {
	MachineID      string            `json:"machine_id"`
	Config         map[string]string `json:"config"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Labels         map[string]string `json:"labels"`
	AllowUnhealthy bool              `json:"allow_unhealthy"`
}

func (b allocateInstanceBody) toRequest() (service.AllocateInstanceRequest, error) {
	id, err := model.ParseMachineId(model.MachineKindHost, b.MachineID)
	if err != nil {
		return service.AllocateInstanceRequest{}, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err)
	}
	return service.AllocateInstanceRequest{
		MachineID:      id,
		Config:         b.Config,
		Metadata:       model.Metadata{Name: b.Name, Description: b.Description, Labels: b.Labels},
		AllowUnhealthy: b.AllowUnhealthy,
	}, nil
}

func (s *Server) handleAllocateInstance(w http.ResponseWriter, r *http.Request) {
	var body allocateInstanceBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		s.writeError(w, err)
		return
	}
	instance, err := s.svc.AllocateInstance(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, instance)
}

func (s *Server) handleAllocateInstances(w http.ResponseWriter, r *http.Request) {
	var bodies []allocateInstanceBody
	if err := decodeJSON(r, &bodies); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	batch := make([]service.AllocateInstanceRequest, 0, len(bodies))
	for _, b := range bodies {
		req, err := b.toRequest()
		if err != nil {
			s.writeError(w, err)
			return
		}
		batch = append(batch, req)
	}
	instances, err := s.svc.AllocateInstances(r.Context(), batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, instances)
}

type setMaintenanceBody struct {
	HostID    string `json:"host_id"`
	Enable    bool   `json:"enable"`
	Reference string `json:"reference"`
}

func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var body setMaintenanceBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	id, err := model.ParseMachineId(model.MachineKindHost, body.HostID)
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse host_id", err))
		return
	}
	if err := s.svc.SetMaintenance(r.Context(), id, body.Enable, body.Reference); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFindMachineIds(w http.ResponseWriter, r *http.Request) {
	filter := service.MachineFilter{State: model.MachineState(r.URL.Query().Get("state"))}
	ids, err := s.svc.FindMachineIds(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	writeJSON(w, out)
}

func (s *Server) handleFindMachinesByIds(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ids            []string `json:"ids"`
		IncludeHistory bool     `json:"include_history"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	ids := make([]model.MachineId, 0, len(body.Ids))
	for _, raw := range body.Ids {
		id, err := model.ParseMachineId(model.MachineKindHost, raw)
		if err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse id", err))
			return
		}
		ids = append(ids, id)
	}
	snaps, err := s.svc.FindMachinesByIds(r.Context(), ids, body.IncludeHistory)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleGetPowerOptions(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseMachineId(model.MachineKindHost, r.URL.Query().Get("host_id"))
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse host_id", err))
		return
	}
	opts, err := s.svc.GetPowerOptions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, opts)
}

func (s *Server) handleGetHardwareHealthReport(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseMachineId(model.MachineKindHost, r.URL.Query().Get("machine_id"))
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err))
		return
	}
	report, err := s.svc.GetHardwareHealthReport(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, report)
}

type healthOverrideBody struct {
	MachineID string             `json:"machine_id"`
	Mode      model.OverrideMode `json:"mode"`
	Report    model.HealthReport `json:"report"`
}

func (s *Server) handleHealthOverrides(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body healthOverrideBody
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
			return
		}
		id, err := model.ParseMachineId(model.MachineKindHost, body.MachineID)
		if err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err))
			return
		}
		if err := s.svc.InsertHealthOverride(id, body.Mode, body.Report); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		id, err := model.ParseMachineId(model.MachineKindHost, r.URL.Query().Get("machine_id"))
		if err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err))
			return
		}
		source := model.HealthReportSource(r.URL.Query().Get("source"))
		if err := s.svc.RemoveHealthOverride(id, source); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		id, err := model.ParseMachineId(model.MachineKindHost, r.URL.Query().Get("machine_id"))
		if err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err))
			return
		}
		replace, merges := s.svc.ListHealthOverrides(id)
		writeJSON(w, struct {
			Replace *model.HealthReport                          `json:"replace,omitempty"`
			Merge   map[model.HealthReportSource]model.HealthReport `json:"merge"`
		}{replace, merges})
	}
}

type remediationBody struct {
	Actor       string            `json:"actor"`
	Remediation model.Remediation `json:"remediation"`
}

func (s *Server) handleCreateRemediation(w http.ResponseWriter, r *http.Request) {
	var body remediationBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	id, err := s.svc.CreateRemediation(body.Actor, body.Remediation)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, struct {
		ID string `json:"id"`
	}{id})
}

type remediationActorBody struct {
	Actor   string `json:"actor"`
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleApproveRemediation(w http.ResponseWriter, r *http.Request) {
	var body remediationActorBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	if err := s.svc.ApproveRemediation(body.Actor, body.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRemediationEnabled(w http.ResponseWriter, r *http.Request) {
	var body remediationActorBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	if err := s.svc.SetRemediationEnabled(body.Actor, body.ID, body.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAppliedRemediations(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseMachineId(model.MachineKindDpu, r.URL.Query().Get("dpu_id"))
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse dpu_id", err))
		return
	}
	writeJSON(w, s.svc.ListAppliedRemediations(id))
}

type redfishActionRequestBody struct {
	Actor             string   `json:"actor"`
	Targets           []string `json:"targets"`
	RequiredApprovals int      `json:"required_approvals"`
}

func (s *Server) handleRequestRedfishAction(w http.ResponseWriter, r *http.Request) {
	var body redfishActionRequestBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	targets := make([]model.MachineId, 0, len(body.Targets))
	for _, raw := range body.Targets {
		id, err := model.ParseMachineId(model.MachineKindHost, raw)
		if err != nil {
			s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse target", err))
			return
		}
		targets = append(targets, id)
	}
	id, err := s.svc.RequestRedfishAction(body.Actor, targets, body.RequiredApprovals)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, struct {
		ID string `json:"id"`
	}{id})
}

type redfishActionIDBody struct {
	Actor string `json:"actor"`
	ID    string `json:"id"`
}

func (s *Server) handleApproveRedfishAction(w http.ResponseWriter, r *http.Request) {
	var body redfishActionIDBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	if err := s.svc.ApproveRedfishAction(body.Actor, body.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApplyRedfishAction(w http.ResponseWriter, r *http.Request) {
	var body redfishActionIDBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	if err := s.svc.ApplyRedfishAction(r.Context(), body.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelRedfishAction(w http.ResponseWriter, r *http.Request) {
	var body redfishActionIDBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	if err := s.svc.CancelRedfishAction(body.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthReportBody struct {
	MachineID string                   `json:"machine_id"`
	Alerts    []model.HealthProbeAlert `json:"alerts"`
}

func (s *Server) handleRecordHardwareHealth(w http.ResponseWriter, r *http.Request) {
	s.recordHealth(w, r, s.svc.RecordHardwareHealthReport)
}

func (s *Server) handleRecordLogParserHealth(w http.ResponseWriter, r *http.Request) {
	s.recordHealth(w, r, s.svc.RecordLogParserHealthReport)
}

func (s *Server) recordHealth(w http.ResponseWriter, r *http.Request, record func(context.Context, model.MachineId, model.HealthReport) error) {
	var body healthReportBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	id, err := model.ParseMachineId(model.MachineKindHost, body.MachineID)
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse machine_id", err))
		return
	}
	if err := record(r.Context(), id, model.HealthReport{Alerts: body.Alerts}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type discoverDhcpBody struct {
	SegmentID   string `json:"segment_id"`
	MAC         string `json:"mac"`
	RequestedIP string `json:"requested_ip"`
}

func (s *Server) handleDiscoverDhcp(w http.ResponseWriter, r *http.Request) {
	var body discoverDhcpBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	record, err := s.svc.DiscoverDhcp(r.Context(), body.SegmentID, body.MAC, body.RequestedIP)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, record)
}

func (s *Server) handleLookupRecord(w http.ResponseWriter, r *http.Request) {
	qname := r.URL.Query().Get("qname")
	qtype := dns.QTypeA
	if r.URL.Query().Get("qtype") == "AAAA" {
		qtype = dns.QTypeAAAA
	}
	ip, ok := s.svc.LookupRecord(qname, qtype)
	if !ok {
		s.writeError(w, carbideerrors.New(carbideerrors.NotFound, "no matching record"))
		return
	}
	writeJSON(w, struct {
		Address string `json:"address"`
	}{Address: ip.String()})
}

func (s *Server) handleNextRemediation(w http.ResponseWriter, r *http.Request) {
	id, err := model.ParseMachineId(model.MachineKindDpu, r.URL.Query().Get("dpu_id"))
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse dpu_id", err))
		return
	}
	remediationID, script, ok, err := s.svc.GetNextRemediationForMachine(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, struct {
		RemediationID string `json:"remediation_id"`
		Script        string `json:"script"`
		Found         bool   `json:"found"`
	}{remediationID, script, ok})
}

type remediationAppliedBody struct {
	RemediationID string            `json:"remediation_id"`
	DpuID         string            `json:"dpu_id"`
	Succeeded     bool              `json:"succeeded"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Server) handleRemediationApplied(w http.ResponseWriter, r *http.Request) {
	var body remediationAppliedBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "decode request", err))
		return
	}
	id, err := model.ParseMachineId(model.MachineKindDpu, body.DpuID)
	if err != nil {
		s.writeError(w, carbideerrors.Wrap(carbideerrors.InvalidArgument, "parse dpu_id", err))
		return
	}
	if err := s.svc.RecordRemediationApplied(r.Context(), body.RemediationID, id, body.Succeeded, body.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFirmwareAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	available := s.svc.FirmwareAvailable(r.Context(), q.Get("path"), q.Get("source_url"), q.Get("checksum"))
	writeJSON(w, struct {
		Available bool `json:"available"`
	}{available})
}

// Listen starts serving handler on addr until ctx is cancelled.
func Listen(ctx context.Context, addr string, handler http.Handler, log logr.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "error during api server shutdown")
		}
	}()

	log.Info("api server listening", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
