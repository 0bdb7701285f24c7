package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

const (
	headerAgentID      = "X-Agent-Id"
	headerAgentVersion = "X-Agent-Version"
	headerAuthToken    = "X-Auth-Token"
)

// AuthContext identifies the authenticated agent on a request. It is built
// by authenticate, never from ambient request state.
type AuthContext struct {
	AgentID string
	Host    *types.Host
}

// authenticate resolves and verifies the calling agent from the request
// headers. Token comparison is constant-time.
func (s *Server) authenticate(r *http.Request) (*AuthContext, error) {
	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		return nil, errors.New("missing agent id")
	}
	token := r.Header.Get(headerAuthToken)
	if token == "" {
		return nil, errors.New("missing auth token")
	}

	host, err := s.store.GetHostByAgentID(agentID)
	if err != nil {
		return nil, errors.New("unknown agent")
	}
	if subtle.ConstantTimeCompare([]byte(host.AgentAuthToken), []byte(token)) != 1 {
		return nil, errors.New("auth token rejected")
	}
	return &AuthContext{AgentID: agentID, Host: host}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	opts := options.Current()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Hostname == "" {
		writeJSON(w, http.StatusOK, registerResponse{
			Accepted: false,
			Message:  "agentId and hostname are required",
		})
		return
	}

	if !opts.RegistrationEnabled {
		writeJSON(w, http.StatusOK, registerResponse{
			Accepted: false,
			Message:  "agent registration is disabled",
		})
		return
	}
	if opts.RegistrationToken == "" ||
		subtle.ConstantTimeCompare([]byte(opts.RegistrationToken), []byte(req.RegistrationToken)) != 1 {
		logger.Warn().Str("agent_id", req.AgentID).Str("hostname", req.Hostname).Msg("Registration token rejected")
		if s.audit != nil {
			s.audit.Record("", types.AuditAuthorizationDenied, map[string]any{
				"agent_id": req.AgentID,
				"hostname": req.Hostname,
				"reason":   "invalid registration token",
			})
		}
		writeJSON(w, http.StatusOK, registerResponse{
			Accepted: false,
			Message:  "invalid registration token",
		})
		return
	}

	candidate, err := mintToken()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	host, created, err := s.store.RegisterOrUpdateAgent(storage.AgentRegistration{
		AgentID:        req.AgentID,
		Hostname:       req.Hostname,
		OS:             req.OperatingSystem,
		AgentVersion:   req.AgentVersion,
		Tags:           req.Tags,
		CandidateToken: candidate,
		Now:            time.Now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Warn().Str("agent_id", req.AgentID).Str("hostname", req.Hostname).Msg("Registration rejected, hostname owned by another agent")
			writeJSON(w, http.StatusOK, registerResponse{
				Accepted: false,
				Message:  "hostname is registered to another agent",
			})
			return
		}
		logger.Error().Err(err).Str("agent_id", req.AgentID).Msg("Registration failed")
		writeJSON(w, http.StatusOK, registerResponse{
			Accepted: false,
			Message:  "registration failed",
		})
		return
	}

	metrics.AgentRegistrations.Inc()
	if s.audit != nil {
		s.audit.Record("", types.AuditAgentRegistration, map[string]any{
			"agent_id": req.AgentID,
			"hostname": host.Hostname,
			"host_id":  host.ID,
			"created":  created,
		})
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventAgentRegistered,
			HostID:   host.ID,
			Hostname: host.Hostname,
			Message:  fmt.Sprintf("agent %s registered", req.AgentID),
		})
	}
	logger.Info().Str("agent_id", req.AgentID).Str("hostname", host.Hostname).Bool("created", created).Msg("Agent registered")

	writeJSON(w, http.StatusOK, registerResponse{
		Accepted:            true,
		AuthToken:           host.AgentAuthToken,
		ComputerID:          host.ID,
		PollIntervalSeconds: opts.ClampPollInterval(opts.PollIntervalSeconds),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	auth, err := s.authenticate(r)
	if err != nil {
		// No state mutation and no detail beyond registered=false.
		writeJSON(w, http.StatusOK, heartbeatResponse{
			Registered:      false,
			PendingCommands: []pendingCommandDTO{},
		})
		return
	}

	var observed *types.AgentObservedState
	if req.Status != nil {
		observed = &types.AgentObservedState{
			AgentVersion:       req.Status.AgentVersion,
			Hostname:           req.Status.Hostname,
			Is64Bit:            req.Status.Is64Bit,
			OperatingSystem:    req.Status.OperatingSystem,
			CollectorInstalled: req.Status.SysmonInstalled,
			CollectorVersion:   req.Status.SysmonVersion,
			CollectorPath:      req.Status.SysmonPath,
			ServiceStatus:      req.Status.ServiceStatus,
			ConfigHash:         req.Status.ConfigHash,
			UptimeSeconds:      req.Status.UptimeSeconds,
		}
	}

	claimed, err := s.store.ProcessHeartbeat(auth.Host.ID, observed, time.Now())
	if err != nil {
		logger := log.WithAgentID(auth.AgentID)
		logger.Error().Err(err).Msg("Heartbeat processing failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	metrics.AgentHeartbeats.Inc()

	opts := options.Current()
	resp := heartbeatResponse{
		Registered:             true,
		NewPollIntervalSeconds: opts.ClampPollInterval(opts.PollIntervalSeconds),
		PendingCommands:        make([]pendingCommandDTO, 0, len(claimed)),
	}
	for _, cmd := range claimed {
		resp.PendingCommands = append(resp.PendingCommands, pendingCommandDTO{
			CommandID: cmd.CommandID,
			Type:      string(cmd.Type),
			Payload:   json.RawMessage(cmd.Payload),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var req commandResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	auth, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	status := types.CommandStatus(req.Status)
	if status != types.CommandSuccess && status != types.CommandFailed {
		http.Error(w, "status must be Success or Failed", http.StatusBadRequest)
		return
	}

	completion, err := s.store.CompleteCommand(auth.Host.ID, req.CommandID, status, req.Message, []byte(req.Payload), time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown command", http.StatusNotFound)
			return
		}
		logger := log.WithAgentID(auth.AgentID)
		logger.Error().Err(err).Str("command_id", req.CommandID).Msg("Command result failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if completion.AlreadyDone {
		// Agent retry of a terminal command: accept and ignore.
		writeJSON(w, http.StatusOK, commandResultResponse{Accepted: true})
		return
	}

	metrics.CommandsCompleted.WithLabelValues(string(status)).Inc()
	if s.audit != nil {
		s.audit.Record("", types.AuditAgentCommandCompleted, map[string]any{
			"command_id": req.CommandID,
			"type":       string(completion.Command.Type),
			"host_id":    auth.Host.ID,
			"status":     string(status),
		})
	}
	if s.resolver != nil {
		s.resolver.Resolve(req.CommandID, status, req.Message, []byte(req.Payload))
	}

	if completion.JobID != 0 && s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventJobHostCompleted,
			JobID:    completion.JobID,
			HostID:   auth.Host.ID,
			Hostname: completion.Hostname,
			Message:  req.Message,
			Metadata: map[string]string{
				"success":   fmt.Sprintf("%t", status == types.CommandSuccess),
				"completed": fmt.Sprintf("%d", completion.CompletedResults),
				"total":     fmt.Sprintf("%d", completion.TotalResults),
			},
		})
		if completion.JobFinished {
			s.broker.Publish(&events.Event{
				Type:    events.EventJobCompleted,
				JobID:   completion.JobID,
				Message: fmt.Sprintf("job finished: %s", completion.JobStatus),
				Metadata: map[string]string{
					"status": string(completion.JobStatus),
				},
			})
		}
	}

	writeJSON(w, http.StatusOK, commandResultResponse{Accepted: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
