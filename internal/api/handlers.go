package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sparkvisionsa/valuetech-bridge/internal/commands"
	"github.com/sparkvisionsa/valuetech-bridge/internal/dispatch"
	"github.com/sparkvisionsa/valuetech-bridge/internal/protocol"
	"github.com/sparkvisionsa/valuetech-bridge/internal/worker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkerState:   s.bridge.WorkerStatus().State,
	})
}

// handleCommand handles POST /commands/{action}. With ?async=true it returns
// 202 as soon as the command is written.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	var req CommandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		o := s.bridge.Submit(r.Context(), action, req.Fields)
		if o.Settled() {
			if _, err := o.Wait(r.Context()); err != nil {
				s.writeCommandError(w, action, nil, err)
				return
			}
		}
		respondJSON(w, http.StatusAccepted, AcceptedResponse{CommandID: o.ID(), Action: action})
		return
	}

	resp, err := s.bridge.Send(r.Context(), action, req.Fields)
	if err != nil {
		s.writeCommandError(w, action, resp, err)
		return
	}
	respondJSON(w, http.StatusOK, commandResponse(action, resp))
}

// handleControl handles POST /control/{signal}.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	signal := chi.URLParam(r, "signal")
	resp, err := s.control.Signal(r.Context(), signal)
	if err != nil {
		var unknown *commands.UnknownSignalError
		if errors.As(err, &unknown) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeCommandError(w, signal, resp, err)
		return
	}
	respondJSON(w, http.StatusOK, commandResponse(signal, resp))
}

// handleProgress handles GET /progress.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	state := s.progress.Current()
	if !state.Visible {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, state.Event)
}

// handleWorker handles GET /worker.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.bridge.WorkerStatus())
}

// handleStopWorker handles DELETE /worker.
func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StopWorker(r.Context()); err != nil {
		s.logger.Error("failed to stop worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func commandResponse(action string, resp *protocol.Response) CommandResponse {
	out := CommandResponse{Action: action}
	if resp != nil {
		out.CommandID = resp.CommandID
		out.Status = resp.Status
		out.Payload = resp.Payload
		out.Message = resp.Message
		out.Error = resp.Error
	}
	return out
}

// writeCommandError maps the bridge error taxonomy onto HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, action string, resp *protocol.Response, err error) {
	var cmdErr *dispatch.CommandError
	switch {
	case errors.As(err, &cmdErr):
		body := commandResponse(action, resp)
		body.CommandID = cmdErr.CommandID
		body.Status = cmdErr.Status
		body.Error = cmdErr.Message
		respondJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, worker.ErrStartup):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrTransport), errors.Is(err, dispatch.ErrWorkerExited):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		// Client went away or some other local failure.
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
