package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/fallback"
	"github.com/BTreeMap/CallPipe/internal/models"
)

// Fallback outcomes recorded in metrics.
const (
	fallbackGenerated = "generated"
	fallbackStatic    = "static"
)

// EndCallRequest is the optional body of POST /calls/{id}/end.
type EndCallRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Hangup also terminates the live call through the Twilio REST API.
	Hangup bool `json:"hangup,omitempty"`
	// Message is spoken to the caller before the hangup.
	Message string `json:"message,omitempty"`
}

// TenantSummary is one entry of GET /admin/tenants.
type TenantSummary struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName,omitempty"`
	PhoneNumbers []string `json:"phoneNumbers,omitempty"`
	Cached       bool     `json:"cached"`
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body is required"))
		return
	}
	defer r.Body.Close()
	slog.Debug("Server.turnHandler: processing turn request", "path", r.URL.Path)

	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxRequestBody)).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	resp, err := s.svc.Handle(r.Context(), req)
	if err != nil && !errors.Is(err, models.ErrStatePersistence) {
		status, msg := turnErrorStatus(err)
		slog.Warn("Server.turnHandler: turn failed", "tenantID", req.TenantID, "sessionID", req.SessionID,
			"status", status, "error", err)
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	if resp.Action == models.ActionNoMatch {
		resp.ReplyText = s.fallbackReply(r.Context(), req.TenantID, req.UtteranceText, resp)
	}
	if err != nil {
		writeJSONResponse(w, http.StatusOK, models.Degraded("Call state could not be saved; resend the previous state", resp))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrEmptyTenant), errors.Is(err, models.ErrEmptySession):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, config.ErrUnknownTenant):
		return http.StatusNotFound, "Unknown tenant"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// fallbackReply asks the fallback responder for an answer to an utterance no
// scenario matched. A failing responder still yields its static reply.
func (s *Server) fallbackReply(ctx context.Context, tenantID, utterance string, resp models.TurnResponse) string {
	req := fallback.Request{TenantID: tenantID, Utterance: utterance}
	if tc, err := s.cfg.TenantConfig(ctx, tenantID); err == nil {
		req.DisplayName = tc.Settings.DisplayName
	}
	if st, err := models.DecodeState(resp.NextStateBlob); err == nil {
		req.LastPrompt = st.LastPrompt
	}
	reply, err := s.fallback.Respond(ctx, req)
	result := fallbackGenerated
	if _, static := s.fallback.(fallback.Static); static {
		result = fallbackStatic
	}
	if err != nil {
		result = fallbackStatic
		slog.Warn("Server.fallbackReply: fallback responder failed", "tenantID", tenantID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordFallback(result)
	}
	if reply == "" {
		reply = fallback.DefaultReply
	}
	return reply
}

func (s *Server) endCallHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	slog.Debug("Server.endCallHandler: processing end call request", "sessionID", sessionID)

	var req EndCallRequest
	if r.Body != nil {
		defer r.Body.Close()
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxRequestBody)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("Server.endCallHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	if req.Hangup {
		if s.calls == nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Call control is not configured"))
			return
		}
		if err := s.hangup(r.Context(), sessionID, req.Message); err != nil {
			slog.Error("Server.endCallHandler: hangup failed", "sessionID", sessionID, "error", err)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to hang up call"))
			return
		}
	}

	if err := s.svc.EndCall(r.Context(), req.TenantID, sessionID, req.Reason); err != nil {
		slog.Error("Server.endCallHandler: failed to end call", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to archive call"))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCallEnded(req.Reason)
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Call ended", map[string]string{"sessionId": sessionID}))
}

// hangup ends a live call, saying message first when one is given.
func (s *Server) hangup(ctx context.Context, callSID, message string) error {
	if message == "" {
		return s.calls.Hangup(ctx, callSID)
	}
	doc, err := s.renderer.Hangup(message)
	if err != nil {
		return err
	}
	return s.calls.Redirect(ctx, callSID, doc)
}

func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	slog.Debug("Server.getCallHandler: looking up call", "sessionID", sessionID)

	rec, found, err := s.st.GetCall(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.getCallHandler: archive lookup failed", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load call"))
		return
	}
	if found {
		writeJSONResponse(w, http.StatusOK, models.Success(rec))
		return
	}

	blob, live, err := s.st.GetState(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.getCallHandler: state lookup failed", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load call"))
		return
	}
	if !live {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Call not found"))
		return
	}
	st, err := models.DecodeState(blob)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Stored call state is unreadable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Call in progress", st))
}

func (s *Server) tenantsHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.cfg.Tenants()
	out := make([]TenantSummary, 0, len(ids))
	for _, id := range ids {
		sum := TenantSummary{ID: id, Cached: s.pool.Cached(id)}
		if tc, err := s.cfg.TenantConfig(r.Context(), id); err == nil {
			sum.DisplayName = tc.Settings.DisplayName
			sum.PhoneNumbers = tc.Settings.PhoneNumbers
		}
		out = append(out, sum)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.TenantConfig(r.Context(), id); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown tenant"))
		return
	}
	s.pool.Invalidate(id)
	slog.Info("Server.invalidateHandler: scenario pool invalidated", "tenantID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario pool invalidated", nil))
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Reload(); err != nil {
		slog.Warn("Server.reloadHandler: reload rejected", "error", err)
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
		return
	}
	s.pool.InvalidateAll()
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Configuration reloaded", s.cfg.Tenants()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, _, err := s.st.GetState(ctx, "health-check"); err != nil {
		slog.Warn("Server.healthHandler: store unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"tenants": len(s.cfg.Tenants())}))
}

// admin guards h with the admin bearer token when one is configured.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
				slog.Warn("Server.admin: unauthorized admin request", "path", r.URL.Path)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
		}
		h(w, r)
	}
}
