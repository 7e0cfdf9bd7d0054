package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/engine"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/voice"
)

// Spoken texts used by the voice webhooks.
const (
	NotInServiceText    = "Sorry, this number is not in service. Goodbye."
	MessageReceivedText = "Thanks, we got your message and will call you back. Goodbye."
	defaultGreeting     = "Thanks for calling %s. How can I help you today?"
)

// voiceCall parses and authenticates a Twilio webhook and resolves the
// tenant from the dialed number. It writes the response itself when ok is false.
func (s *Server) voiceCall(w http.ResponseWriter, r *http.Request) (voice.Call, config.TenantConfig, bool) {
	call, err := voice.ParseCall(r)
	if err != nil {
		slog.Warn("Server.voiceCall: invalid webhook", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return voice.Call{}, config.TenantConfig{}, false
	}
	if !s.verifier.Verify(r) {
		w.WriteHeader(http.StatusForbidden)
		return voice.Call{}, config.TenantConfig{}, false
	}
	tenantID, ok := s.cfg.TenantByNumber(call.To)
	if !ok {
		slog.Warn("Server.voiceCall: no tenant for dialed number", "to", call.To, "callSID", call.CallSID)
		doc, err := s.renderer.Hangup(NotInServiceText)
		writeTwiML(w, doc, err)
		return voice.Call{}, config.TenantConfig{}, false
	}
	tc, err := s.cfg.TenantConfig(r.Context(), tenantID)
	if err != nil {
		slog.Error("Server.voiceCall: tenant configuration unavailable", "tenantID", tenantID, "error", err)
		doc, err := s.renderer.Hangup(NotInServiceText)
		writeTwiML(w, doc, err)
		return voice.Call{}, config.TenantConfig{}, false
	}
	return call, tc, true
}

func (s *Server) voiceIncomingHandler(w http.ResponseWriter, r *http.Request) {
	call, tc, ok := s.voiceCall(w, r)
	if !ok {
		return
	}
	slog.Info("Server.voiceIncomingHandler: call started", "tenantID", tc.TenantID, "callSID", call.CallSID, "from", call.From)

	greeting := tc.Settings.Greeting
	if greeting == "" {
		name := tc.Settings.DisplayName
		if name == "" {
			name = "us"
		}
		greeting = fmt.Sprintf(defaultGreeting, name)
	}
	doc, err := s.renderer.Greeting(greeting)
	writeTwiML(w, doc, err)
}

func (s *Server) voiceTurnHandler(w http.ResponseWriter, r *http.Request) {
	call, tc, ok := s.voiceCall(w, r)
	if !ok {
		return
	}
	req := models.TurnRequest{
		TenantID:      tc.TenantID,
		SessionID:     call.CallSID,
		UtteranceText: call.SpeechResult,
		TurnKey:       call.IdempotencyToken,
	}
	slog.Debug("Server.voiceTurnHandler: caller spoke", "tenantID", req.TenantID, "callSID", call.CallSID,
		"confidence", call.SpeechConfidence)

	resp, err := s.svc.Handle(r.Context(), req)
	if err != nil && !errors.Is(err, models.ErrStatePersistence) {
		slog.Error("Server.voiceTurnHandler: turn failed", "tenantID", req.TenantID, "callSID", call.CallSID, "error", err)
		resp = models.TurnResponse{
			ReplyText: textOr(tc.Settings.RepeatText, engine.DefaultRepeatText),
			Action:    models.ActionContinue,
		}
	}
	if resp.Action == models.ActionNoMatch {
		resp.ReplyText = s.fallbackReply(r.Context(), req.TenantID, req.UtteranceText, resp)
	}
	doc, err := s.renderer.Reply(resp, tc.Settings.TransferNumber)
	writeTwiML(w, doc, err)
}

func (s *Server) voiceStatusHandler(w http.ResponseWriter, r *http.Request) {
	call, err := voice.ParseCall(r)
	if err != nil {
		slog.Warn("Server.voiceStatusHandler: invalid webhook", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.verifier.Verify(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if !call.Ended() {
		slog.Debug("Server.voiceStatusHandler: status update", "callSID", call.CallSID, "status", call.Status)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tenantID, _ := s.cfg.TenantByNumber(call.To)
	if err := s.svc.EndCall(r.Context(), tenantID, call.CallSID, call.Status); err != nil {
		slog.Error("Server.voiceStatusHandler: failed to archive call", "callSID", call.CallSID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCallEnded(call.Status)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) voiceRecordingHandler(w http.ResponseWriter, r *http.Request) {
	call, err := voice.ParseCall(r)
	if err != nil {
		slog.Warn("Server.voiceRecordingHandler: invalid webhook", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.verifier.Verify(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.voiceRecordingHandler: message recorded", "callSID", call.CallSID,
		"recordingURL", r.PostForm.Get("RecordingUrl"), "duration", r.PostForm.Get("RecordingDuration"))
	doc, err := s.renderer.Hangup(MessageReceivedText)
	writeTwiML(w, doc, err)
}

func textOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
