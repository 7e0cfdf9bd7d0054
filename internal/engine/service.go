package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/store"
)

// DefaultStateTTL bounds how long an idle call's state is kept.
const DefaultStateTTL = 2 * time.Hour

// ConfigSource resolves per-tenant rules, flow and settings.
type ConfigSource interface {
	TenantConfig(ctx context.Context, tenantID string) (config.TenantConfig, error)
}

// ScenarioSource returns the tenant's merged scenario pool.
type ScenarioSource interface {
	Build(ctx context.Context, tenantID string) ([]models.Scenario, error)
}

// Observer is told about every handled turn.
type Observer interface {
	ObserveTurn(tenantID string, resp models.TurnResponse, elapsed time.Duration, err error)
}

// ServiceOption configures a TurnService.
type ServiceOption func(*TurnService)

// WithEngine replaces the decision engine.
func WithEngine(e *Engine) ServiceOption {
	return func(s *TurnService) { s.engine = e }
}

// WithStateTTL sets the idle expiry of stored call state.
func WithStateTTL(ttl time.Duration) ServiceOption {
	return func(s *TurnService) { s.stateTTL = ttl }
}

// WithObserver registers a turn observer, typically the metrics recorder.
func WithObserver(o Observer) ServiceOption {
	return func(s *TurnService) { s.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *TurnService) { s.now = now }
}

// TurnService is the I/O boundary around Engine: it loads and saves call
// state, resolves tenant configuration and replays redelivered turns.
type TurnService struct {
	store    store.Store
	config   ConfigSource
	pool     ScenarioSource
	engine   *Engine
	observer Observer
	stateTTL time.Duration
	now      func() time.Time
}

// NewTurnService creates a TurnService.
func NewTurnService(st store.Store, cfg ConfigSource, pool ScenarioSource, opts ...ServiceOption) *TurnService {
	s := &TurnService{
		store:    st,
		config:   cfg,
		pool:     pool,
		stateTTL: DefaultStateTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = New()
	}
	return s
}

// Handle processes one turn request. A state persistence failure returns a
// usable response that repeats the last prompt with the previous blob,
// together with an error wrapping models.ErrStatePersistence.
func (s *TurnService) Handle(ctx context.Context, req models.TurnRequest) (resp models.TurnResponse, err error) {
	started := s.now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveTurn(req.TenantID, resp, s.now().Sub(started), err)
		}
	}()

	if err := req.Validate(); err != nil {
		return models.TurnResponse{}, err
	}

	if req.TurnKey != "" {
		if replay, ok := s.replay(ctx, req); ok {
			return replay, nil
		}
	}

	tc, err := s.config.TenantConfig(ctx, req.TenantID)
	if err != nil {
		slog.Error("TurnService.Handle: tenant configuration unavailable", "tenantID", req.TenantID, "error", err)
		return models.TurnResponse{}, fmt.Errorf("failed to resolve tenant %s: %w", req.TenantID, err)
	}
	scenarios, err := s.pool.Build(ctx, req.TenantID)
	if err != nil {
		slog.Error("TurnService.Handle: scenario pool unavailable", "tenantID", req.TenantID, "error", err)
		return models.TurnResponse{}, fmt.Errorf("failed to build scenarios for tenant %s: %w", req.TenantID, err)
	}

	blob, found, err := s.store.GetState(ctx, req.SessionID)
	if err != nil {
		return s.safeResponse(req, tc, nil, nil, "load", err)
	}
	var prev *models.ConversationState
	if found {
		prev, err = models.DecodeState(blob)
		if err != nil {
			return s.safeResponse(req, tc, blob, nil, "decode", err)
		}
	}

	now := s.now()
	result := s.engine.ProcessTurn(TurnInput{
		TenantID:    req.TenantID,
		SessionID:   req.SessionID,
		Utterance:   req.UtteranceText,
		State:       prev,
		Scenarios:   scenarios,
		Rules:       tc.Rules,
		Flow:        tc.Flow,
		Settings:    tc.Settings,
		Scoring:     tc.Scoring,
		InitialMode: InitialMode(tc.Settings, now),
		Now:         now,
	})

	next, err := models.EncodeState(result.State)
	if err != nil {
		return s.safeResponse(req, tc, blob, prev, "encode", err)
	}
	if err := s.store.PutState(ctx, req.SessionID, next, s.stateTTL); err != nil {
		return s.safeResponse(req, tc, blob, prev, "save", err)
	}

	result.Trace.TurnID = uuid.NewString()
	resp = models.TurnResponse{
		ReplyText:     result.Reply,
		NextStateBlob: next,
		Action:        result.Action,
		Trace:         result.Trace,
	}
	if result.Action == models.ActionEscalate {
		resp.EscalationReason = result.State.EscalationReason
	}

	if req.TurnKey != "" {
		s.record(ctx, req, resp)
	}
	slog.Debug("TurnService.Handle: turn handled", "turnID", resp.Trace.TurnID, "tenantID", req.TenantID,
		"sessionID", req.SessionID, "turnCount", result.State.TurnCount, "action", resp.Action)
	return resp, nil
}

func (s *TurnService) replay(ctx context.Context, req models.TurnRequest) (models.TurnResponse, bool) {
	raw, found, err := s.store.LookupTurn(ctx, req.SessionID, req.TurnKey)
	if err != nil {
		slog.Warn("TurnService.Handle: turn ledger lookup failed, processing turn", "sessionID", req.SessionID,
			"turnKey", req.TurnKey, "error", err)
		return models.TurnResponse{}, false
	}
	if !found {
		return models.TurnResponse{}, false
	}
	var resp models.TurnResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("TurnService.Handle: recorded turn unreadable, processing turn", "sessionID", req.SessionID,
			"turnKey", req.TurnKey, "error", err)
		return models.TurnResponse{}, false
	}
	resp.Trace.Replayed = true
	slog.Info("TurnService.Handle: replaying redelivered turn", "sessionID", req.SessionID, "turnKey", req.TurnKey)
	return resp, true
}

func (s *TurnService) record(ctx context.Context, req models.TurnRequest, resp models.TurnResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("TurnService.Handle: failed to encode turn for ledger", "sessionID", req.SessionID, "error", err)
		return
	}
	if err := s.store.RecordTurn(ctx, req.SessionID, req.TurnKey, raw); err != nil {
		slog.Warn("TurnService.Handle: failed to record turn", "sessionID", req.SessionID,
			"turnKey", req.TurnKey, "error", err)
	}
}

// safeResponse repeats the previous prompt and hands back the previous blob
// so the caller can retry without the conversation moving.
func (s *TurnService) safeResponse(req models.TurnRequest, tc config.TenantConfig, blob []byte,
	prev *models.ConversationState, op string, cause error) (models.TurnResponse, error) {
	terr := &models.TurnError{Kind: models.ErrStatePersistence, SessionID: req.SessionID, Op: op, Err: cause}
	slog.Error("TurnService.Handle: state persistence failed", "tenantID", req.TenantID,
		"sessionID", req.SessionID, "op", op, "error", cause)

	reply := textOr(tc.Settings.RepeatText, DefaultRepeatText)
	if prev != nil && prev.LastPrompt != "" {
		reply = prev.LastPrompt
	}
	resp := models.TurnResponse{
		ReplyText:     reply,
		NextStateBlob: blob,
		Action:        models.ActionContinue,
		Trace: models.TurnTrace{
			TurnID:          uuid.NewString(),
			FailureKind:     models.FailureKind(terr),
			PersistenceFail: true,
		},
	}
	return resp, terr
}

// EndCall archives the final state of a call and removes it from the live store.
func (s *TurnService) EndCall(ctx context.Context, tenantID, sessionID, reason string) error {
	blob, found, err := s.store.GetState(ctx, sessionID)
	if err != nil {
		return &models.TurnError{Kind: models.ErrStatePersistence, SessionID: sessionID, Op: "load", Err: err}
	}
	if !found {
		slog.Debug("TurnService.EndCall: no live state", "sessionID", sessionID)
		return nil
	}
	rec := store.CallRecord{
		SessionID: sessionID,
		TenantID:  tenantID,
		Reason:    reason,
		State:     blob,
		EndedAt:   s.now().UTC(),
	}
	if st, err := models.DecodeState(blob); err == nil {
		rec.TurnCount = st.TurnCount
		if rec.TenantID == "" {
			rec.TenantID = st.TenantID
		}
	}
	if err := s.store.ArchiveCall(ctx, rec); err != nil {
		return &models.TurnError{Kind: models.ErrStatePersistence, SessionID: sessionID, Op: "archive", Err: err}
	}
	if err := s.store.DeleteState(ctx, sessionID); err != nil {
		return &models.TurnError{Kind: models.ErrStatePersistence, SessionID: sessionID, Op: "delete", Err: err}
	}
	slog.Info("TurnService.EndCall: call archived", "tenantID", rec.TenantID, "sessionID", sessionID,
		"reason", reason, "turnCount", rec.TurnCount)
	return nil
}

// InitialMode returns afterhours when now falls outside the tenant's business
// hours and discovery otherwise. Equal open and close hours mean always open.
func InitialMode(settings models.TenantSettings, now time.Time) models.Mode {
	if settings.OpenHour == settings.CloseHour {
		return models.ModeDiscovery
	}
	loc := time.UTC
	if settings.Timezone != "" {
		if l, err := time.LoadLocation(settings.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("InitialMode: unknown timezone, using UTC", "timezone", settings.Timezone, "error", err)
		}
	}
	h := now.In(loc).Hour()
	open := h >= settings.OpenHour && h < settings.CloseHour
	if settings.OpenHour > settings.CloseHour {
		open = h >= settings.OpenHour || h < settings.CloseHour
	}
	if open {
		return models.ModeDiscovery
	}
	return models.ModeAfterHours
}
