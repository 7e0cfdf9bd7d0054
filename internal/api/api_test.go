package api_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/engine"
	"github.com/BTreeMap/CallPipe/internal/fallback"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/scenario"
	"github.com/BTreeMap/CallPipe/internal/store"
	tu "github.com/BTreeMap/CallPipe/internal/testutil"
)

func turn(t *testing.T, f *tu.Fixture, req models.TurnRequest) (string, models.TurnResponse) {
	t.Helper()
	rr := f.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/turn", req))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /turn")
	var resp models.TurnResponse
	status := tu.DecodeResult(t, rr, &resp)
	return status, resp
}

func TestTurnHandler_TriageEscalation(t *testing.T) {
	f := tu.NewTestServer(t)
	status, resp := turn(t, f, models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "s-gas",
		UtteranceText: "I think I smell gas in the kitchen",
	})
	assert.Equal(t, "ok", status)
	assert.Equal(t, models.ActionEscalate, resp.Action)
	assert.Equal(t, "possible gas leak", resp.EscalationReason)
	assert.Equal(t, "gas-leak", resp.Trace.TriageRuleID)
	assert.NotEmpty(t, resp.Trace.TurnID)
	assert.NotEmpty(t, resp.NextStateBlob)
}

func TestTurnHandler_BookingEntryAndCallLifecycle(t *testing.T) {
	f := tu.NewTestServer(t)
	_, resp := turn(t, f, models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "CA-booking",
		UtteranceText: "my water heater is broken",
	})
	assert.Equal(t, models.ActionContinue, resp.Action)
	assert.Equal(t, "water-heater", resp.Trace.ScenarioID)
	assert.Contains(t, resp.ReplyText, "plumber")

	rr := f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/calls/CA-booking", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "live call")
	body := tu.AssertJSONResponse(t, rr, "ok")
	assert.Equal(t, "Call in progress", body["message"])

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/calls/CA-booking/end",
		api.EndCallRequest{TenantID: tu.DemoTenant, Reason: "operator", Hangup: true}))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "end call")
	assert.Equal(t, []string{"CA-booking"}, f.Calls.HungUp)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.CallsEnded.WithLabelValues("operator")))

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/calls/CA-booking", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "archived call")
	var rec store.CallRecord
	tu.DecodeResult(t, rr, &rec)
	assert.Equal(t, tu.DemoTenant, rec.TenantID)
	assert.Equal(t, "operator", rec.Reason)
	assert.Equal(t, 1, rec.TurnCount)
}

func TestEndCall_MessageRedirectsBeforeHangup(t *testing.T) {
	f := tu.NewTestServer(t)
	turn(t, f, models.TurnRequest{TenantID: tu.DemoTenant, SessionID: "CA-bye", UtteranceText: "what are your hours"})

	rr := f.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/calls/CA-bye/end",
		api.EndCallRequest{Hangup: true, Message: "We have to end the call now."}))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "end call with message")
	assert.Empty(t, f.Calls.HungUp)
	assert.Contains(t, f.Calls.Redirected["CA-bye"], "We have to end the call now.")
	assert.Contains(t, f.Calls.Redirected["CA-bye"], "<Hangup")
}

func TestTurnHandler_NoMatchUsesFallback(t *testing.T) {
	f := tu.NewTestServer(t, api.WithFallback(fallback.Static{Reply: "Tell me more about the job."}))
	_, resp := turn(t, f, models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "s-nomatch",
		UtteranceText: "xylophone quartet",
	})
	assert.Equal(t, models.ActionNoMatch, resp.Action)
	assert.Equal(t, "Tell me more about the job.", resp.ReplyText)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.FallbackReplies.WithLabelValues("static")))
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, fallback.Request) (string, error) {
	return "", errors.New("upstream unavailable")
}

func TestTurnHandler_FailingFallbackStillReplies(t *testing.T) {
	f := tu.NewTestServer(t, api.WithFallback(failingResponder{}))
	_, resp := turn(t, f, models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "s-nomatch",
		UtteranceText: "xylophone quartet",
	})
	assert.Equal(t, fallback.DefaultReply, resp.ReplyText)
}

func TestTurnHandler_ReplaysRedeliveredTurn(t *testing.T) {
	f := tu.NewTestServer(t)
	req := models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "s-replay",
		UtteranceText: "what are your hours",
		TurnKey:       "delivery-1",
	}
	_, first := turn(t, f, req)
	_, second := turn(t, f, req)

	assert.False(t, first.Trace.Replayed)
	assert.True(t, second.Trace.Replayed)
	assert.Equal(t, first.ReplyText, second.ReplyText)
	assert.Equal(t, first.Trace.TurnID, second.Trace.TurnID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.ReplayedTurns.WithLabelValues(tu.DemoTenant)))
}

func TestTurnHandler_BadRequests(t *testing.T) {
	f := tu.NewTestServer(t)

	req, err := http.NewRequest(http.MethodPost, "/turn", strings.NewReader("{not json"))
	require.NoError(t, err)
	rr := f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")
	tu.AssertJSONResponse(t, rr, "error")

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/turn", models.TurnRequest{SessionID: "s"}))
	tu.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing tenant")

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodPost, "/turn", models.TurnRequest{TenantID: "ghost", SessionID: "s"}))
	tu.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown tenant")

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/turn", nil))
	tu.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "wrong method")
}

type failingStore struct {
	*store.InMemoryStore
}

func (failingStore) PutState(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

func TestTurnHandler_PersistenceFailureIsDegraded(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	st := failingStore{store.NewInMemoryStore()}
	pool := scenario.NewPool(cfg)
	svc := engine.NewTurnService(st, cfg, pool)
	handler := api.NewServer(svc, cfg, pool, st).Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, tu.CreateHTTPRequest(t, http.MethodPost, "/turn", models.TurnRequest{
		TenantID:      tu.DemoTenant,
		SessionID:     "s-degraded",
		UtteranceText: "what are your hours",
	}))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "degraded turn")

	var resp models.TurnResponse
	assert.Equal(t, "degraded", tu.DecodeResult(t, rr, &resp))
	assert.Equal(t, engine.DefaultRepeatText, resp.ReplyText)
	assert.Equal(t, models.ActionContinue, resp.Action)
	assert.True(t, resp.Trace.PersistenceFail)
}

func TestEndCall_UnknownSessionIsNoop(t *testing.T) {
	f := tu.NewTestServer(t)
	req, err := http.NewRequest(http.MethodPost, "/calls/CA-none/end", nil)
	require.NoError(t, err)
	rr := f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "end unknown call")

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/calls/CA-none", nil))
	tu.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown call")
}

func TestVoiceIncoming_GreetsWithGather(t *testing.T) {
	f := tu.NewTestServer(t)
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/incoming", tu.VoiceForm("CA1", tu.DemoNumber)))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "incoming call")
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "<Gather")
	assert.Contains(t, rr.Body.String(), "How can I help you today?")
	assert.Contains(t, rr.Body.String(), "/voice/turn")
}

func TestVoiceIncoming_UnknownNumberHangsUp(t *testing.T) {
	f := tu.NewTestServer(t)
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/incoming", tu.VoiceForm("CA1", "+15550009999")))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown number")
	assert.Contains(t, rr.Body.String(), "not in service")
	assert.Contains(t, rr.Body.String(), "<Hangup")
}

func TestVoiceTurn_EscalationDialsTransferNumber(t *testing.T) {
	f := tu.NewTestServer(t)
	form := tu.VoiceForm("CA-voice", tu.DemoNumber)
	form.Set("SpeechResult", "I smell gas")
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/turn", form))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "voice turn")
	assert.Contains(t, rr.Body.String(), "<Dial")
	assert.Contains(t, rr.Body.String(), tu.DemoTransferNumber)
}

func TestVoiceTurn_NoMatchKeepsGathering(t *testing.T) {
	f := tu.NewTestServer(t, api.WithFallback(fallback.Static{Reply: "Tell me more about the job."}))
	form := tu.VoiceForm("CA-voice", tu.DemoNumber)
	form.Set("SpeechResult", "xylophone quartet")
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/turn", form))
	assert.Contains(t, rr.Body.String(), "<Gather")
	assert.Contains(t, rr.Body.String(), "Tell me more about the job.")
}

func TestVoiceTurn_SilenceIsReprompted(t *testing.T) {
	f := tu.NewTestServer(t)
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/turn", tu.VoiceForm("CA-quiet", tu.DemoNumber)))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "silent turn")
	assert.Contains(t, rr.Body.String(), "<Gather")
	assert.Contains(t, rr.Body.String(), engine.DefaultRepeatText)
	assert.Contains(t, rr.Body.String(), "/voice/turn</Redirect>")
}

func TestVoiceStatus_ArchivesEndedCall(t *testing.T) {
	f := tu.NewTestServer(t)
	form := tu.VoiceForm("CA-status", tu.DemoNumber)
	form.Set("SpeechResult", "what are your hours")
	f.Do(tu.CreateVoiceRequest(t, "/voice/turn", form))

	form = tu.VoiceForm("CA-status", tu.DemoNumber)
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/status", form))
	tu.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "in-progress status")
	_, found, err := f.Store.GetCall(context.Background(), "CA-status")
	require.NoError(t, err)
	assert.False(t, found)

	form.Set("CallStatus", "completed")
	rr = f.Do(tu.CreateVoiceRequest(t, "/voice/status", form))
	tu.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "completed status")
	rec, found, err := f.Store.GetCall(context.Background(), "CA-status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", rec.Reason)
	assert.Equal(t, tu.DemoTenant, rec.TenantID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.CallsEnded.WithLabelValues("completed")))
}

func TestVoiceRecording_HangsUp(t *testing.T) {
	f := tu.NewTestServer(t)
	form := tu.VoiceForm("CA-rec", tu.DemoNumber)
	form.Set("RecordingUrl", "https://api.twilio.com/recordings/RE1")
	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/recording", form))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "recording")
	assert.Contains(t, rr.Body.String(), "got your message")
	assert.Contains(t, rr.Body.String(), "<Hangup")
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceWebhooks_RequireSignature(t *testing.T) {
	f := tu.NewTestServer(t,
		api.WithTwilioAuthToken("secret"),
		api.WithPublicURL("https://voice.example.com"))
	form := tu.VoiceForm("CA-signed", tu.DemoNumber)

	rr := f.Do(tu.CreateVoiceRequest(t, "/voice/incoming", form))
	tu.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unsigned webhook")

	req := tu.CreateVoiceRequest(t, "/voice/incoming", form)
	req.Header.Set("X-Twilio-Signature", sign("secret", "https://voice.example.com/voice/incoming", form))
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed webhook")

	req = tu.CreateVoiceRequest(t, "/voice/incoming", form)
	req.Header.Set("X-Twilio-Signature", sign("wrong", "https://voice.example.com/voice/incoming", form))
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "bad signature")
}

func TestAdminEndpoints(t *testing.T) {
	f := tu.NewTestServer(t, api.WithAdminToken("tok"))

	rr := f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/admin/tenants", nil))
	tu.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "no token")

	turn(t, f, models.TurnRequest{TenantID: tu.DemoTenant, SessionID: "s", UtteranceText: "hello"})

	req := tu.CreateHTTPRequest(t, http.MethodGet, "/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list tenants")
	var tenants []api.TenantSummary
	tu.DecodeResult(t, rr, &tenants)
	require.Len(t, tenants, 1)
	assert.Equal(t, tu.DemoTenant, tenants[0].ID)
	assert.Equal(t, "Demo Plumbing", tenants[0].DisplayName)
	assert.True(t, tenants[0].Cached)

	req = tu.CreateHTTPRequest(t, http.MethodPost, "/admin/tenants/demo/invalidate", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "invalidate")
	assert.False(t, f.Pool.Cached(tu.DemoTenant))

	req = tu.CreateHTTPRequest(t, http.MethodPost, "/admin/tenants/ghost/invalidate", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "invalidate unknown")

	req = tu.CreateHTTPRequest(t, http.MethodPost, "/admin/reload", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = f.Do(req)
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reload")
}

func TestHealthAndMetrics(t *testing.T) {
	f := tu.NewTestServer(t)
	rr := f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	tu.AssertJSONResponse(t, rr, "ok")

	turn(t, f, models.TurnRequest{TenantID: tu.DemoTenant, SessionID: "s", UtteranceText: "what are your hours"})

	rr = f.Do(tu.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	tu.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	assert.Contains(t, rr.Body.String(), "callpipe_test_turns_total")
	assert.Contains(t, rr.Body.String(), "callpipe_test_http_requests_total")
}
