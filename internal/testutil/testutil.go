// Package testutil provides common test utilities and helpers for CallPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/engine"
	"github.com/BTreeMap/CallPipe/internal/metrics"
	"github.com/BTreeMap/CallPipe/internal/scenario"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/voice"
)

// Demo tenant values from the embedded default configuration.
const (
	DemoTenant         = "demo"
	DemoNumber         = "+15555550100"
	DemoTransferNumber = "+15555550199"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// Fixture is a fully wired API server over in-memory dependencies.
type Fixture struct {
	Server  *api.Server
	Handler http.Handler
	Store   store.Store
	Config  *config.Source
	Pool    *scenario.Pool
	Service *engine.TurnService
	Metrics *metrics.Recorder
	Calls   *voice.MockController
}

// BusinessHours is a weekday noon in the demo tenant's timezone.
func BusinessHours() time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return time.Date(2024, time.March, 6, 12, 0, 0, 0, loc)
}

// NewTestServer creates a test API server with in-memory dependencies, the
// embedded configuration and a clock fixed at business hours. Extra options
// are applied after the defaults.
func NewTestServer(t testing.TB, opts ...api.Option) *Fixture {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("failed to load embedded configuration: %v", err)
	}
	st := store.NewInMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	rec := metrics.NewRecorder("callpipe_test")
	pool := scenario.NewPool(cfg, scenario.WithBuildObserver(rec.ObservePoolBuild))
	now := BusinessHours()
	svc := engine.NewTurnService(st, cfg, pool,
		engine.WithObserver(rec),
		engine.WithClock(func() time.Time { return now }))
	calls := voice.NewMockController()

	all := append([]api.Option{api.WithMetrics(rec), api.WithCallController(calls)}, opts...)
	srv := api.NewServer(svc, cfg, pool, st, all...)
	return &Fixture{
		Server:  srv,
		Handler: srv.Handler(),
		Store:   st,
		Config:  cfg,
		Pool:    pool,
		Service: svc,
		Metrics: rec,
		Calls:   calls,
	}
}

// Do serves req and returns the recorded response.
func (f *Fixture) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.Handler.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the result field of an API envelope into target and
// returns the envelope status.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) string {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON envelope: %v", err)
	}
	if target != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, target); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return envelope.Status
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// VoiceForm returns the webhook form Twilio posts for callSID dialing to.
func VoiceForm(callSID, to string) url.Values {
	return url.Values{
		"CallSid":    {callSID},
		"AccountSid": {"AC00000000000000000000000000000000"},
		"From":       {"+15555550123"},
		"To":         {to},
		"CallStatus": {"in-progress"},
	}
}

// CreateVoiceRequest creates a form-encoded webhook request.
func CreateVoiceRequest(t TB, path string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
