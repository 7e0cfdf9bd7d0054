package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTestingT records failures instead of stopping the test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.Errorf(format, args...)
}

func TestNewTestServer(t *testing.T) {
	f := NewTestServer(t)
	require.NotNil(t, f.Server)

	rr := f.Do(CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")

	id, ok := f.Config.TenantByNumber(DemoNumber)
	require.True(t, ok)
	assert.Equal(t, DemoTenant, id)
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			assert.Equal(t, tt.shouldFail, mockT.failed)
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "matching status", jsonBody: `{"status":"ok","result":"test"}`, expectedStatus: "ok"},
		{name: "different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid JSON", jsonBody: `{"status":}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status field", jsonBody: `{"result":"test"}`, expectedStatus: "ok", shouldFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)
			assert.Equal(t, tt.shouldFail, mockT.failed, mockT.errorMsg)
			if !tt.shouldFail {
				assert.NotNil(t, response)
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"degraded","message":"x","result":{"replyText":"hi"}}`)

	var out struct {
		ReplyText string `json:"replyText"`
	}
	status := DecodeResult(t, rr, &out)
	assert.Equal(t, "degraded", status)
	assert.Equal(t, "hi", out.ReplyText)
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/turn", map[string]string{"tenantId": "demo"})
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/turn", req.URL.Path)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	req = CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	assert.Empty(t, req.Header.Get("Content-Type"))
}

func TestCreateVoiceRequest(t *testing.T) {
	form := VoiceForm("CA123", DemoNumber)
	form.Set("SpeechResult", "hello")
	req := CreateVoiceRequest(t, "/voice/turn", form)

	require.NoError(t, req.ParseForm())
	assert.Equal(t, "CA123", req.PostForm.Get("CallSid"))
	assert.Equal(t, DemoNumber, req.PostForm.Get("To"))
	assert.Equal(t, "hello", req.PostForm.Get("SpeechResult"))
}

func TestMustMarshalJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(MustMarshalJSON(t, map[string]int{"a": 1})))
}
