package voice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallController changes live calls through the Twilio REST API.
type CallController interface {
	// Hangup ends a live call.
	Hangup(ctx context.Context, callSID string) error
	// Redirect replaces the TwiML a live call is executing.
	Redirect(ctx context.Context, callSID, twimlDoc string) error
}

// Opts holds configuration options for the Twilio REST client.
type Opts struct {
	AccountSID string
	AuthToken  string
}

// Option defines a configuration option for the Twilio REST client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// Client wraps the Twilio REST API for call control.
type Client struct {
	client *twilio.RestClient
}

// NewClient creates a Client. Missing options fall back to TWILIO_ACCOUNT_SID
// and TWILIO_AUTH_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	return &Client{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
	}, nil
}

// Hangup ends a live call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		slog.Error("Twilio Hangup failed", "callSID", callSID, "error", err)
		return fmt.Errorf("failed to hang up call %s: %w", callSID, err)
	}
	slog.Debug("Twilio call hung up", "callSID", callSID)
	return nil
}

// Redirect replaces the TwiML a live call is executing.
func (c *Client) Redirect(ctx context.Context, callSID, twimlDoc string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(twimlDoc)
	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		slog.Error("Twilio Redirect failed", "callSID", callSID, "error", err)
		return fmt.Errorf("failed to redirect call %s: %w", callSID, err)
	}
	slog.Debug("Twilio call redirected", "callSID", callSID)
	return nil
}

// MockController records call control requests for tests and dry runs.
type MockController struct {
	mu         sync.Mutex
	HungUp     []string
	Redirected map[string]string
}

// NewMockController creates a MockController.
func NewMockController() *MockController {
	return &MockController{Redirected: make(map[string]string)}
}

func (m *MockController) Hangup(_ context.Context, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HungUp = append(m.HungUp, callSID)
	return nil
}

func (m *MockController) Redirect(_ context.Context, callSID, twimlDoc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Redirected[callSID] = twimlDoc
	return nil
}
