// Package fallback answers utterances no triage rule or scenario matched.
// The turn engine never calls it; the transport layer does when a turn
// ends with the no-match action.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultReply is spoken when no generated reply is available.
const DefaultReply = "Sorry, I didn't quite catch that. Could you tell me a little more about what you need?"

// ErrNoChoicesReturned is returned when the completion has no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Request is the context handed to a responder.
type Request struct {
	TenantID    string
	DisplayName string
	Utterance   string
	// LastPrompt is what the agent said before the caller spoke.
	LastPrompt string
}

// Responder produces a reply for an unmatched utterance.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// Static always answers with the same text.
type Static struct {
	Reply string
}

// Respond implements Responder.
func (s Static) Respond(context.Context, Request) (string, error) {
	if s.Reply == "" {
		return DefaultReply, nil
	}
	return s.Reply, nil
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the OpenAI responder.
type Opts struct {
	APIKey       string
	Model        openai.ChatModel
	SystemPrompt string
	Timeout      time.Duration
	MaxTokens    int64
}

// Option configures the OpenAI responder.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// WithSystemPrompt replaces the system prompt.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// WithTimeout bounds one completion call. Callers are waiting on the line.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

const defaultSystemPrompt = `You are the phone receptionist for %s, a home services company.
The caller said something the booking assistant did not understand.
Answer in one or two short spoken sentences. Do not quote prices or promise times.
When it fits, offer to book a technician visit.`

// OpenAI generates replies with chat completions and falls back to a static
// reply when the call fails.
type OpenAI struct {
	chat     chatService
	opts     Opts
	fallback Responder
}

// NewOpenAI creates an OpenAI responder. The API key defaults to OPENAI_API_KEY.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := Opts{
		Model:        openai.ChatModelGPT4oMini,
		SystemPrompt: defaultSystemPrompt,
		Timeout:      3 * time.Second,
		MaxTokens:    120,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newOpenAI(&cli.Chat.Completions, cfg), nil
}

func newOpenAI(chat chatService, cfg Opts) *OpenAI {
	return &OpenAI{chat: chat, opts: cfg, fallback: Static{}}
}

// Respond implements Responder. A failed completion returns the static reply
// together with the error so callers can log it.
func (o *OpenAI) Respond(ctx context.Context, req Request) (string, error) {
	reply, err := o.generate(ctx, req)
	if err != nil {
		slog.Warn("OpenAI.Respond: completion failed, using static reply", "tenantID", req.TenantID, "error", err)
		static, _ := o.fallback.Respond(ctx, req)
		return static, err
	}
	return reply, nil
}

func (o *OpenAI) generate(ctx context.Context, req Request) (string, error) {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	name := req.DisplayName
	if name == "" {
		name = "the company"
	}
	system := o.opts.SystemPrompt
	if strings.Contains(system, "%s") {
		system = fmt.Sprintf(system, name)
	}
	user := req.Utterance
	if req.LastPrompt != "" {
		user = fmt.Sprintf("Agent: %s\nCaller: %s", req.LastPrompt, req.Utterance)
	}

	started := time.Now()
	resp, err := o.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(o.opts.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("OpenAI.Respond: generated reply", "tenantID", req.TenantID, "model", o.opts.Model,
		"elapsed", time.Since(started))
	return reply, nil
}
