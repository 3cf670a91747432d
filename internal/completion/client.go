// Package completion wraps the external text-completion service used by the
// chat relay. The client performs exactly one upstream request per call;
// retry policy, if any, belongs to the caller.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

const promptInstruction = "Answer the following question: "

var ErrEmptyPrompt = errors.New("completion: prompt is empty")

// BuildPrompt wraps raw user text in the fixed instruction. The text is
// passed through unmodified.
func BuildPrompt(question string) string {
	return promptInstruction + question
}

// Completer is the contract the relay depends on.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Completer = (*Client)(nil)

// NewClient builds a client for an OpenAI-compatible chat completions API.
// Extra request options are appended after the configured ones.
func NewClient(cfg utils.CompletionConfig, logger *zap.Logger, extra ...option.RequestOption) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, extra...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(openai.ChatModelGPT3_5Turbo)
	}

	return &Client{
		api:     openai.NewClient(opts...),
		model:   model,
		timeout: cfg.Timeout,
		logger:  utils.OrNop(logger),
	}
}

// Complete sends prompt to the upstream service and returns the generated
// text. Failures are reported as *UpstreamError.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.F(openai.ChatModel(c.model)),
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		}),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.F(int64(maxTokens))
	}

	started := time.Now()
	resp, err := c.api.Chat.Completions.New(callCtx, params)
	if err != nil {
		upstreamErr := classify(callCtx, err)
		c.logger.Warn("completion request failed",
			zap.String("kind", string(upstreamErr.Kind)),
			zap.Int("status", upstreamErr.Status),
			zap.Duration("latency", time.Since(started)),
			zap.Error(err),
		)
		return "", upstreamErr
	}

	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Kind: KindMalformed, Message: "response contained no choices"}
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &UpstreamError{Kind: KindMalformed, Message: "response choice has no content"}
	}

	c.logger.Debug("completion request succeeded",
		zap.String("model", c.model),
		zap.Int("max_tokens", maxTokens),
		zap.Duration("latency", time.Since(started)),
	)

	return content, nil
}

func classify(ctx context.Context, err error) *UpstreamError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		message := strings.TrimSpace(apiErr.Message)
		if message == "" {
			message = http.StatusText(apiErr.StatusCode)
		}
		return &UpstreamError{Kind: kindForStatus(apiErr.StatusCode), Status: apiErr.StatusCode, Message: message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTimeout, Message: "upstream did not respond in time", Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.Canceled) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &UpstreamError{Kind: KindNetwork, Message: "upstream unreachable", Err: err}
	}

	return &UpstreamError{Kind: KindMalformed, Message: fmt.Sprintf("unreadable response: %v", err), Err: err}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUpstream
	}
}
