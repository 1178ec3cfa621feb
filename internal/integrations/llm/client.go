// Package llm sends a fixed system+user prompt pair to the configured
// chat-completion provider through the same rate limit, retry and timeout
// stack as the workshop API, with its own request and token budget.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"servicecert/internal/apierr"
	"servicecert/internal/logging"
	"servicecert/internal/metrics"
	"servicecert/internal/resilience"
)

const apiName = "llm"

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	DefaultTimeout        = 60 * time.Second
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOpenAIModel    = "gpt-4o-mini"
	defaultOpenAIBaseURL  = "https://api.openai.com"
	maxOutputTokens       = 512
)

// DefaultRetryPolicy backs off longer than the workshop policy; LLM
// providers shed load with 429s and 529s.
func DefaultRetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint.
	BaseURL string

	Limiter    *resilience.RateLimiter
	HTTPClient *http.Client
	Logger     *zap.Logger
	Timeout    time.Duration
	Retry      *resilience.Policy
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

type Client struct {
	provider  string
	model     string
	apiKey    string
	baseURL   string
	anthropic anthropic.Client
	limiter   *resilience.RateLimiter
	http      *http.Client
	log       *zap.Logger
	timeout   time.Duration
	retry     resilience.Policy
}

func New(cfg Config) (*Client, error) {
	c := &Client{
		provider: strings.ToLower(strings.TrimSpace(cfg.Provider)),
		model:    strings.TrimSpace(cfg.Model),
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		limiter:  cfg.Limiter,
		http:     cfg.HTTPClient,
		log:      logging.OrNop(cfg.Logger).With(zap.String("api", apiName)),
		timeout:  cfg.Timeout,
		retry:    DefaultRetryPolicy(),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues(apiName).Inc()
		c.log.Info("llm retry scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("llm: api key is required for provider %q", c.provider)
	}

	switch c.provider {
	case ProviderAnthropic:
		if c.model == "" {
			c.model = DefaultAnthropicModel
		}
		opts := []option.RequestOption{
			option.WithAPIKey(c.apiKey),
			option.WithHTTPClient(c.http),
			option.WithMaxRetries(0),
		}
		if c.baseURL != "" {
			opts = append(opts, option.WithBaseURL(c.baseURL+"/"))
		}
		c.anthropic = anthropic.NewClient(opts...)
	case ProviderOpenAI:
		if c.model == "" {
			c.model = DefaultOpenAIModel
		}
		if c.baseURL == "" {
			c.baseURL = defaultOpenAIBaseURL
		}
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
	return c, nil
}

func (c *Client) Provider() string { return c.provider }
func (c *Client) Model() string    { return c.model }

// EstimateTokens approximates the token count of a prompt at four bytes
// per token, plus the response allowance.
func EstimateTokens(system, user string) int {
	return (len(system)+len(user))/4 + maxOutputTokens
}

// Complete returns the text reply for the prompt pair. Transport failures
// are returned as *apierr.Error after retries.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	type reply struct {
		text  string
		usage Usage
	}
	weight := EstimateTokens(systemPrompt, userPrompt)

	r, err := resilience.Throttle(ctx, c.limiter, weight, func(ctx context.Context) (reply, error) {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) (reply, error) {
			r, err := resilience.WithTimeout(ctx, c.timeout, "llm "+c.provider+" completion",
				func(ctx context.Context) (reply, error) {
					var (
						text  string
						usage Usage
						err   error
					)
					switch c.provider {
					case ProviderAnthropic:
						text, usage, err = c.callAnthropic(ctx, systemPrompt, userPrompt)
					case ProviderOpenAI:
						text, usage, err = c.callOpenAI(ctx, systemPrompt, userPrompt)
					default:
						err = fmt.Errorf("unsupported provider %q", c.provider)
					}
					return reply{text: text, usage: usage}, err
				})
			var timeoutErr *resilience.TimeoutError
			if errors.As(err, &timeoutErr) {
				err = &apierr.Error{Kind: apierr.KindTimeout, API: apiName, Endpoint: c.provider, Err: err}
			}
			return r, err
		})
	})
	if err != nil {
		return "", Usage{}, err
	}
	c.log.Debug("llm completion",
		zap.String("provider", c.provider),
		zap.String("model", c.model),
		zap.Int("response_size", len(r.text)),
		zap.Int64("tokens_in", r.usage.InputTokens),
		zap.Int64("tokens_out", r.usage.OutputTokens))
	return r.text, r.usage, nil
}

func (c *Client) callAnthropic(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	message, err := c.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxOutputTokens,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		var sdkErr *anthropic.Error
		if errors.As(err, &sdkErr) {
			metrics.ObserveRequest(apiName, sdkErr.StatusCode)
			c.log.Warn("llm non-2xx response", zap.String("provider", c.provider), zap.Int("status", sdkErr.StatusCode))
			return "", Usage{}, apierr.FromStatus(apiName, "messages", sdkErr.StatusCode, "")
		}
		metrics.ObserveRequest(apiName, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", Usage{}, ctxErr
		}
		return "", Usage{}, &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: "messages", Err: err}
	}
	metrics.ObserveRequest(apiName, http.StatusOK)

	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, usage, nil
		}
	}
	return "", usage, fmt.Errorf("no text content in anthropic response")
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) callOpenAI(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	const endpoint = "/v1/chat/completions"
	bodyBytes, err := json.Marshal(openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Usage{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRequest(apiName, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", Usage{}, ctxErr
		}
		return "", Usage{}, &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveRequest(apiName, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, &apierr.Error{Kind: apierr.KindNetwork, API: apiName, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Warn("llm non-2xx response",
			zap.String("provider", c.provider),
			zap.Int("status", resp.StatusCode),
			logging.Excerpt("body", string(respBody), 512))
		return "", Usage{}, apierr.FromStatus(apiName, endpoint, resp.StatusCode, "")
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("parsing openai response: %w", err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("openai api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("no choices in openai response")
	}
	usage := Usage{}
	if parsed.Usage != nil {
		usage.InputTokens = parsed.Usage.PromptTokens
		usage.OutputTokens = parsed.Usage.CompletionTokens
	}
	return parsed.Choices[0].Message.Content, usage, nil
}
