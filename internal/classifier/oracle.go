package classifier

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/retry"
	"github.com/JakeFAU/magnet-dispatcher/internal/telemetry"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Provider names accepted by NewOracle.
const (
	ProviderNone     = "none"
	ProviderDeepSeek = "deepseek"
	ProviderOpenAI   = "openai"
)

var providerDefaults = map[string]struct{ baseURL, model string }{
	ProviderDeepSeek: {"https://api.deepseek.com", "deepseek-chat"},
	ProviderOpenAI:   {"https://api.openai.com/v1", "gpt-4o-mini"},
}

// OracleConfig configures the remote classifier.
type OracleConfig struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Pauser            retry.Pauser
}

// NewOracle selects the oracle variant for cfg.Provider.
func NewOracle(cfg OracleConfig) (torrent.Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return disabledOracle{}, nil
	case ProviderDeepSeek, ProviderOpenAI:
		return newChatOracle(cfg)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

type disabledOracle struct{}

func (disabledOracle) Name() string { return ProviderNone }

func (disabledOracle) ClassifyRemote(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: no provider configured", torrent.ErrOracle)
}

// ChatOracle talks to an OpenAI-compatible chat completions endpoint.
type ChatOracle struct {
	provider   string
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      *retry.Policy
	pauser     retry.Pauser
}

func newChatOracle(cfg OracleConfig) (*ChatOracle, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("classifier provider %s: api key required", provider)
	}
	defaults := providerDefaults[provider]
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaults.baseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaults.model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	pauser := cfg.Pauser
	if pauser == nil {
		pauser = retry.TimerPauser{}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &ChatOracle{
		provider:   provider,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   baseURL + "/chat/completions",
		model:      model,
		httpClient: client,
		limiter:    rate.NewLimiter(limit, 1),
		retry: retry.New(retry.Config{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  retryDelay,
			MaxDelay:   retryDelay * 8,
		}),
		pauser: pauser,
	}, nil
}

// Name returns the provider name.
func (o *ChatOracle) Name() string { return o.provider }

// ClassifyRemote sends prompt and returns the model's raw reply. Every
// failure wraps torrent.ErrOracle.
func (o *ChatOracle) ClassifyRemote(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "oracle.ClassifyRemote")
	defer span.End()
	span.SetAttributes(attribute.String("oracle.provider", o.provider), attribute.String("oracle.model", o.model))

	var lastErr error
	for failures := 0; ; failures++ {
		if failures > 0 {
			if err := o.pauser.Pause(ctx, o.retry.Backoff(failures, lastErr)); err != nil {
				lastErr = err
				break
			}
		}
		if err := o.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		content, err := o.complete(ctx, prompt)
		if err == nil {
			metrics.ObserveOracleRequest(o.provider, "ok")
			span.SetAttributes(attribute.Int("oracle.attempts", failures+1))
			return content, nil
		}
		metrics.ObserveOracleRequest(o.provider, string(torrent.KindOf(err)))
		lastErr = err
		if !o.retry.ShouldRetry(err, failures+1) || ctx.Err() != nil {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "oracle failed")
	return "", fmt.Errorf("%w: %s: %w", torrent.ErrOracle, o.provider, lastErr)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *ChatOracle) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       o.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   20,
	})
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", &torrent.DownstreamError{
			Op:         "chat completion",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if completion.Error != nil {
		return "", errors.New("api error: " + strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", errors.New("empty completion")
}
