// Package llm provides the cost-gated, cached LLM client and the
// decision-prompt machinery built on top of it.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-engine/config"
	"crypto-trading-engine/internal/cache"
)

// Provider identifies the upstream LLM vendor.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// CompletionRequest is one prompt to complete.
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	ModelHint    string // overrides the configured model when set
	MaxTokens    int
	Temperature  float64
	BypassCache  bool
}

// CompletionResult carries the text plus accounting data.
type CompletionResult struct {
	Text            string
	Model           string
	TokensIn        int
	TokensOut       int
	CostUSD         float64
	Cached          bool
	BudgetExhausted bool
}

// Completer is the capability the decision layer consumes.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

var _ Completer = (*Client)(nil)

// Store is the cache subset the client needs for budget aggregates and
// response caching.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetFloat(ctx context.Context, key string) (float64, error)
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// Client is the shared LLM client. All bots go through the same budget
// gate and response cache.
type Client struct {
	cfg        config.LLMConfig
	store      Store
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time

	mu               sync.Mutex
	lastBudgetLogDay string
}

func NewClient(cfg config.LLMConfig, store Store, log zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log.With().Str("component", "llm").Logger(),
		now:        time.Now,
	}
}

// Complete runs the budget gate, cache and routing, then calls the
// provider. A blown budget returns a synthetic result, not an error.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	model := c.routeModel(req)
	maxTokens := c.effectiveMaxTokens(req)
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.TemperatureDefault
	}

	fingerprint := promptFingerprint(model, maxTokens, temperature, req.Prompt)
	useCache := c.cfg.EnableCache && !req.BypassCache && temperature <= 0.9

	if useCache {
		if cached, err := c.store.Get(ctx, cache.LLMResponseKey(fingerprint)); err == nil {
			var result CompletionResult
			if json.Unmarshal([]byte(cached), &result) == nil {
				result.Cached = true
				return &result, nil
			}
		}
	}

	if exhausted, err := c.budgetExhausted(ctx, model, req.Prompt, maxTokens); err == nil && exhausted {
		c.logBudgetOnce()
		return &CompletionResult{Model: model, BudgetExhausted: true}, nil
	}

	text, tokensIn, tokensOut, err := c.call(ctx, model, req.SystemPrompt, req.Prompt, maxTokens, temperature)
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{
		Text:      text,
		Model:     model,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   costUSD(model, tokensIn, tokensOut),
	}
	c.recordUsage(ctx, result)

	if useCache {
		raw, _ := json.Marshal(result)
		if err := c.store.Set(ctx, cache.LLMResponseKey(fingerprint), raw, c.cfg.CacheTTL); err != nil {
			c.log.Debug().Err(err).Msg("response cache write failed")
		}
	}
	return result, nil
}

// PromptFingerprint exposes the cache key derivation for audit rows.
func (c *Client) PromptFingerprint(req CompletionRequest) string {
	model := c.routeModel(req)
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.TemperatureDefault
	}
	return promptFingerprint(model, c.effectiveMaxTokens(req), temperature, req.Prompt)
}

func promptFingerprint(model string, maxTokens int, temperature float64, prompt string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.3f|", model, maxTokens, temperature)
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

// budgetExhausted checks whether this call would push the daily cost
// aggregate over the limit. A zero limit disables the gate; store
// failures fail open (trading must not stall on cache trouble).
func (c *Client) budgetExhausted(ctx context.Context, model, prompt string, maxTokens int) (bool, error) {
	if c.cfg.DailyCostLimitUSD <= 0 {
		return false, nil
	}

	day := c.now().UTC().Format("20060102")
	spent, err := c.store.GetFloat(ctx, cache.LLMCostKey(day))
	if err != nil {
		return false, err
	}

	estimated := costUSD(model, estimateTokens(prompt), maxTokens)
	return spent+estimated > c.cfg.DailyCostLimitUSD, nil
}

func (c *Client) logBudgetOnce() {
	day := c.now().UTC().Format("20060102")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastBudgetLogDay == day {
		return
	}
	c.lastBudgetLogDay = day
	c.log.Warn().Str("day", day).Float64("limit_usd", c.cfg.DailyCostLimitUSD).
		Str("reason", "budget_exhausted").Msg("daily LLM budget exhausted, returning hold")
}

func (c *Client) recordUsage(ctx context.Context, result *CompletionResult) {
	day := c.now().UTC().Format("20060102")
	if _, err := c.store.IncrByFloat(ctx, cache.LLMCostKey(day), result.CostUSD, cache.DailyAggTTL); err != nil {
		c.log.Debug().Err(err).Msg("cost aggregate update failed")
	}
	if _, err := c.store.IncrBy(ctx, cache.LLMTokensKey(day), int64(result.TokensIn+result.TokensOut), cache.DailyAggTTL); err != nil {
		c.log.Debug().Err(err).Msg("token aggregate update failed")
	}
}

// routeModel applies the DeepSeek chat/reasoner promotion rules.
func (c *Client) routeModel(req CompletionRequest) string {
	model := c.cfg.Model
	if req.ModelHint != "" {
		model = req.ModelHint
	}

	if Provider(c.cfg.Provider) != ProviderDeepSeek && !strings.HasPrefix(model, "deepseek") {
		return model
	}

	if !c.cfg.DeepSeekUseReasonerForComplex {
		if strings.HasPrefix(model, "deepseek") {
			return model
		}
		return "deepseek-chat"
	}

	if len(req.Prompt) > c.cfg.DeepSeekReasonerMinChars || hasComplexityKeyword(req.Prompt) {
		return "deepseek-reasoner"
	}
	return "deepseek-chat"
}

var complexityKeywords = []string{
	"multi-leg", "hedge", "correlation", "divergence", "conflicting signals",
}

func hasComplexityKeyword(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// effectiveMaxTokens lifts the cap inside the DeepSeek discount window.
func (c *Client) effectiveMaxTokens(req CompletionRequest) int {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > c.cfg.MaxTokensPerCall {
		maxTokens = c.cfg.MaxTokensPerCall
	}
	if c.inDiscountWindow() && c.cfg.MaxTokensDiscountCap > maxTokens {
		maxTokens = c.cfg.MaxTokensDiscountCap
	}
	return maxTokens
}

// inDiscountWindow parses "HH:MM-HH:MM" (UTC). Windows crossing midnight
// are supported.
func (c *Client) inDiscountWindow() bool {
	window := c.cfg.DeepSeekDiscountUTCWindow
	if window == "" {
		return false
	}
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return false
	}
	start, err1 := time.Parse("15:04", strings.TrimSpace(parts[0]))
	end, err2 := time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return false
	}

	now := c.now().UTC()
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	return minutes >= startMin || minutes < endMin
}

// estimateTokens uses the rough 4-chars-per-token heuristic for the
// budget pre-check.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

// costUSD prices a call from per-million-token rates.
func costUSD(model string, tokensIn, tokensOut int) float64 {
	inRate, outRate := pricing(model)
	return float64(tokensIn)/1e6*inRate + float64(tokensOut)/1e6*outRate
}

func pricing(model string) (inPerM, outPerM float64) {
	switch {
	case strings.HasPrefix(model, "deepseek-reasoner"):
		return 0.55, 2.19
	case strings.HasPrefix(model, "deepseek"):
		return 0.27, 1.10
	case strings.HasPrefix(model, "gpt"):
		return 2.50, 10.00
	case strings.HasPrefix(model, "claude"):
		return 3.00, 15.00
	default:
		return 1.00, 3.00
	}
}

// call dispatches to the provider wire format.
func (c *Client) call(ctx context.Context, model, systemPrompt, userPrompt string, maxTokens int, temperature float64) (text string, tokensIn, tokensOut int, err error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		return c.callClaude(ctx, model, systemPrompt, userPrompt, maxTokens, temperature)
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o"):
		return c.callOpenAI(ctx, "https://api.openai.com/v1/chat/completions", c.cfg.OpenAIAPIKey, model, systemPrompt, userPrompt, maxTokens, temperature)
	case strings.HasPrefix(model, "deepseek"):
		// DeepSeek speaks the OpenAI chat format.
		return c.callOpenAI(ctx, "https://api.deepseek.com/v1/chat/completions", c.cfg.DeepSeekAPIKey, model, systemPrompt, userPrompt, maxTokens, temperature)
	default:
		return "", 0, 0, fmt.Errorf("unsupported model %q", model)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) callClaude(ctx context.Context, model, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, int, int, error) {
	reqBody := claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      systemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: userPrompt}},
	}

	body, err := c.post(ctx, "https://api.anthropic.com/v1/messages", reqBody, map[string]string{
		"x-api-key":         c.cfg.ClaudeAPIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", 0, 0, err
	}

	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("parsing claude response: %w", err)
	}
	if resp.Error != nil {
		return "", 0, 0, fmt.Errorf("claude API error: %s", resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", 0, 0, fmt.Errorf("claude returned empty content")
	}
	return resp.Content[0].Text, resp.Usage.InputTokens, resp.Usage.OutputTokens, nil
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) callOpenAI(ctx context.Context, endpoint, apiKey, model, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, int, int, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	body, err := c.post(ctx, endpoint, reqBody, map[string]string{
		"Authorization": "Bearer " + apiKey,
	})
	if err != nil {
		return "", 0, 0, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, 0, fmt.Errorf("parsing completion response: %w", err)
	}
	if resp.Error != nil {
		return "", 0, 0, fmt.Errorf("completion API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, headers map[string]string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
