package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 55 * time.Second
	maxErrorBodyBytes      = 512
)

// Provider produces letter content from a prompt. Implementations have
// no idempotency guarantee of their own, so callers must not retry a
// generation call blindly.
type Provider interface {
	GenerateLetter(ctx context.Context, prompt string, params []byte) (string, error)
}

// ProviderError wraps a failed provider call with enough information to
// classify it before any retry decision.
type ProviderError struct {
	statusCode int
	err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("generation: provider status=%d", e.statusCode)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// StatusCode returns the HTTP status of the failed call, or zero for
// transport-level failures.
func (e *ProviderError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.statusCode
}

// Retryable reports whether the failure class may succeed on a retry:
// transport errors, timeouts, rate limits, and server errors. Client
// errors are definite rejections.
func (e *ProviderError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.statusCode == 0 {
		return true
	}
	return e.statusCode == http.StatusRequestTimeout ||
		e.statusCode == http.StatusTooManyRequests ||
		e.statusCode >= 500
}

// RateLimited reports whether the provider asked for backoff.
func (e *ProviderError) RateLimited() bool {
	return e != nil && e.statusCode == http.StatusTooManyRequests
}

// HTTPProvider calls an external generation service over HTTP.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider constructs an HTTPProvider. The timeout bounds every
// generation call; on expiry the call is a definite failure.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// generateRequest is the provider wire request.
type generateRequest struct {
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

// generateResponse is the provider wire response.
type generateResponse struct {
	Content string `json:"content"`
}

// GenerateLetter performs one generation call under the configured
// deadline and returns the generated content.
func (p *HTTPProvider) GenerateLetter(ctx context.Context, prompt string, params []byte) (string, error) {
	body, errEncode := json.Marshal(generateRequest{Prompt: prompt, Params: params})
	if errEncode != nil {
		return "", fmt.Errorf("generation: encode request: %w", errEncode)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/letters", bytes.NewReader(body))
	if errReq != nil {
		return "", fmt.Errorf("generation: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, errDo := p.client.Do(req)
	if errDo != nil {
		return "", &ProviderError{err: fmt.Errorf("generation: provider call: %w", errDo)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &ProviderError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("generation: provider status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}
	}

	var parsed generateResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&parsed); errDecode != nil {
		return "", fmt.Errorf("generation: decode response: %w", errDecode)
	}
	if strings.TrimSpace(parsed.Content) == "" {
		return "", fmt.Errorf("generation: provider returned empty content")
	}
	return parsed.Content, nil
}
