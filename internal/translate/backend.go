package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BatchRequest is one call to the external translation backend.
type BatchRequest struct {
	Texts      []string `json:"texts"`
	SourceLang string   `json:"source_lang"`
	TargetLang string   `json:"target_lang"`
	Style      string   `json:"style,omitempty"`
}

type batchResponse struct {
	Translations []string `json:"translations"`
}

// Backend translates a batch of texts. Implementations must return
// exactly one translation per input text or an error.
type Backend interface {
	Translate(ctx context.Context, req BatchRequest) ([]string, error)
}

// BackendError classifies a failed backend call. Timeouts, rate limits,
// server errors, malformed payloads and length mismatches are retryable;
// other client errors are not.
type BackendError struct {
	Status    int
	Retryable bool
	Message   string
	Cause     error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("translation backend: %s", e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("translation backend: HTTP %d: %s", e.Status, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	// Network-level failures (timeouts, resets) surface as plain errors.
	return true
}

// BackendConfig configures the HTTP translation backend client.
type BackendConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

func (c BackendConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("backend API URL is required")
	}
	return nil
}

// HTTPBackend speaks the JSON-over-HTTPS contract of the translation
// service: POST /translate with {texts, source_lang, target_lang, style},
// expecting {translations} of equal length back.
type HTTPBackend struct {
	cfg        BackendConfig
	httpClient *http.Client
}

func NewHTTPBackend(cfg BackendConfig) (*HTTPBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend configuration: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (b *HTTPBackend) Translate(ctx context.Context, req BatchRequest) ([]string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &BackendError{Retryable: false, Message: "marshal request", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIURL+"/translate", bytes.NewReader(payload))
	if err != nil {
		return nil, &BackendError{Retryable: false, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, &BackendError{Retryable: true, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &BackendError{Status: resp.StatusCode, Retryable: true, Message: "read response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &BackendError{
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:   truncateBody(body),
		}
	}

	var parsed batchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &BackendError{Status: resp.StatusCode, Retryable: true, Message: "malformed JSON response", Cause: err}
	}
	if len(parsed.Translations) != len(req.Texts) {
		return nil, &BackendError{
			Status:    resp.StatusCode,
			Retryable: true,
			Message:   fmt.Sprintf("translation count mismatch: got %d, want %d", len(parsed.Translations), len(req.Texts)),
		}
	}
	return parsed.Translations, nil
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
