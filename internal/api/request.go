package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// APIError represents an error envelope from the broker API. The broker may
// return it with any status code, including 200.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("broker api error %s: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("broker api error %s: %s", e.Code, e.Message)
}

// httpError is a non-2xx response without a decodable error envelope.
type httpError struct {
	StatusCode int
	Body       []byte
}

func (e *httpError) Error() string {
	return fmt.Sprintf("broker http error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if the error should trigger a retry.
func (e *httpError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// doRequest performs one signed HTTP attempt. pathWithQuery must match the
// request URI exactly since it is part of the signed canonical string.
// extraHeaders are applied after the signature headers.
func (c *Client) doRequest(ctx context.Context, method, pathWithQuery string, body []byte, extraHeaders map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Fresh timestamp, nonce and signature on every attempt so a retried
	// request never reuses a nonce the server already consumed.
	for k, v := range c.creds.Headers(method, pathWithQuery, body) {
		req.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// The error envelope wins over the status code either way: a 200 with
	// an envelope is a failure, and a non-2xx with one carries the detail.
	if apiErr := decodeAPIError(respBody); apiErr != nil {
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

// decodeAPIError returns the error envelope if the body is one, else nil.
func decodeAPIError(body []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" && apiErr.Message != "" {
		return &apiErr
	}
	return nil
}

// doWithRetry performs a request with exponential backoff retry on transport
// failures and retryable HTTP statuses. APIError envelopes are never retried;
// the broker has made a decision.
func (c *Client) doWithRetry(ctx context.Context, method, pathWithQuery string, body []byte, extraHeaders map[string]string) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", pathWithQuery,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		respBody, err := c.doRequest(ctx, method, pathWithQuery, body, extraHeaders)
		if err == nil {
			return respBody, nil
		}

		lastErr = err

		if httpErr, ok := err.(*httpError); ok && httpErr.IsRetryable() {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a signed GET request with retries and decodes the response.
func (c *Client) get(ctx context.Context, pathWithQuery string, result any) error {
	respBody, err := c.doWithRetry(ctx, http.MethodGet, pathWithQuery, nil, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// post performs a signed POST request and decodes the response. POSTs are
// not retried unless the caller supplies an idempotency key; the broker
// deduplicates on that key, so a retried swap cannot double-execute.
func (c *Client) post(ctx context.Context, path string, payload any, extraHeaders map[string]string, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var respBody []byte
	if _, idempotent := extraHeaders["Idempotency-Key"]; idempotent {
		respBody, err = c.doWithRetry(ctx, http.MethodPost, path, body, extraHeaders)
	} else {
		respBody, err = c.doRequest(ctx, http.MethodPost, path, body, extraHeaders)
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
