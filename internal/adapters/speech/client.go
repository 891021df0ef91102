// Package speech talks to OpenAI-compatible speech endpoints
// (/v1/audio/transcriptions and /v1/audio/speech).
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/adapters/retry"
)

// maxResponseSize caps a single response body
const maxResponseSize = 64 << 20

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retrier    *retry.Retrier
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		retrier:    retry.New(retry.ProviderPolicy()),
	}
}

// WithRetrier replaces the retry policy, mainly for tests
func (c *Client) WithRetrier(r *retry.Retrier) *Client {
	c.retrier = r
	return c
}

// PostJSONRaw sends payload as JSON and returns the raw response body
func (c *Client) PostJSONRaw(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		respBody, err = c.do(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// PostMultipart uploads one file plus form fields and decodes a JSON response
func (c *Client) PostMultipart(ctx context.Context, endpoint string, fields map[string]string, fileField, fileName string, fileData []byte, response any) error {
	var respBody []byte
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		// the body is consumed per attempt
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		for key, val := range fields {
			if err := writer.WriteField(key, val); err != nil {
				return fmt.Errorf("failed to write field %s: %w", key, err)
			}
		}

		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(fileData); err != nil {
			return fmt.Errorf("failed to write file data: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		respBody, err = c.do(req)
		return err
	})
	if err != nil {
		return err
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
