// Package providers holds the delivery adapters the dispatcher hands messages to.
//
// Adapters are stateless translators: they turn one send request into the
// provider's wire format, perform a single HTTP call and report the ids the
// provider assigned. They never retry.
package providers

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

// ErrUnknownProvider is returned by the registry for an unsupported provider id.
var ErrUnknownProvider = errors.New("unknown provider")

// maxErrorBody bounds how much of a failed response is kept on HTTPError.
const maxErrorBody = 1024

type SMSOptions struct {
	To      string
	Content string
	From    string
}

type PushOptions struct {
	Target    []string
	Title     string
	Content   string
	Payload   map[string]string
	Overrides PushOverrides
}

// PushOverrides adjusts the notification sent to devices. Type "data" sends a
// data-only message built from the payload.
type PushOverrides struct {
	Type  string
	Title string
	Body  string
	Image string
	Data  map[string]string
}

type SendResult struct {
	IDs  []string
	Date time.Time
}

type SMSProvider interface {
	ID() string
	SendMessage(ctx context.Context, opts SMSOptions) (SendResult, error)
}

type PushProvider interface {
	ID() string
	SendMessage(ctx context.Context, opts PushOptions) (SendResult, error)
}

// HTTPError is returned when a provider answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status of a provider error, or 0 if the request
// never got a response.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// Option configures the HTTP side of an adapter.
type Option func(*httpClient)

// WithBaseURL replaces the provider endpoint, for tests and regional hosts.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient replaces the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *httpClient) {
		if client != nil {
			c.client = client
		}
	}
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string, opts []Option) httpClient {
	c := httpClient{baseURL: baseURL, client: &http.Client{}}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// postJSON sends body as JSON and returns the raw response body on 2xx.
func (c httpClient) postJSON(ctx context.Context, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
