package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caiombs/zapcoach/internal/metrics"
	"go.uber.org/zap"
)

// maxBodySize bounds gateway response reads. Chat lists with embedded
// base64 previews can get large; 16 MiB is well past anything observed.
const maxBodySize = 16 << 20

// Client is a stateless HTTP wrapper around the WhatsApp gateway. It owns
// authentication and error classification and nothing else; instance state
// lives with the registry and pairing sessions.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a gateway client. metrics may be nil.
func New(baseURL, apiKey string, logger *zap.Logger, m *metrics.Metrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		metrics: m,
	}
}

// Request issues one gateway call. path is relative ("/instance/create").
// body, when non-nil, is JSON-encoded. out, when non-nil, receives the
// decoded response; pass *json.RawMessage to defer shape sniffing to the
// caller. A 204 or empty body is success without decoding. Non-2xx statuses
// and transport failures come back classified (see errors.go).
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		clsErr := &NetworkError{URL: url, Err: err}
		c.record(method, clsErr, start)
		return clsErr
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		clsErr := &NetworkError{URL: url, Err: err}
		c.record(method, clsErr, start)
		return clsErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		clsErr := classify(resp.StatusCode, errorMessage(data))
		c.record(method, clsErr, start)
		c.logger.Warn("gateway request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(clsErr))
		return clsErr
	}

	c.record(method, nil, start)

	if resp.StatusCode == http.StatusNoContent || len(data) == 0 || out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gateway: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) record(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordGatewayRequest(method, outcomeLabel(err), time.Since(start).Seconds())
}

// errorMessage extracts a human-readable message from the gateway's error
// body. The gateway is inconsistent here too: plain {"message": "..."},
// {"error": "..."}, and the nested {"response": {"message": [...]}} shape
// all occur.
func errorMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var envelope struct {
		Message  json.RawMessage `json:"message"`
		Error    string          `json:"error"`
		Response struct {
			Message json.RawMessage `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	if msg := flattenMessage(envelope.Message); msg != "" {
		return msg
	}
	if msg := flattenMessage(envelope.Response.Message); msg != "" {
		return msg
	}
	return envelope.Error
}

// flattenMessage accepts a string or an array of strings.
func flattenMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}
