package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Request is the payload forwarded to the inference service.
type Request struct {
	JobUUID      string  `json:"job_uuid"`
	InputObject  string  `json:"input_object"`
	OutputObject *string `json:"output_object,omitempty"`
	Profile      string  `json:"profile"`
	Threshold    float64 `json:"threshold"`
}

// Result is the inference service's synchronous response. Only its side
// effects persist; the authoritative terminal update arrives later through
// the completion callback.
type Result struct {
	JobUUID         string  `json:"job_uuid"`
	OutputObject    string  `json:"output_object"`
	FileSize        int64   `json:"file_size"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Runner submits one inference request.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Client is a thin HTTP client for the inference service. Any transport
// failure or non-2xx response is an inference failure; there is no retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.Named("inference"),
	}
}

func (c *Client) Run(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.log.Info("submitting inference request", zap.String("job_uuid", req.JobUUID))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("inference service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, snippet)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode inference response: %w", err)
	}
	c.log.Info("inference accepted", zap.String("job_uuid", req.JobUUID))
	return result, nil
}

var _ Runner = (*Client)(nil)
