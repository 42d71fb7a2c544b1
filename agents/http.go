package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/agentflow"
)

// DefaultRetryAfter is the wait assumed for a 429 without a Retry-After
// header.
const DefaultRetryAfter = time.Second

// HTTPInput defines the input parameters for the HTTP agent
type HTTPInput struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"` // GET, POST, PUT, DELETE, etc.
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	JSONPayload map[string]any    `json:"json_payload"` // Alternative to body for JSON
	// QuotaService, when set, is charged QuotaCost units before the request.
	QuotaService string `json:"quota_service"`
	QuotaCost    int    `json:"quota_cost"`
}

// HTTPOutput defines the output of the HTTP agent
type HTTPOutput struct {
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	JSONResponse map[string]any    `json:"json_response,omitempty"`
}

// HTTPAgent calls an external service. Responses are classified for the
// supervisor: 429 defers the node until the server's Retry-After, other 5xx
// and transport errors are transient, and remaining 4xx are fatal.
type HTTPAgent struct {
	client *http.Client
}

// NewHTTPAgent returns the "http" agent.
func NewHTTPAgent(client *http.Client) agentflow.Agent {
	if client == nil {
		client = http.DefaultClient
	}
	a := &HTTPAgent{client: client}
	return agentflow.TypedAgentFunction(a.Name(), a.Execute)
}

func (a *HTTPAgent) Name() string {
	return "http"
}

func (a *HTTPAgent) Execute(ctx context.Context, params HTTPInput) (HTTPOutput, error) {
	if params.URL == "" {
		return HTTPOutput{}, agentflow.NewFatalError(fmt.Errorf("url cannot be empty"))
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}
	if params.QuotaService != "" {
		cost := params.QuotaCost
		if cost <= 0 {
			cost = 1
		}
		if err := agentflow.AcquireQuota(ctx, params.QuotaService, cost); err != nil {
			return HTTPOutput{}, err
		}
	}

	var bodyReader io.Reader
	if params.JSONPayload != nil {
		jsonData, err := json.Marshal(params.JSONPayload)
		if err != nil {
			return HTTPOutput{}, agentflow.NewFatalError(fmt.Errorf("failed to marshal JSON payload: %w", err))
		}
		bodyReader = bytes.NewReader(jsonData)
	} else if params.Body != "" {
		bodyReader = strings.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(params.Method), params.URL, bodyReader)
	if err != nil {
		return HTTPOutput{}, agentflow.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range params.Headers {
		req.Header.Set(key, value)
	}
	if params.JSONPayload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return HTTPOutput{}, err
		}
		return HTTPOutput{}, agentflow.NewTransientError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPOutput{}, agentflow.NewTransientError(fmt.Errorf("failed to read response body: %w", err))
	}
	if err := classifyStatus(resp, respBody); err != nil {
		agentflow.Logger(ctx).Warn("http request failed",
			"url", params.URL,
			"status", resp.StatusCode)
		return HTTPOutput{}, err
	}

	output := HTTPOutput{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    make(map[string]string),
	}
	for key, values := range resp.Header {
		if len(values) > 0 {
			output.Headers[key] = values[0]
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var jsonResp map[string]any
		if err := json.Unmarshal(respBody, &jsonResp); err == nil {
			output.JSONResponse = jsonResp
		}
	}
	return output, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}
	cause := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusTooManyRequests:
		return &agentflow.WorkflowError{
			Type:       agentflow.ErrorTypeQuotaExceeded,
			Cause:      cause.Error(),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case code >= 500, code == http.StatusRequestTimeout:
		return agentflow.NewTransientError(cause)
	default:
		return agentflow.NewFatalError(cause)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string) time.Duration {
	if header == "" {
		return DefaultRetryAfter
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
