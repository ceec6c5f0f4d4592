package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"uapk/pkg/httpx"
)

// ToolConfig is one tool's connector wiring from the org's manifest.
type ToolConfig struct {
	Endpoint   string            `json:"endpoint"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Retries    int               `json:"retries,omitempty"`
}

// Result is the outcome of one tool call. A failed call is a normal
// outcome, never a panic; TimedOut distinguishes deadline expiry from
// upstream errors.
type Result struct {
	OK       bool            `json:"ok"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
	Duration time.Duration   `json:"duration_ms"`
}

// Executor runs an allowed action's tool call.
type Executor interface {
	Execute(ctx context.Context, cfg ToolConfig, tool string, params json.RawMessage) Result
}

const defaultTimeout = 10 * time.Second

// HTTPExecutor posts params to the tool's configured endpoint, bounded
// by the per-tool timeout.
type HTTPExecutor struct {
	Client  *http.Client
	Timeout time.Duration
}

func (h *HTTPExecutor) Execute(ctx context.Context, cfg ToolConfig, tool string, params json.RawMessage) Result {
	start := time.Now()
	if cfg.Endpoint == "" {
		return Result{Error: fmt.Sprintf("tool %q has no connector endpoint", tool), Duration: time.Since(start)}
	}
	timeout := h.Timeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	status, body, err := httpx.PostJSON(ctx, client, cfg.Endpoint, params, cfg.Headers, cfg.Retries, 200*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		res := Result{Error: err.Error(), Duration: elapsed}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			res.TimedOut = true
			res.Error = fmt.Sprintf("tool %q timed out after %s", tool, timeout)
		}
		return res
	}
	if status >= 300 {
		return Result{Error: fmt.Sprintf("tool %q returned status %d", tool, status), Data: body, Duration: elapsed}
	}
	return Result{OK: true, Data: body, Duration: elapsed}
}
