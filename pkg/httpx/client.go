package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// PostJSON delivers a JSON payload to a tool endpoint. Transport
// errors and 5xx responses are retried; anything the tool actually
// answered with (including 4xx) is returned as-is. Retries are opt-in
// per tool since not every endpoint is idempotent.
func PostJSON(ctx context.Context, client *http.Client, url string, payload []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var (
		status  int
		body    []byte
		lastErr error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		status, body, lastErr = postOnce(ctx, client, url, payload, headers)
		if lastErr == nil && status < 500 {
			return status, body, nil
		}
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return status, body, nil
}

func postOnce(ctx context.Context, client *http.Client, url string, payload []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
