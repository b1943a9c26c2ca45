package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Call describes one upstream JSON request.
type Call struct {
	Method     string
	URL        string
	Body       []byte
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

// Do performs the call with retry for transient failures. Retries apply to
// transport errors and 5xx responses only.
func Do(ctx context.Context, client *http.Client, call Call) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if call.Retries < 0 {
		call.Retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= call.Retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, bytes.NewReader(call.Body))
		if err != nil {
			return 0, nil, err
		}
		if len(call.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range call.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < call.Retries {
				time.Sleep(call.RetryDelay)
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < call.Retries {
				time.Sleep(call.RetryDelay)
				continue
			}
			return 0, nil, readErr
		}
		if resp.StatusCode >= 500 && attempt < call.Retries {
			time.Sleep(call.RetryDelay)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}
