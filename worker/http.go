package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTP returns a work function that posts the input to an external agent
// service at endpoint. The service replies with a Result. Work is never
// retried, so a plain client is used.
func HTTP(endpoint, token string, client *http.Client) Func {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, in Input) (Result, error) {
		body, err := json.Marshal(in)
		if err != nil {
			return Result{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("call %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return Result{}, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{}, fmt.Errorf("agent %s returned %d: %s", in.AgentID, resp.StatusCode, bytes.TrimSpace(data))
		}
		var res Result
		if err := json.Unmarshal(data, &res); err != nil {
			return Result{}, fmt.Errorf("decode agent response: %w", err)
		}
		if len(res.Output) == 0 {
			res.Output = json.RawMessage(`null`)
		}
		return res, nil
	}
}

// Probe checks that an agent service answers GET {endpoint}/health.
func Probe(ctx context.Context, client *http.Client, endpoint string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
