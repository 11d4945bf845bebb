package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/summaryq/internal/httpapi"
)

// apiClient talks to a running summaryq server.
type apiClient struct {
	base     string
	clientID string
	http     *http.Client
}

func newAPIClient(base, clientID string) *apiClient {
	return &apiClient{
		base:     strings.TrimRight(base, "/"),
		clientID: clientID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// submit posts one job and returns its id.
func (c *apiClient) submit(ctx context.Context, req httpapi.SubmitJobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	var resp httpapi.SubmitJobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, http.StatusAccepted, &resp); err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *apiClient) cancel(ctx context.Context, id string) (httpapi.CancelJobResponse, error) {
	var resp httpapi.CancelJobResponse
	err := c.do(ctx, http.MethodDelete, "/api/jobs/"+id, nil, 0, &resp)
	return resp, err
}

// stats fetches /api/stats as raw JSON so the output keeps every field.
func (c *apiClient) stats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, http.StatusOK, &raw)
	return raw, err
}

// do sends a request and decodes the JSON reply into out. want 0 accepts
// any 2xx status.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set(httpapi.ClientIDHeader, c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == want || (want == 0 && resp.StatusCode/100 == 2)
	if !ok {
		var apiErr httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
