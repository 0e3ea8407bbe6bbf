package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPMegactlClient drives the per-pod megactl RPC handle over plain
// HTTP against each pod's headless per-pod service, reusing the same
// /vagent/pipe contract the broker's management surface exposes.
type HTTPMegactlClient struct {
	client *http.Client
}

// NewHTTPMegactlClient builds a MegactlClient bound by MegactlTimeout per
// call (the caller's context is still honored and may shorten it
// further).
func NewHTTPMegactlClient() *HTTPMegactlClient {
	return &HTTPMegactlClient{client: &http.Client{Timeout: MegactlTimeout}}
}

type pipeRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// PipeAgent posts pipe-agent -n {agentName} -t {targetURL} to the pod at
// podInternalURL.
func (c *HTTPMegactlClient) PipeAgent(ctx context.Context, podInternalURL, agentName, targetURL string) error {
	body, err := json.Marshal(pipeRequest{Name: agentName, Target: targetURL})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, podInternalURL+"/vagent/pipe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("megactl pipe-agent -n %s -t %s: unexpected status %s", agentName, targetURL, resp.Status)
	}
	return nil
}
