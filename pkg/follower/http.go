package follower

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/harborline/go-skipper/internal/httpc"
)

// HTTPClient talks to the follower daemon's HTTP API.
type HTTPClient struct {
	BaseURL string
}

// NewHTTPClient creates a client for the follower daemon at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/")}
}

// StartGoal begins execution of one goal and returns its handle.
func (c *HTTPClient) StartGoal(ctx context.Context, req StartRequest) (Handle, error) {
	var resp struct {
		Handle Handle `json:"handle"`
	}
	if err := httpc.PostJSON(c.BaseURL+"/api/goal", req, &resp); err != nil {
		return "", fmt.Errorf("start goal: %w", err)
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("start goal: follower returned empty handle")
	}
	return resp.Handle, nil
}

// Cancel aborts the goal identified by h. A 404 is treated as success:
// the goal already finished on the follower's side.
func (c *HTTPClient) Cancel(ctx context.Context, h Handle) error {
	err := httpc.Delete(c.BaseURL+"/api/goal/"+string(h), nil)
	if err != nil && strings.Contains(err.Error(), fmt.Sprintf("http %d", http.StatusNotFound)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel goal: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
