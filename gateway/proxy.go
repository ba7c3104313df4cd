package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTool proxies execution to an upstream worker endpoint: parameters
// go out as a JSON POST, the response body comes back as the payload.
// The gateway front-ends it with the payment protocol like any other
// tool.
type HTTPTool struct {
	ToolName        string
	ToolDescription string
	Price           float64
	Upstream        string
	Schema          map[string]interface{}

	// HTTP overrides the default client, mainly for tests.
	HTTP *http.Client
}

func (t *HTTPTool) Name() string                         { return t.ToolName }
func (t *HTTPTool) Description() string                  { return t.ToolDescription }
func (t *HTTPTool) PriceUSD() float64                    { return t.Price }
func (t *HTTPTool) ParamsSchema() map[string]interface{} { return t.Schema }

func (t *HTTPTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Upstream, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	hc := t.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		// Non-JSON upstreams are served as plain text.
		return string(body), nil
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
