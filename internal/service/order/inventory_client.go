package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"orderflow/internal/service/inventory"
	"orderflow/pkg/utils"
)

// InventoryClient is the synchronous availability check consulted at order creation.
// inventory.Service satisfies it directly when both services share a process.
type InventoryClient interface {
	CheckAvailability(ctx context.Context, lines []inventory.Line) ([]inventory.Availability, error)
}

// HTTPInventoryClient calls POST {url} of a remote inventory service
type HTTPInventoryClient struct {
	url    string
	client *http.Client
}

// NewHTTPInventoryClient creates a client for the inventory check endpoint
func NewHTTPInventoryClient(url string, timeout time.Duration) *HTTPInventoryClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPInventoryClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type checkResponse struct {
	Code    utils.ResponseCode       `json:"code"`
	Message string                   `json:"message"`
	Data    []inventory.Availability `json:"data"`
}

// CheckAvailability implements InventoryClient
func (c *HTTPInventoryClient) CheckAvailability(ctx context.Context, lines []inventory.Line) ([]inventory.Availability, error) {
	body, err := json.Marshal(lines)
	if err != nil {
		return nil, utils.Validation("cannot encode lines: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inventory request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, utils.Transient(err, "inventory service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, utils.Transient(err, "failed to read inventory response")
	}

	var out checkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, utils.Transient(err, fmt.Sprintf("inventory service returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK || out.Code != utils.CodeSuccess {
		// keep the remote classification so validation errors reach the caller as 400
		if out.Code == utils.CodeValidation || out.Code == utils.CodeNotFound {
			return nil, utils.NewError(utils.CodeValidation, out.Message)
		}
		return nil, utils.Transient(nil, fmt.Sprintf("inventory check failed: %d %s", resp.StatusCode, out.Message))
	}
	return out.Data, nil
}
