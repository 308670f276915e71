package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/rickgao/broker-stream/internal/model"
)

// GetBalances fetches the account balances.
func (c *Client) GetBalances(ctx context.Context) (*model.BalancesResponse, error) {
	var resp model.BalancesResponse
	if err := c.get(ctx, "/api/v1/balances", &resp); err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	return &resp, nil
}

// EstimateSwap prices a prospective swap without executing it.
func (c *Client) EstimateSwap(ctx context.Context, req model.EstimateRequest) (*model.Estimate, error) {
	var resp model.Estimate
	if err := c.post(ctx, "/api/v1/estimate", req, nil, &resp); err != nil {
		return nil, fmt.Errorf("estimate swap: %w", err)
	}
	return &resp, nil
}

// Swap executes a swap. The idempotency key makes retries safe: the broker
// returns the original order for a repeated key instead of executing twice.
// Use NewIdempotencyKey to mint one per logical swap.
func (c *Client) Swap(ctx context.Context, req model.SwapRequest, idempotencyKey string) (*model.SwapResult, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("swap: idempotency key is required")
	}

	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	var resp model.SwapResult
	if err := c.post(ctx, "/api/v1/swap", req, headers, &resp); err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	return &resp, nil
}

// GetOrderStatus fetches the lifecycle state of a submitted swap.
// clientOrderID is optional and passed through for server-side matching.
func (c *Client) GetOrderStatus(ctx context.Context, orderID, clientOrderID string) (*model.OrderStatus, error) {
	path := "/api/v1/orders/" + url.PathEscape(orderID) + "/status"
	if clientOrderID != "" {
		path += "?clientOrderId=" + url.QueryEscape(clientOrderID)
	}

	var resp model.OrderStatus
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("get order status %s: %w", orderID, err)
	}
	return &resp, nil
}

// NewIdempotencyKey mints a fresh idempotency key for Swap.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
