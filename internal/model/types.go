package model

// -----------------------------------------------------------------------------
// Account
// -----------------------------------------------------------------------------

// Balance is one asset balance on the broker account.
type Balance struct {
	Asset  string `json:"asset"`
	Total  string `json:"total"`
	Locked string `json:"locked"`
}

// BalancesResponse wraps the balances endpoint response.
type BalancesResponse struct {
	Balances []Balance `json:"balances"`
}

// -----------------------------------------------------------------------------
// Swaps
// -----------------------------------------------------------------------------

// EstimateRequest asks the broker to price a swap without executing it.
type EstimateRequest struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Amount  string   `json:"amount"`
	Network string   `json:"network,omitempty"`
	Account string   `json:"account,omitempty"`
	Filter  []string `json:"filter,omitempty"` // Liquidity sources (binance, bybit, gate)
}

// RouteStep is one hop of the execution route for an estimate.
type RouteStep struct {
	Exchange  string `json:"exchange"`
	Pool      string `json:"pool"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	AmountIn  string `json:"amount_in"`
	AmountOut string `json:"amount_out"`
}

// Estimate is the broker's priced quote for a prospective swap.
type Estimate struct {
	Route       []RouteStep `json:"route"`
	Price       string      `json:"price"`
	ExpectedOut string      `json:"expectedOut"`
	ExpiresAt   int64       `json:"expiresAt"`
}

// SwapRequest executes a swap.
type SwapRequest struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	Amount        string   `json:"amount"`
	Account       string   `json:"account"`
	SlippageBps   int      `json:"slippage_bps"`
	ClientOrderID string   `json:"clientOrderId,omitempty"`
	Filter        []string `json:"filter,omitempty"` // Liquidity sources (binance, bybit, gate)
}

// SwapResult acknowledges an accepted swap.
type SwapResult struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// OrderStatus is the lifecycle state of a previously submitted swap.
type OrderStatus struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	FilledOut     string `json:"filledOut,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	UpdatedAt     int64  `json:"updatedAt"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}
