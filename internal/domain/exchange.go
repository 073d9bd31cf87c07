package domain

import "context"

// OrderRequest is what the executor hands to an exchange adapter.
type OrderRequest struct {
	OrderID string  // Pipeline order id
	Symbol  string  // Instrument symbol
	Side    string  // buy or sell
	Qty     float64 // Order quantity
}

// OrderResult is the adapter's fill report.
type OrderResult struct {
	Filled   bool           // Whether the order filled
	OrderID  string         // Echoed order id
	Symbol   string         // Echoed symbol
	Side     string         // Echoed side
	Qty      float64        // Executed quantity
	Price    float64        // Execution price
	Notional float64        // Price * Qty
	Fee      float64        // Venue fee charged
	Raw      map[string]any // Venue-specific response payload, if any
}

// ExchangeAdapter places orders at a venue. Implementations must be safe for
// concurrent use; the executor may process entries from multiple sweeps.
type ExchangeAdapter interface {
	// Name identifies the venue (paper, binance, coinbase).
	Name() string

	// PlaceOrder submits the order and reports the fill outcome. An error
	// means the attempt itself failed and may be retried.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}
