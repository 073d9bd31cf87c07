package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/domain"
)

// Venue taker fees applied when simulating binance/coinbase fills.
const (
	binanceTakerFeePct  = 0.10
	coinbaseTakerFeePct = 0.60
)

// NewAdapter builds the exchange adapter selected by EXCHANGE.
func NewAdapter(cfg *config.Config, log zerolog.Logger) (domain.ExchangeAdapter, error) {
	switch cfg.Exchange {
	case "paper":
		return &PaperAdapter{
			FillPrice:   cfg.PaperFillPrice,
			Fee:         cfg.PaperFee,
			SlippagePct: cfg.PaperSlippagePct,
		}, nil
	case "binance":
		return newVenueAdapter("binance", binanceTakerFeePct, cfg, log), nil
	case "coinbase":
		return newVenueAdapter("coinbase", coinbaseTakerFeePct, cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Exchange)
	}
}

// PaperAdapter always fills at the configured price, adjusted by slippage.
// Slippage works against the order: buys pay more, sells receive less.
type PaperAdapter struct {
	FillPrice   float64
	Fee         float64
	SlippagePct float64
}

func (a *PaperAdapter) Name() string { return "paper" }

func (a *PaperAdapter) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	price := a.FillPrice
	switch req.Side {
	case domain.SideBuy:
		price *= 1 + a.SlippagePct/100
	case domain.SideSell:
		price *= 1 - a.SlippagePct/100
	}

	return &domain.OrderResult{
		Filled:   true,
		OrderID:  req.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    price,
		Notional: price * req.Qty,
		Fee:      a.Fee,
	}, nil
}

// VenueAdapter carries venue credentials and fee schedules for binance and
// coinbase. Order placement is simulated until real connectivity lands, so
// fills behave like paper fills with the venue's taker fee applied.
type VenueAdapter struct {
	name        string
	takerFeePct float64
	apiKey      string
	apiSecret   string
	fillPrice   float64
	slippagePct float64
	log         zerolog.Logger
}

func newVenueAdapter(name string, takerFeePct float64, cfg *config.Config, log zerolog.Logger) *VenueAdapter {
	a := &VenueAdapter{
		name:        name,
		takerFeePct: takerFeePct,
		apiKey:      cfg.ExchangeAPIKey,
		apiSecret:   cfg.ExchangeAPISecret,
		fillPrice:   cfg.PaperFillPrice,
		slippagePct: cfg.PaperSlippagePct,
		log:         log.With().Str("adapter", name).Logger(),
	}
	if a.apiKey == "" || a.apiSecret == "" {
		a.log.Warn().Msg("No venue credentials configured, orders will be simulated")
	}
	return a
}

func (a *VenueAdapter) Name() string { return a.name }

func (a *VenueAdapter) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	price := a.fillPrice
	switch req.Side {
	case domain.SideBuy:
		price *= 1 + a.slippagePct/100
	case domain.SideSell:
		price *= 1 - a.slippagePct/100
	}
	notional := price * req.Qty

	return &domain.OrderResult{
		Filled:   true,
		OrderID:  req.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    price,
		Notional: notional,
		Fee:      notional * a.takerFeePct / 100,
		Raw:      map[string]any{"venue": a.name, "simulated": true},
	}, nil
}
