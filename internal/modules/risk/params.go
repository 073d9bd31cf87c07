// Package risk evaluates trade signals against the active risk parameters:
// trading window, blocked sides and confidence thresholds.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/broker"
)

// ParamsKey is the KV key the optimizer publishes active parameters under.
const ParamsKey = "optimizer:active_params"

// Store is the slice of the KV client the parameter loader needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Params are the evaluation inputs. Pointer fields are absent when nil.
type Params struct {
	MinConfidence    float64  `json:"minConfidence"`
	RiskLimit        *float64 `json:"riskLimit,omitempty"`
	BlockSides       []string `json:"blockSides,omitempty"`
	TradingStartHour *int     `json:"tradingStartHour,omitempty"`
	TradingEndHour   *int     `json:"tradingEndHour,omitempty"`
}

// Defaults returns the parameters used when none are published.
func Defaults() Params {
	return Params{MinConfidence: 0.6}
}

// ParseParams decodes a published parameter document, filling absent fields
// with defaults. Decode failures return defaults alongside the error.
func ParseParams(raw string) (Params, error) {
	var doc struct {
		MinConfidence    *float64 `json:"minConfidence"`
		RiskLimit        *float64 `json:"riskLimit"`
		BlockSides       []string `json:"blockSides"`
		TradingStartHour *int     `json:"tradingStartHour"`
		TradingEndHour   *int     `json:"tradingEndHour"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Defaults(), err
	}

	p := Defaults()
	if doc.MinConfidence != nil {
		p.MinConfidence = *doc.MinConfidence
	}
	p.RiskLimit = doc.RiskLimit
	p.BlockSides = doc.BlockSides
	p.TradingStartHour = doc.TradingStartHour
	p.TradingEndHour = doc.TradingEndHour
	return p, nil
}

// LoadParams reads the active parameters. They are re-read for every
// message, never cached, so an optimizer update applies to the next
// evaluation. Absent or unreadable documents fall back to defaults.
func LoadParams(ctx context.Context, store Store, log zerolog.Logger) Params {
	raw, err := store.Get(ctx, ParamsKey)
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to read active params, using defaults")
		}
		return Defaults()
	}

	p, err := ParseParams(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Active params not decodable, using defaults")
	}
	return p
}

// PublishParams stores a parameter document for subsequent evaluations.
func PublishParams(ctx context.Context, store Store, p Params) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return store.Set(ctx, ParamsKey, string(raw), 0)
}
