package analyst

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/pkg/formulas"
)

// Strategy turns a price window into a trade signal.
type Strategy interface {
	Name() string
	Analyze(symbol string, prices []float64) (side string, confidence float64)
}

// NewStrategy builds the strategy selected by name.
func NewStrategy(name string, log zerolog.Logger) (Strategy, error) {
	switch name {
	case "static":
		return StaticStrategy{}, nil
	case "technical":
		return &TechnicalStrategy{
			log: log.With().Str("strategy", "technical").Logger(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
}

// StaticStrategy always recommends the same trade. Useful for wiring tests
// and as a deterministic baseline.
type StaticStrategy struct{}

func (StaticStrategy) Name() string { return "static" }

func (StaticStrategy) Analyze(string, []float64) (string, float64) {
	return domain.SideBuy, 0.7
}

// Technical indicator periods.
const (
	rsiPeriod     = 14
	smaFastPeriod = 5
	smaSlowPeriod = 20
)

// TechnicalStrategy derives side and confidence from RSI and moving-average
// crossover. Oversold RSI forces a buy, overbought forces a sell, otherwise
// the fast/slow SMA trend decides. Confidence scales with how far RSI sits
// from neutral, with a bonus when the trend agrees.
type TechnicalStrategy struct {
	log zerolog.Logger
}

func (s *TechnicalStrategy) Name() string { return "technical" }

func (s *TechnicalStrategy) Analyze(symbol string, prices []float64) (string, float64) {
	rsi := formulas.CalculateRSI(prices, rsiPeriod)
	fast := formulas.CalculateSMA(prices, smaFastPeriod)
	slow := formulas.CalculateSMA(prices, smaSlowPeriod)

	if rsi == nil || fast == nil || slow == nil {
		s.log.Debug().Str("symbol", symbol).Int("points", len(prices)).
			Msg("Insufficient data, returning neutral signal")
		return domain.SideBuy, 0.5
	}

	trendUp := *fast >= *slow

	var side string
	switch {
	case *rsi <= 30:
		side = domain.SideBuy
	case *rsi >= 70:
		side = domain.SideSell
	case trendUp:
		side = domain.SideBuy
	default:
		side = domain.SideSell
	}

	strength := math.Abs(*rsi-50) / 50
	confidence := 0.45 + 0.4*strength
	if (side == domain.SideBuy) == trendUp {
		confidence += 0.1
	}
	confidence = math.Max(0.05, math.Min(0.95, confidence))

	s.log.Debug().Str("symbol", symbol).Str("side", side).
		Float64("rsi", *rsi).Float64("sma_fast", *fast).Float64("sma_slow", *slow).
		Float64("confidence", confidence).Msg("Technical signal computed")

	return side, confidence
}
