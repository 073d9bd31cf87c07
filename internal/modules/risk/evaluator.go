package risk

import (
	"strings"
	"time"

	"github.com/aristath/pitboss/internal/domain"
)

// Rejection reasons, ordered by evaluation precedence.
const (
	ReasonOutsideWindow = "outside_window"
	ReasonBlockedSide   = "blocked_side"
	ReasonRiskLimit     = "risk_limit"
	ReasonLowConfidence = "low_confidence"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	OK     bool
	Reason string // empty when OK
}

// Evaluate applies the rules in fixed precedence: trading window, blocked
// side, confidence threshold. The first violated rule names the reason.
func Evaluate(req domain.RiskRequest, p Params, at time.Time) Decision {
	if p.TradingStartHour != nil && p.TradingEndHour != nil {
		if !insideWindow(at.UTC().Hour(), *p.TradingStartHour, *p.TradingEndHour) {
			return Decision{Reason: ReasonOutsideWindow}
		}
	}

	side := strings.ToLower(req.Side)
	for _, blocked := range p.BlockSides {
		if strings.ToLower(blocked) == side {
			return Decision{Reason: ReasonBlockedSide}
		}
	}

	threshold := p.MinConfidence
	riskCut := 0.0
	if p.RiskLimit != nil {
		riskCut = 1 - clamp01(*p.RiskLimit)
		if riskCut > threshold {
			threshold = riskCut
		}
	}
	if req.Confidence < threshold {
		// risk_limit names the rejection only when the limit alone would
		// have rejected; otherwise the floor did.
		if p.RiskLimit != nil && riskCut >= p.MinConfidence && req.Confidence < riskCut {
			return Decision{Reason: ReasonRiskLimit}
		}
		return Decision{Reason: ReasonLowConfidence}
	}

	return Decision{OK: true}
}

// insideWindow reports whether hour h falls in [start, end), wrapping past
// midnight when start > end.
func insideWindow(h, start, end int) bool {
	if start > end {
		return h >= start || h < end
	}
	return h >= start && h < end
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
