package api

import (
	"strings"

	"github.com/mosyne/mosyne/internal/risk"
)

// ConservativeFallback serves placeholder answers for risk queries when
// the circuit is open and no cached value exists. It never claims an
// address is safe: unknown data is reported as medium risk with a warn
// recommendation so wallets prompt the user instead of silently allowing.
type ConservativeFallback struct{}

const fallbackScore = 50

func (ConservativeFallback) Fallback(key string) (any, bool) {
	switch {
	case strings.HasPrefix(key, "wallet-risk:"):
		return &WalletRiskResponse{
			Address:   strings.TrimPrefix(key, "wallet-risk:"),
			RiskScore: fallbackScore,
			RiskLevel: risk.Classify(fallbackScore),
			Known:     false,
		}, true
	case strings.HasPrefix(key, "evaluate:"):
		return &risk.Assessment{
			TargetAddress:   strings.TrimPrefix(key, "evaluate:"),
			RiskScore:       fallbackScore,
			RiskLevel:       risk.Classify(fallbackScore),
			Known:           false,
			MatchedPatterns: []risk.MatchedPattern{},
			Recommendation:  "Risk data unavailable. Review transaction details carefully.",
		}, true
	}
	return nil, false
}
