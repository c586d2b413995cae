// Package risk translates stored behavioral memory into signing-time
// decisions: a wallet's risk level, whether a permission grant is safe,
// and the combined risk of a candidate transaction.
package risk

import (
	"time"

	"github.com/mosyne/mosyne/internal/memory"
)

// Level buckets a 0-100 risk score.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Classification thresholds. Every consumer (permission gating,
// transaction analysis, statistics) classifies through these constants;
// changing them changes the policy everywhere at once.
const (
	HighThreshold   = 70
	MediumThreshold = 40
)

// Classify buckets a risk score using the shared thresholds.
func Classify(score int) Level {
	switch {
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Decision is the evaluator's verdict on a candidate operation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionBlock Decision = "block"
)

// decisionFor maps a risk level to a gate decision.
func decisionFor(level Level) Decision {
	switch level {
	case LevelHigh:
		return DecisionBlock
	case LevelMedium:
		return DecisionWarn
	default:
		return DecisionAllow
	}
}

// MatchedPattern describes one behavioral pattern that contributed to an
// assessment.
type MatchedPattern struct {
	PatternHash string          `json:"patternHash"`
	Name        string          `json:"name"`
	Severity    int             `json:"severity"`
	Category    memory.Category `json:"category"`
	LastSeen    time.Time       `json:"lastSeen"`
}

// Assessment is the result of evaluating a transaction target.
type Assessment struct {
	TargetAddress   string           `json:"targetAddress"`
	RiskScore       int              `json:"riskScore"`
	RiskLevel       Level            `json:"riskLevel"`
	Known           bool             `json:"known"` // false: address never observed
	MatchedPatterns []MatchedPattern `json:"matchedPatterns"`
	Recommendation  string           `json:"recommendation"`
	EvaluatedAt     time.Time        `json:"evaluatedAt"`
}

// PermissionCheck is the result of gating a candidate permission grant.
type PermissionCheck struct {
	User      string   `json:"user"`
	Target    string   `json:"target"`
	RiskScore int      `json:"riskScore"`
	RiskLevel Level    `json:"riskLevel"`
	Known     bool     `json:"known"`
	Decision  Decision `json:"decision"`
}

// recommendationFor mirrors the wording shown to users at signing time.
func recommendationFor(level Level) string {
	switch level {
	case LevelHigh:
		return "High risk transaction. Consider canceling."
	case LevelMedium:
		return "Medium risk. Review transaction details carefully."
	default:
		return "Low risk transaction."
	}
}
