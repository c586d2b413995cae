package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mosyne/mosyne/internal/memory"
)

// DefaultOccurrenceWindow is how many trailing occurrences feed a
// transaction assessment.
const DefaultOccurrenceWindow = 10

// Evaluator reads the behavioral memory and produces risk decisions.
// It holds no state of its own; all data comes through the store.
type Evaluator struct {
	store  memory.Store
	window int
}

// NewEvaluator creates a risk evaluator over the given memory store.
func NewEvaluator(store memory.Store) *Evaluator {
	return &Evaluator{store: store, window: DefaultOccurrenceWindow}
}

// WithWindow overrides the trailing occurrence window.
func (e *Evaluator) WithWindow(n int) *Evaluator {
	if n > 0 {
		e.window = n
	}
	return e
}

// WalletRisk returns the stored risk for an address. Known is false when
// the address has never been observed; callers must not read that as
// "verified safe".
func (e *Evaluator) WalletRisk(ctx context.Context, address string) (score int, known bool, err error) {
	w, err := e.store.GetWalletRisk(ctx, address)
	if errors.Is(err, memory.ErrWalletNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read wallet risk: %w", err)
	}
	return w.RiskScore, true, nil
}

// EvaluatePermissionRisk gates a candidate permission grant on the risk of
// its target.
func (e *Evaluator) EvaluatePermissionRisk(ctx context.Context, user, target string, _ memory.PermissionType) (*PermissionCheck, error) {
	score, known, err := e.WalletRisk(ctx, target)
	if err != nil {
		return nil, err
	}
	level := Classify(score)
	return &PermissionCheck{
		User:      user,
		Target:    target,
		RiskScore: score,
		RiskLevel: level,
		Known:     known,
		Decision:  decisionFor(level),
	}, nil
}

// EvaluateTransaction combines the target's stored risk score with the
// maximum severity among its recent pattern matches. Max, not average: one
// severe historical match must not be diluted by many benign ones.
func (e *Evaluator) EvaluateTransaction(ctx context.Context, target string) (*Assessment, error) {
	score, known, err := e.WalletRisk(ctx, target)
	if err != nil {
		return nil, err
	}

	recent, err := e.store.RecentOccurrences(ctx, target, e.window)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent occurrences: %w", err)
	}

	matched, maxSeverity, err := e.resolvePatterns(ctx, recent)
	if err != nil {
		return nil, err
	}
	if len(matched) > 0 {
		known = true
	}
	if maxSeverity > score {
		score = maxSeverity
	}

	level := Classify(score)
	return &Assessment{
		TargetAddress:   target,
		RiskScore:       score,
		RiskLevel:       level,
		Known:           known,
		MatchedPatterns: matched,
		Recommendation:  recommendationFor(level),
		EvaluatedAt:     time.Now(),
	}, nil
}

// MatchedPatternsFor returns the patterns behind an address's trailing
// occurrences, newest first, deduplicated by hash. limit <= 0 falls back
// to the evaluator's window.
func (e *Evaluator) MatchedPatternsFor(ctx context.Context, address string, limit int) ([]MatchedPattern, error) {
	if limit <= 0 {
		limit = e.window
	}
	recent, err := e.store.RecentOccurrences(ctx, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent occurrences: %w", err)
	}
	matched, _, err := e.resolvePatterns(ctx, recent)
	return matched, err
}

// resolvePatterns maps occurrences to their pattern metadata, deduplicated
// by hash, and returns the maximum severity seen.
func (e *Evaluator) resolvePatterns(ctx context.Context, occurrences []*memory.Occurrence) ([]MatchedPattern, int, error) {
	var matched []MatchedPattern
	maxSeverity := 0
	seen := make(map[string]bool)

	for _, o := range occurrences {
		if o.Severity > maxSeverity {
			maxSeverity = o.Severity
		}
		if seen[o.PatternHash] {
			continue
		}
		seen[o.PatternHash] = true

		p, err := e.store.GetPattern(ctx, o.PatternHash)
		if errors.Is(err, memory.ErrPatternNotFound) {
			// Occurrence outlived its pattern record; keep the severity
			// that was copied at detection time.
			matched = append(matched, MatchedPattern{
				PatternHash: o.PatternHash,
				Severity:    o.Severity,
				LastSeen:    o.Timestamp,
			})
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resolve pattern %s: %w", o.PatternHash, err)
		}
		matched = append(matched, MatchedPattern{
			PatternHash: p.PatternHash,
			Name:        p.Name,
			Severity:    o.Severity,
			Category:    p.Category,
			LastSeen:    p.LastSeen,
		})
	}
	return matched, maxSeverity, nil
}
