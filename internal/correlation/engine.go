// Package correlation answers questions the point-read API cannot: it scans
// and joins the occurrence log and risk history across time and across
// addresses. All queries are read-only and restartable; the same window
// always yields the same answer.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mosyne/mosyne/internal/memory"
)

// Engine runs correlation queries over a memory store.
type Engine struct {
	store memory.Store
	now   func() time.Time
}

func NewEngine(store memory.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// SequenceEntry is one step in an address's behavioral timeline: either a
// pattern occurrence or a risk score snapshot.
type SequenceEntry struct {
	Kind       string               `json:"kind"` // "occurrence" or "risk_snapshot"
	Timestamp  time.Time            `json:"timestamp"`
	Occurrence *memory.Occurrence   `json:"occurrence,omitempty"`
	Snapshot   *memory.RiskSnapshot `json:"snapshot,omitempty"`
}

const (
	KindOccurrence   = "occurrence"
	KindRiskSnapshot = "risk_snapshot"
)

// BehavioralSequence reconstructs what happened to an address, and in what
// order, over a time window. Occurrences and risk snapshots are merged into
// a single timeline sorted by timestamp.
func (e *Engine) BehavioralSequence(ctx context.Context, address string, from, to time.Time) ([]SequenceEntry, error) {
	occurrences, err := e.store.ListOccurrences(ctx, address, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	snapshots, err := e.store.RiskHistory(ctx, address, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk history: %w", err)
	}

	entries := make([]SequenceEntry, 0, len(occurrences)+len(snapshots))
	for _, o := range occurrences {
		entries = append(entries, SequenceEntry{Kind: KindOccurrence, Timestamp: o.Timestamp, Occurrence: o})
	}
	for _, s := range snapshots {
		entries = append(entries, SequenceEntry{Kind: KindRiskSnapshot, Timestamp: s.Timestamp, Snapshot: s})
	}
	// Occurrences sort before snapshots on equal timestamps so that a score
	// change caused by an occurrence reads in cause-then-effect order.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Kind == KindOccurrence && entries[j].Kind == KindRiskSnapshot
	})
	return entries, nil
}

// CorrelatedAddress is one address that repeatedly triggered a pattern.
type CorrelatedAddress struct {
	Address     string `json:"address"`
	Occurrences int    `json:"occurrences"`
	RiskScore   int    `json:"riskScore"`
	Known       bool   `json:"known"`
}

// PatternCorrelation finds every address that triggered the pattern at least
// minOccurrences times, with each address's current risk score. This is the
// cross-address generalization step: one wallet's bad experience flags the
// counterparty for everyone else.
func (e *Engine) PatternCorrelation(ctx context.Context, patternHash string, minOccurrences int) ([]CorrelatedAddress, error) {
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	if _, err := e.store.GetPattern(ctx, patternHash); err != nil {
		return nil, err
	}
	occurrences, err := e.store.ListOccurrencesByPattern(ctx, patternHash, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern occurrences: %w", err)
	}

	counts := make(map[string]int)
	for _, o := range occurrences {
		counts[o.DetectedAddress]++
	}

	result := make([]CorrelatedAddress, 0, len(counts))
	for address, n := range counts {
		if n < minOccurrences {
			continue
		}
		entry := CorrelatedAddress{Address: address, Occurrences: n}
		w, err := e.store.GetWalletRisk(ctx, address)
		switch {
		case errors.Is(err, memory.ErrWalletNotFound):
			// No risk record yet; report the address with a zero score.
		case err != nil:
			return nil, fmt.Errorf("failed to read wallet risk for %s: %w", address, err)
		default:
			entry.RiskScore = w.RiskScore
			entry.Known = true
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Occurrences != result[j].Occurrences {
			return result[i].Occurrences > result[j].Occurrences
		}
		return result[i].Address < result[j].Address
	})
	return result, nil
}

// EvolutionBucket is one fixed-size time window and its occurrence count.
type EvolutionBucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// PatternEvolution buckets a pattern's occurrences into numWindows
// fixed-size windows counting back from now, oldest first. An accelerating
// histogram means an exploit campaign is picking up speed.
func (e *Engine) PatternEvolution(ctx context.Context, patternHash string, windowSize time.Duration, numWindows int) ([]EvolutionBucket, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", windowSize)
	}
	if numWindows < 1 {
		return nil, fmt.Errorf("window count must be positive, got %d", numWindows)
	}
	if _, err := e.store.GetPattern(ctx, patternHash); err != nil {
		return nil, err
	}

	end := e.now()
	start := end.Add(-time.Duration(numWindows) * windowSize)
	occurrences, err := e.store.ListOccurrencesByPattern(ctx, patternHash, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern occurrences: %w", err)
	}

	buckets := make([]EvolutionBucket, numWindows)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * windowSize)
		buckets[i].End = buckets[i].Start.Add(windowSize)
	}
	for _, o := range occurrences {
		if o.Timestamp.Before(start) || !o.Timestamp.Before(end) {
			continue
		}
		i := int(o.Timestamp.Sub(start) / windowSize)
		if i >= numWindows {
			i = numWindows - 1
		}
		buckets[i].Count++
	}
	return buckets, nil
}
