package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mosyne/mosyne/internal/syncutil"
)

// MemoryStore is a thread-safe in-memory implementation of Store.
// Used when DATABASE_URL is not set, and throughout the test suite.
//
// Write operations serialize per entity key through a sharded mutex so
// that independent keys mutate concurrently while read-modify-write
// sequences on the same key never interleave. Readers take the table
// RWMutex only long enough to copy a snapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	locks syncutil.ShardedMutex

	patterns    map[string]*Pattern     // patternHash -> pattern
	occurrences map[string]*Occurrence  // composite ID -> occurrence
	byAddress   map[string][]*Occurrence
	byPattern   map[string][]*Occurrence
	wallets     map[string]*WalletRisk  // address -> risk
	history     map[string][]*RiskSnapshot
	permissions map[string]*Permission  // permissionHash -> permission
	byUser      map[string][]string     // user -> permission hashes
}

// NewMemoryStore creates an empty in-memory behavioral memory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns:    make(map[string]*Pattern),
		occurrences: make(map[string]*Occurrence),
		byAddress:   make(map[string][]*Occurrence),
		byPattern:   make(map[string][]*Occurrence),
		wallets:     make(map[string]*WalletRisk),
		history:     make(map[string][]*RiskSnapshot),
		permissions: make(map[string]*Permission),
		byUser:      make(map[string][]string),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

func (s *MemoryStore) RegisterPattern(ctx context.Context, p *Pattern) error {
	if err := validatePattern(p); err != nil {
		return err
	}

	unlock := s.locks.Lock(p.PatternHash)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.patterns[p.PatternHash]; exists {
		return ErrDuplicatePattern
	}

	cp := *p
	cp.OccurrenceCount = 0
	cp.IsActive = true
	if cp.LastSeen.Before(cp.FirstSeen) {
		cp.LastSeen = cp.FirstSeen
	}
	s.patterns[cp.PatternHash] = &cp
	return nil
}

func (s *MemoryStore) RecordOccurrence(ctx context.Context, o *Occurrence) error {
	unlock := s.locks.Lock(o.PatternHash)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[o.PatternHash]
	if !ok {
		return ErrPatternNotFound
	}
	if !p.IsActive {
		return ErrPatternInactive
	}
	if _, dup := s.occurrences[o.ID()]; dup {
		return ErrDuplicateOccurrence
	}

	cp := *o
	cp.Severity = p.Severity
	cp.DetectedAddress = strings.ToLower(cp.DetectedAddress)

	// Occurrence insert and pattern counters move together; both are
	// guarded by the same critical section so readers never observe one
	// without the other.
	s.occurrences[cp.ID()] = &cp
	s.byAddress[cp.DetectedAddress] = append(s.byAddress[cp.DetectedAddress], &cp)
	s.byPattern[cp.PatternHash] = append(s.byPattern[cp.PatternHash], &cp)

	p.OccurrenceCount++
	if cp.Timestamp.After(p.LastSeen) {
		p.LastSeen = cp.Timestamp
	}

	// The target address becomes risk-relevant on its first occurrence.
	s.touchWalletLocked(cp.DetectedAddress, cp.PatternHash, cp.Timestamp)
	return nil
}

// touchWalletLocked lazily creates the wallet record and adds the pattern
// hash to its threat set. Caller must hold s.mu.
func (s *MemoryStore) touchWalletLocked(address, patternHash string, ts time.Time) {
	w, ok := s.wallets[address]
	if !ok {
		w = &WalletRisk{Address: address}
		s.wallets[address] = w
	}
	for _, h := range w.ThreatPatternHashes {
		if h == patternHash {
			if ts.After(w.LastActivity) {
				w.LastActivity = ts
			}
			return
		}
	}
	w.ThreatPatternHashes = append(w.ThreatPatternHashes, patternHash)
	if ts.After(w.LastActivity) {
		w.LastActivity = ts
	}
}

func (s *MemoryStore) DeactivatePattern(ctx context.Context, hash string, ts time.Time) error {
	unlock := s.locks.Lock(hash)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[hash]
	if !ok {
		return ErrPatternNotFound
	}
	if !p.IsActive {
		// Double-deactivation means the event stream delivered the same
		// event twice; surface it instead of hiding the bug.
		return ErrPatternInactive
	}
	p.IsActive = false
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	return nil
}

func (s *MemoryStore) UpsertWalletRisk(ctx context.Context, u WalletRiskUpdate) error {
	address := strings.ToLower(u.Address)

	unlock := s.locks.Lock(address)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[address]
	if !ok {
		w = &WalletRisk{Address: address}
	}

	// Validate merged values before touching stored state.
	if u.RiskScore != nil && (*u.RiskScore < 0 || *u.RiskScore > 100) {
		return ErrInvalidRiskScore
	}
	total := w.TotalTransactions
	flagged := w.FlaggedTransactions
	if u.TotalTransactions != nil {
		total = *u.TotalTransactions
	}
	if u.FlaggedTransactions != nil {
		flagged = *u.FlaggedTransactions
	}
	if flagged > total {
		return ErrFlaggedExceedsTotal
	}

	w.TotalTransactions = total
	w.FlaggedTransactions = flagged
	if u.RiskScore != nil {
		w.RiskScore = *u.RiskScore
		s.history[address] = append(s.history[address], &RiskSnapshot{
			Address:   address,
			RiskScore: *u.RiskScore,
			Timestamp: u.Timestamp,
		})
	}
	if u.ThreatPatternHash != "" {
		found := false
		for _, h := range w.ThreatPatternHashes {
			if h == u.ThreatPatternHash {
				found = true
				break
			}
		}
		if !found {
			w.ThreatPatternHashes = append(w.ThreatPatternHashes, u.ThreatPatternHash)
		}
	}
	if u.Timestamp.After(w.LastUpdate) {
		w.LastUpdate = u.Timestamp
	}
	if u.Timestamp.After(w.LastActivity) {
		w.LastActivity = u.Timestamp
	}

	s.wallets[address] = w
	return nil
}

func (s *MemoryStore) GrantPermission(ctx context.Context, p *Permission) error {
	if err := validatePermission(p); err != nil {
		return err
	}

	unlock := s.locks.Lock(p.PermissionHash)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.permissions[p.PermissionHash]; ok && existing.IsActive {
		return ErrDuplicatePermission
	}

	cp := *p
	cp.User = strings.ToLower(cp.User)
	cp.Target = strings.ToLower(cp.Target)
	cp.IsActive = true
	cp.RevokedAt = nil
	cp.RevokeReason = ""

	if _, seen := s.permissions[cp.PermissionHash]; !seen {
		s.byUser[cp.User] = append(s.byUser[cp.User], cp.PermissionHash)
	}
	s.permissions[cp.PermissionHash] = &cp
	return nil
}

func (s *MemoryStore) RevokePermission(ctx context.Context, hash, reason string, ts time.Time) error {
	unlock := s.locks.Lock(hash)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.permissions[hash]
	if !ok {
		return ErrPermissionNotFound
	}
	if !p.IsActive {
		return ErrAlreadyRevoked
	}
	p.IsActive = false
	revokedAt := ts
	p.RevokedAt = &revokedAt
	p.RevokeReason = reason
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (s *MemoryStore) GetPattern(ctx context.Context, hash string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[hash]
	if !ok {
		return nil, ErrPatternNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPatterns(ctx context.Context, limit int) ([]*Pattern, error) {
	s.mu.RLock()
	result := make([]*Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if !p.IsActive {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	// Most recently seen first, matching the dashboard ordering.
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetWalletRisk(ctx context.Context, address string) (*WalletRisk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[strings.ToLower(address)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	cp.ThreatPatternHashes = append([]string(nil), w.ThreatPatternHashes...)
	return &cp, nil
}

func (s *MemoryStore) ListActivePermissions(ctx context.Context, user string, now time.Time) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Permission
	for _, hash := range s.byUser[strings.ToLower(user)] {
		p := s.permissions[hash]
		if p == nil || !p.IsActive || p.Expired(now) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].GrantedAt.After(result[j].GrantedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListOccurrences(ctx context.Context, address string, from, to time.Time) ([]*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Occurrence
	for _, o := range s.byAddress[strings.ToLower(address)] {
		if o.Timestamp.Before(from) || o.Timestamp.After(to) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sortOccurrences(result)
	return result, nil
}

func (s *MemoryStore) ListOccurrencesByPattern(ctx context.Context, hash string, limit int) ([]*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byPattern[hash]
	result := make([]*Occurrence, 0, len(all))
	for _, o := range all {
		cp := *o
		result = append(result, &cp)
	}
	sortOccurrences(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RecentOccurrences(ctx context.Context, address string, limit int) ([]*Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byAddress[strings.ToLower(address)]
	result := make([]*Occurrence, 0, len(all))
	for _, o := range all {
		cp := *o
		result = append(result, &cp)
	}
	// Most recent first for the trailing-window risk check.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RiskHistory(ctx context.Context, address string, from, to time.Time) ([]*RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RiskSnapshot
	for _, snap := range s.history[strings.ToLower(address)] {
		if snap.Timestamp.Before(from) || snap.Timestamp.After(to) {
			continue
		}
		cp := *snap
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{PatternsByCategory: make(map[Category]int64)}
	for _, p := range s.patterns {
		stats.TotalPatterns++
		if p.IsActive {
			stats.ActivePatterns++
		}
		stats.PatternsByCategory[p.Category]++
	}
	stats.TotalOccurrences = int64(len(s.occurrences))
	for _, w := range s.wallets {
		if w.RiskScore >= 70 {
			stats.HighRiskWallets++
		}
	}
	now := time.Now()
	for _, p := range s.permissions {
		if p.IsActive && !p.Expired(now) {
			stats.ActivePermissions++
		}
	}
	return stats, nil
}

// sortOccurrences orders occurrences by timestamp ascending, breaking ties
// by composite ID so repeated queries over the same window are stable.
func sortOccurrences(occ []*Occurrence) {
	sort.Slice(occ, func(i, j int) bool {
		if occ[i].Timestamp.Equal(occ[j].Timestamp) {
			return occ[i].ID() < occ[j].ID()
		}
		return occ[i].Timestamp.Before(occ[j].Timestamp)
	})
}
