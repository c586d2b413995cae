// Package memory implements the behavioral memory store.
//
// Four append-only, event-driven entities make up the collective memory:
//  1. Patterns: named behavioral signatures with a severity score
//  2. Occurrences: one observation of a pattern against an address
//  3. Wallet risk: aggregate risk profile per address
//  4. Permissions: capability grants gated by target risk
//
// The store is the sole owner of all four tables and enforces every
// invariant at the write path. Readers get immutable snapshots.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicatePattern    = errors.New("pattern hash already registered")
	ErrInvalidSeverity     = errors.New("severity must be between 0 and 100")
	ErrPatternNotFound     = errors.New("pattern not found")
	ErrPatternInactive     = errors.New("pattern is not active")
	ErrDuplicateOccurrence = errors.New("occurrence already recorded")
	ErrInvalidRiskScore    = errors.New("risk score must be between 0 and 100")
	ErrFlaggedExceedsTotal = errors.New("flagged transactions exceed total transactions")
	ErrDuplicatePermission = errors.New("permission hash already active")
	ErrInvalidExpiry       = errors.New("expiry must be after grant time")
	ErrPermissionNotFound  = errors.New("permission not found")
	ErrAlreadyRevoked      = errors.New("permission already revoked")
	ErrWalletNotFound      = errors.New("wallet not found")
)

// Category classifies a behavioral pattern.
type Category string

const (
	CategoryExploit    Category = "exploit"
	CategoryRugPull    Category = "rug_pull"
	CategoryDrain      Category = "drain"
	CategoryGovernance Category = "governance"
	CategorySafe       Category = "safe"
	CategoryCustom     Category = "custom"
)

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryExploit, CategoryRugPull, CategoryDrain, CategoryGovernance, CategorySafe, CategoryCustom:
		return true
	}
	return false
}

// Pattern is a named behavioral signature registered in the memory.
type Pattern struct {
	PatternHash     string    `json:"patternHash"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Severity        int       `json:"severity"` // 0-100
	Category        Category  `json:"category"`
	OccurrenceCount int64     `json:"occurrenceCount"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	IsActive        bool      `json:"isActive"`
}

// Occurrence is one observed instance of a pattern against an address.
// Immutable once recorded; identity is (PatternHash, TxRef, LogIndex).
type Occurrence struct {
	PatternHash     string    `json:"patternHash"`
	TxRef           string    `json:"txRef"`
	LogIndex        uint      `json:"logIndex"`
	DetectedAddress string    `json:"detectedAddress"`
	BlockNumber     uint64    `json:"blockNumber"`
	Severity        int       `json:"severity"` // copied from pattern at detection time
	Timestamp       time.Time `json:"timestamp"`
}

// ID returns the composite idempotency key for the occurrence.
func (o *Occurrence) ID() string {
	return fmt.Sprintf("%s-%s-%d", o.PatternHash, o.TxRef, o.LogIndex)
}

// WalletRisk is the aggregate risk profile for an address.
type WalletRisk struct {
	Address             string    `json:"address"`
	RiskScore           int       `json:"riskScore"` // 0-100
	TotalTransactions   int64     `json:"totalTransactions"`
	FlaggedTransactions int64     `json:"flaggedTransactions"`
	LastUpdate          time.Time `json:"lastUpdate"`
	LastActivity        time.Time `json:"lastActivity"`
	ThreatPatternHashes []string  `json:"threatPatternHashes"`
}

// RiskSnapshot records one historical risk score observation for an address.
// Snapshots are what make the behavioral sequence query possible: they are
// appended on every score change and never rewritten.
type RiskSnapshot struct {
	Address   string    `json:"address"`
	RiskScore int       `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`
}

// WalletRiskUpdate carries a partial wallet risk mutation. Nil fields are
// left untouched on merge; the record is created on first write.
type WalletRiskUpdate struct {
	Address             string
	RiskScore           *int
	TotalTransactions   *int64
	FlaggedTransactions *int64
	ThreatPatternHash   string // non-empty: added to the threat set
	Timestamp           time.Time
}

// PermissionType classifies a capability grant.
type PermissionType string

const (
	PermissionApprove     PermissionType = "APPROVE"
	PermissionPermit      PermissionType = "PERMIT"
	PermissionSetApproval PermissionType = "SET_APPROVAL"
	PermissionCustom      PermissionType = "CUSTOM"
)

// PermissionTypeFromCode maps the on-chain enum ordinal to a type name.
func PermissionTypeFromCode(code uint8) PermissionType {
	switch code {
	case 0:
		return PermissionApprove
	case 1:
		return PermissionPermit
	case 2:
		return PermissionSetApproval
	default:
		return PermissionCustom
	}
}

// Permission is a grant from a user to a target for a specific capability.
type Permission struct {
	PermissionHash string         `json:"permissionHash"`
	User           string         `json:"user"`
	Target         string         `json:"target"`
	Type           PermissionType `json:"permissionType"`
	IsActive       bool           `json:"isActive"`
	GrantedAt      time.Time      `json:"grantedAt"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
	RevokedAt      *time.Time     `json:"revokedAt,omitempty"`
	RevokeReason   string         `json:"revokeReason,omitempty"`
}

// Expired reports whether the permission has passed its expiry without an
// explicit revoke. Derived state, never stored.
func (p *Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Stats aggregates memory-wide counts for the statistics endpoint.
type Stats struct {
	TotalPatterns      int64            `json:"totalPatterns"`
	ActivePatterns     int64            `json:"activePatterns"`
	PatternsByCategory map[Category]int64 `json:"patternsByCategory"`
	TotalOccurrences   int64            `json:"totalOccurrences"`
	HighRiskWallets    int64            `json:"highRiskWallets"` // riskScore >= 70
	ActivePermissions  int64            `json:"activePermissions"`
}

// Store defines the persistence interface for the behavioral memory.
type Store interface {
	// Mutations (invariant-enforcing, per-key exclusive)
	RegisterPattern(ctx context.Context, p *Pattern) error
	RecordOccurrence(ctx context.Context, o *Occurrence) error
	DeactivatePattern(ctx context.Context, hash string, ts time.Time) error
	UpsertWalletRisk(ctx context.Context, u WalletRiskUpdate) error
	GrantPermission(ctx context.Context, p *Permission) error
	RevokePermission(ctx context.Context, hash, reason string, ts time.Time) error

	// Reads (immutable snapshots, never block writers)
	GetPattern(ctx context.Context, hash string) (*Pattern, error)
	ListPatterns(ctx context.Context, limit int) ([]*Pattern, error)
	GetWalletRisk(ctx context.Context, address string) (*WalletRisk, error)
	ListActivePermissions(ctx context.Context, user string, now time.Time) ([]*Permission, error)
	ListOccurrences(ctx context.Context, address string, from, to time.Time) ([]*Occurrence, error)
	// ListOccurrencesByPattern returns occurrences for a pattern in
	// chronological order. limit <= 0 means no limit; correlation
	// queries depend on seeing the full history.
	ListOccurrencesByPattern(ctx context.Context, hash string, limit int) ([]*Occurrence, error)
	RecentOccurrences(ctx context.Context, address string, limit int) ([]*Occurrence, error)
	RiskHistory(ctx context.Context, address string, from, to time.Time) ([]*RiskSnapshot, error)
	GetStats(ctx context.Context) (*Stats, error)
}

// validatePattern checks registration-time invariants shared by both stores.
// Unknown categories are coerced to custom rather than rejected so that new
// on-chain category values do not stall the event stream.
func validatePattern(p *Pattern) error {
	if p.Severity < 0 || p.Severity > 100 {
		return ErrInvalidSeverity
	}
	if !p.Category.Valid() {
		p.Category = CategoryCustom
	}
	return nil
}

// validatePermission checks grant-time invariants shared by both stores.
func validatePermission(p *Permission) error {
	if p.ExpiresAt != nil && !p.ExpiresAt.After(p.GrantedAt) {
		return ErrInvalidExpiry
	}
	return nil
}
