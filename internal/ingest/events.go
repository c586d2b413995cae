// Package ingest applies on-chain memory events to the store.
//
// The Ingestor is the sole writer: events arrive on an ordered channel and
// are applied one at a time, which gives per-key ordering for free. The
// ChainWatcher feeds that channel by polling contract logs.
package ingest

import (
	"fmt"
	"time"
)

// Event is one domain event emitted by the memory contracts.
type Event interface {
	// Kind names the event for logs and metrics.
	Kind() string
	// Key is the entity the event mutates. Events sharing a key must be
	// applied in emission order.
	Key() string
}

// PatternRegistered announces a new behavioral pattern.
type PatternRegistered struct {
	PatternHash string    `json:"patternHash"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Severity    int       `json:"severity"`
	Category    string    `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e PatternRegistered) Kind() string { return "pattern_registered" }
func (e PatternRegistered) Key() string  { return e.PatternHash }

// OccurrenceDetected reports one instance of a pattern against an address.
type OccurrenceDetected struct {
	PatternHash     string    `json:"patternHash"`
	DetectedAddress string    `json:"detectedAddress"`
	TxRef           string    `json:"txRef"`
	LogIndex        uint      `json:"logIndex"`
	BlockNumber     uint64    `json:"blockNumber"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e OccurrenceDetected) Kind() string { return "pattern_occurrence" }
func (e OccurrenceDetected) Key() string  { return e.PatternHash }

// ID returns the occurrence idempotency key.
func (e OccurrenceDetected) ID() string {
	return fmt.Sprintf("%s-%s-%d", e.PatternHash, e.TxRef, e.LogIndex)
}

// PatternDeactivated retires a pattern from matching.
type PatternDeactivated struct {
	PatternHash string    `json:"patternHash"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e PatternDeactivated) Kind() string { return "pattern_deactivated" }
func (e PatternDeactivated) Key() string  { return e.PatternHash }

// RiskScoreUpdated replaces a wallet's risk score.
type RiskScoreUpdated struct {
	Address   string    `json:"address"`
	RiskScore int       `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RiskScoreUpdated) Kind() string { return "risk_score_updated" }
func (e RiskScoreUpdated) Key() string  { return e.Address }

// RiskDataUpdated updates a wallet's transaction counters.
type RiskDataUpdated struct {
	Address             string    `json:"address"`
	TotalTransactions   int64     `json:"totalTransactions"`
	FlaggedTransactions int64     `json:"flaggedTransactions"`
	Timestamp           time.Time `json:"timestamp"`
}

func (e RiskDataUpdated) Kind() string { return "risk_data_updated" }
func (e RiskDataUpdated) Key() string  { return e.Address }

// PermissionGranted records a capability grant from user to target.
type PermissionGranted struct {
	PermissionHash string     `json:"permissionHash"`
	User           string     `json:"user"`
	Target         string     `json:"target"`
	TypeCode       int        `json:"permissionType"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	Timestamp      time.Time  `json:"timestamp"`
}

func (e PermissionGranted) Kind() string { return "permission_granted" }
func (e PermissionGranted) Key() string  { return e.PermissionHash }

// PermissionRevoked deactivates a previously granted permission.
type PermissionRevoked struct {
	PermissionHash string    `json:"permissionHash"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e PermissionRevoked) Kind() string { return "permission_revoked" }
func (e PermissionRevoked) Key() string  { return e.PermissionHash }
