package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// seedPattern is one entry in the built-in catalog.
type seedPattern struct {
	name        string
	description string
	severity    int
	category    Category
}

// Well-known exploit signatures every deployment starts with. The hash is
// derived from name+category so repeated seeding is idempotent across
// restarts.
var builtinPatterns = []seedPattern{
	{"Flash Loan Exploit", "Pattern detected in flash loan manipulation attacks", 85, CategoryExploit},
	{"Approval Drain Attack", "Pattern where contracts drain tokens via excessive approvals", 90, CategoryDrain},
	{"Reentrancy Attack", "Classic reentrancy vulnerability exploitation pattern", 88, CategoryExploit},
	{"Rug Pull Pattern", "Liquidity removal and token dump pattern", 95, CategoryRugPull},
	{"MEV Sandwich Attack", "Front-running and back-running transaction pattern", 60, CategoryExploit},
	{"Phishing Contract", "Contract designed to steal user approvals", 92, CategoryDrain},
	{"Governance Attack", "Malicious governance proposal pattern", 75, CategoryGovernance},
	{"Safe Protocol Interaction", "Verified safe interaction with known protocols", 5, CategorySafe},
}

// SeedHash derives the deterministic pattern hash for a catalog entry.
func SeedHash(name string, category Category) string {
	sum := sha256.Sum256([]byte(name + "-" + string(category)))
	return "0x" + hex.EncodeToString(sum[:])
}

// Seed registers the built-in pattern catalog. Already-registered patterns
// are skipped, so Seed is safe to call on every startup.
func Seed(ctx context.Context, store Store, now time.Time) (int, error) {
	registered := 0
	for _, sp := range builtinPatterns {
		err := store.RegisterPattern(ctx, &Pattern{
			PatternHash: SeedHash(sp.name, sp.category),
			Name:        sp.name,
			Description: sp.description,
			Severity:    sp.severity,
			Category:    sp.category,
			FirstSeen:   now,
			LastSeen:    now,
		})
		if errors.Is(err, ErrDuplicatePattern) {
			continue
		}
		if err != nil {
			return registered, fmt.Errorf("failed to seed pattern %q: %w", sp.name, err)
		}
		registered++
	}
	return registered, nil
}
