package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the behavioral memory in PostgreSQL.
// Invariants enforced in Go mirror the table CHECK constraints so that a
// direct write path and a migration-seeded database agree.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed memory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Migrate creates the memory tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS patterns (
			pattern_hash     TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			severity         INT NOT NULL CHECK (severity >= 0 AND severity <= 100),
			category         TEXT NOT NULL,
			occurrence_count BIGINT NOT NULL DEFAULT 0 CHECK (occurrence_count >= 0),
			first_seen       TIMESTAMPTZ NOT NULL,
			last_seen        TIMESTAMPTZ NOT NULL,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			CHECK (last_seen >= first_seen)
		);

		CREATE TABLE IF NOT EXISTS occurrences (
			pattern_hash     TEXT NOT NULL REFERENCES patterns (pattern_hash),
			tx_ref           TEXT NOT NULL,
			log_index        BIGINT NOT NULL,
			detected_address TEXT NOT NULL,
			block_number     BIGINT NOT NULL,
			severity         INT NOT NULL,
			occurred_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (pattern_hash, tx_ref, log_index)
		);

		CREATE INDEX IF NOT EXISTS idx_occurrences_address
			ON occurrences (detected_address, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_occurrences_pattern
			ON occurrences (pattern_hash, occurred_at);

		CREATE TABLE IF NOT EXISTS wallet_risk (
			address              TEXT PRIMARY KEY,
			risk_score           INT NOT NULL DEFAULT 0 CHECK (risk_score >= 0 AND risk_score <= 100),
			total_transactions   BIGINT NOT NULL DEFAULT 0,
			flagged_transactions BIGINT NOT NULL DEFAULT 0,
			last_update          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			threat_patterns      TEXT[] NOT NULL DEFAULT '{}',
			CHECK (flagged_transactions <= total_transactions)
		);

		CREATE TABLE IF NOT EXISTS risk_snapshots (
			id         BIGSERIAL PRIMARY KEY,
			address    TEXT NOT NULL,
			risk_score INT NOT NULL,
			taken_at   TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_snapshots_address
			ON risk_snapshots (address, taken_at);

		CREATE TABLE IF NOT EXISTS permissions (
			permission_hash TEXT PRIMARY KEY,
			grantee         TEXT NOT NULL,
			target          TEXT NOT NULL,
			permission_type TEXT NOT NULL,
			is_active       BOOLEAN NOT NULL DEFAULT TRUE,
			granted_at      TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ,
			revoked_at      TIMESTAMPTZ,
			revoke_reason   TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_permissions_user
			ON permissions (grantee, granted_at DESC);
	`)
	return err
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

func (s *PostgresStore) RegisterPattern(ctx context.Context, p *Pattern) error {
	if err := validatePattern(p); err != nil {
		return err
	}

	lastSeen := p.LastSeen
	if lastSeen.Before(p.FirstSeen) {
		lastSeen = p.FirstSeen
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (pattern_hash, name, description, severity, category, first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (pattern_hash) DO NOTHING
	`, p.PatternHash, p.Name, p.Description, p.Severity, string(p.Category), p.FirstSeen, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to register pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicatePattern
	}
	return nil
}

func (s *PostgresStore) RecordOccurrence(ctx context.Context, o *Occurrence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin occurrence tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var severity int
	var active bool
	err = tx.QueryRowContext(ctx, `
		SELECT severity, is_active FROM patterns WHERE pattern_hash = $1 FOR UPDATE
	`, o.PatternHash).Scan(&severity, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPatternNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load pattern: %w", err)
	}
	if !active {
		return ErrPatternInactive
	}

	address := strings.ToLower(o.DetectedAddress)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO occurrences (pattern_hash, tx_ref, log_index, detected_address, block_number, severity, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pattern_hash, tx_ref, log_index) DO NOTHING
	`, o.PatternHash, o.TxRef, int64(o.LogIndex), address, int64(o.BlockNumber), severity, o.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert occurrence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateOccurrence
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE patterns
		SET occurrence_count = occurrence_count + 1,
		    last_seen = GREATEST(last_seen, $2)
		WHERE pattern_hash = $1
	`, o.PatternHash, o.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to bump pattern counters: %w", err)
	}

	// First occurrence makes the target address risk-relevant.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_risk (address, last_update, last_activity, threat_patterns)
		VALUES ($1, $2, $2, ARRAY[$3])
		ON CONFLICT (address) DO UPDATE SET
			last_activity = GREATEST(wallet_risk.last_activity, EXCLUDED.last_activity),
			threat_patterns = CASE
				WHEN $3 = ANY (wallet_risk.threat_patterns) THEN wallet_risk.threat_patterns
				ELSE array_append(wallet_risk.threat_patterns, $3)
			END
	`, address, o.Timestamp, o.PatternHash)
	if err != nil {
		return fmt.Errorf("failed to update wallet threat set: %w", err)
	}

	o.Severity = severity
	return tx.Commit()
}

func (s *PostgresStore) DeactivatePattern(ctx context.Context, hash string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE patterns
		SET is_active = FALSE, last_seen = GREATEST(last_seen, $2)
		WHERE pattern_hash = $1 AND is_active
	`, hash, ts)
	if err != nil {
		return fmt.Errorf("failed to deactivate pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already-inactive for the caller.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM patterns WHERE pattern_hash = $1`, hash).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrPatternNotFound
		}
		return ErrPatternInactive
	}
	return nil
}

func (s *PostgresStore) UpsertWalletRisk(ctx context.Context, u WalletRiskUpdate) error {
	if u.RiskScore != nil && (*u.RiskScore < 0 || *u.RiskScore > 100) {
		return ErrInvalidRiskScore
	}

	address := strings.ToLower(u.Address)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin risk tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current WalletRisk
	err = tx.QueryRowContext(ctx, `
		SELECT risk_score, total_transactions, flagged_transactions
		FROM wallet_risk WHERE address = $1 FOR UPDATE
	`, address).Scan(&current.RiskScore, &current.TotalTransactions, &current.FlaggedTransactions)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load wallet risk: %w", err)
	}

	total := current.TotalTransactions
	flagged := current.FlaggedTransactions
	score := current.RiskScore
	if u.TotalTransactions != nil {
		total = *u.TotalTransactions
	}
	if u.FlaggedTransactions != nil {
		flagged = *u.FlaggedTransactions
	}
	if flagged > total {
		return ErrFlaggedExceedsTotal
	}
	if u.RiskScore != nil {
		score = *u.RiskScore
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_risk (address, risk_score, total_transactions, flagged_transactions, last_update, last_activity, threat_patterns)
		VALUES ($1, $2, $3, $4, $5, $5, CASE WHEN $6 = '' THEN '{}'::TEXT[] ELSE ARRAY[$6] END)
		ON CONFLICT (address) DO UPDATE SET
			risk_score = $2,
			total_transactions = $3,
			flagged_transactions = $4,
			last_update = GREATEST(wallet_risk.last_update, $5),
			last_activity = GREATEST(wallet_risk.last_activity, $5),
			threat_patterns = CASE
				WHEN $6 = '' OR $6 = ANY (wallet_risk.threat_patterns) THEN wallet_risk.threat_patterns
				ELSE array_append(wallet_risk.threat_patterns, $6)
			END
	`, address, score, total, flagged, u.Timestamp, u.ThreatPatternHash)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet risk: %w", err)
	}

	if u.RiskScore != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO risk_snapshots (address, risk_score, taken_at) VALUES ($1, $2, $3)
		`, address, *u.RiskScore, u.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to append risk snapshot: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GrantPermission(ctx context.Context, p *Permission) error {
	if err := validatePermission(p); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (permission_hash, grantee, target, permission_type, is_active, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
		ON CONFLICT (permission_hash) DO UPDATE SET
			grantee = EXCLUDED.grantee,
			target = EXCLUDED.target,
			permission_type = EXCLUDED.permission_type,
			is_active = TRUE,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL,
			revoke_reason = ''
		WHERE NOT permissions.is_active
	`, p.PermissionHash, strings.ToLower(p.User), strings.ToLower(p.Target), string(p.Type), p.GrantedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicatePermission
	}
	return nil
}

func (s *PostgresStore) RevokePermission(ctx context.Context, hash, reason string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permissions
		SET is_active = FALSE, revoked_at = $2, revoke_reason = $3
		WHERE permission_hash = $1 AND is_active
	`, hash, ts, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM permissions WHERE permission_hash = $1`, hash).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return ErrPermissionNotFound
		}
		return ErrAlreadyRevoked
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

func (s *PostgresStore) GetPattern(ctx context.Context, hash string) (*Pattern, error) {
	var p Pattern
	var category string
	err := s.db.QueryRowContext(ctx, `
		SELECT pattern_hash, name, description, severity, category, occurrence_count, first_seen, last_seen, is_active
		FROM patterns WHERE pattern_hash = $1
	`, hash).Scan(&p.PatternHash, &p.Name, &p.Description, &p.Severity, &category,
		&p.OccurrenceCount, &p.FirstSeen, &p.LastSeen, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	p.Category = Category(category)
	return &p, nil
}

func (s *PostgresStore) ListPatterns(ctx context.Context, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_hash, name, description, severity, category, occurrence_count, first_seen, last_seen, is_active
		FROM patterns WHERE is_active
		ORDER BY last_seen DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Pattern
	for rows.Next() {
		var p Pattern
		var category string
		if err := rows.Scan(&p.PatternHash, &p.Name, &p.Description, &p.Severity, &category,
			&p.OccurrenceCount, &p.FirstSeen, &p.LastSeen, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.Category = Category(category)
		result = append(result, &p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetWalletRisk(ctx context.Context, address string) (*WalletRisk, error) {
	var w WalletRisk
	err := s.db.QueryRowContext(ctx, `
		SELECT address, risk_score, total_transactions, flagged_transactions, last_update, last_activity, threat_patterns
		FROM wallet_risk WHERE address = $1
	`, strings.ToLower(address)).Scan(&w.Address, &w.RiskScore, &w.TotalTransactions,
		&w.FlaggedTransactions, &w.LastUpdate, &w.LastActivity, pq.Array(&w.ThreatPatternHashes))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet risk: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) ListActivePermissions(ctx context.Context, user string, now time.Time) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permission_hash, grantee, target, permission_type, is_active, granted_at, expires_at, revoked_at, revoke_reason
		FROM permissions
		WHERE grantee = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY granted_at DESC
	`, strings.ToLower(user), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPermission(rows *sql.Rows) (*Permission, error) {
	var p Permission
	var ptype string
	var expiresAt, revokedAt sql.NullTime
	if err := rows.Scan(&p.PermissionHash, &p.User, &p.Target, &ptype, &p.IsActive,
		&p.GrantedAt, &expiresAt, &revokedAt, &p.RevokeReason); err != nil {
		return nil, fmt.Errorf("failed to scan permission: %w", err)
	}
	p.Type = PermissionType(ptype)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		p.RevokedAt = &t
	}
	return &p, nil
}

func (s *PostgresStore) ListOccurrences(ctx context.Context, address string, from, to time.Time) ([]*Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_hash, tx_ref, log_index, detected_address, block_number, severity, occurred_at
		FROM occurrences
		WHERE detected_address = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at, pattern_hash, tx_ref, log_index
	`, strings.ToLower(address), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences: %w", err)
	}
	return collectOccurrences(rows)
}

func (s *PostgresStore) ListOccurrencesByPattern(ctx context.Context, hash string, limit int) ([]*Occurrence, error) {
	// LIMIT NULL means no limit, matching the limit <= 0 contract.
	var capped sql.NullInt64
	if limit > 0 {
		capped = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_hash, tx_ref, log_index, detected_address, block_number, severity, occurred_at
		FROM occurrences
		WHERE pattern_hash = $1
		ORDER BY occurred_at, tx_ref, log_index
		LIMIT $2
	`, hash, capped)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences by pattern: %w", err)
	}
	return collectOccurrences(rows)
}

func (s *PostgresStore) RecentOccurrences(ctx context.Context, address string, limit int) ([]*Occurrence, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_hash, tx_ref, log_index, detected_address, block_number, severity, occurred_at
		FROM occurrences
		WHERE detected_address = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, strings.ToLower(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent occurrences: %w", err)
	}
	return collectOccurrences(rows)
}

func collectOccurrences(rows *sql.Rows) ([]*Occurrence, error) {
	defer func() { _ = rows.Close() }()

	var result []*Occurrence
	for rows.Next() {
		var o Occurrence
		var logIndex, blockNumber int64
		if err := rows.Scan(&o.PatternHash, &o.TxRef, &logIndex, &o.DetectedAddress,
			&blockNumber, &o.Severity, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		o.LogIndex = uint(logIndex)
		o.BlockNumber = uint64(blockNumber)
		result = append(result, &o)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RiskHistory(ctx context.Context, address string, from, to time.Time) ([]*RiskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, risk_score, taken_at
		FROM risk_snapshots
		WHERE address = $1 AND taken_at >= $2 AND taken_at <= $3
		ORDER BY taken_at
	`, strings.ToLower(address), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*RiskSnapshot
	for rows.Next() {
		var snap RiskSnapshot
		if err := rows.Scan(&snap.Address, &snap.RiskScore, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan risk snapshot: %w", err)
		}
		result = append(result, &snap)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{PatternsByCategory: make(map[Category]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COUNT(*) FILTER (WHERE is_active)
		FROM patterns GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate patterns: %w", err)
	}
	for rows.Next() {
		var category string
		var total, active int64
		if err := rows.Scan(&category, &total, &active); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan pattern stats: %w", err)
		}
		stats.PatternsByCategory[Category(category)] = total
		stats.TotalPatterns += total
		stats.ActivePatterns += active
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences`).Scan(&stats.TotalOccurrences)
	if err != nil {
		return nil, fmt.Errorf("failed to count occurrences: %w", err)
	}
	// High risk matches the shared classification threshold (>= 70).
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_risk WHERE risk_score >= 70`).Scan(&stats.HighRiskWallets)
	if err != nil {
		return nil, fmt.Errorf("failed to count high risk wallets: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permissions
		WHERE is_active AND (expires_at IS NULL OR expires_at > NOW())
	`).Scan(&stats.ActivePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to count active permissions: %w", err)
	}

	return stats, nil
}
