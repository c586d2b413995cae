// Package api provides the HTTP query surface over the behavioral memory.
// Read endpoints run through the resilient client so a slow or failing
// store degrades to cached or fallback data instead of taking the API down.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mosyne/mosyne/internal/correlation"
	"github.com/mosyne/mosyne/internal/logging"
	"github.com/mosyne/mosyne/internal/memory"
	"github.com/mosyne/mosyne/internal/metrics"
	"github.com/mosyne/mosyne/internal/resilient"
	"github.com/mosyne/mosyne/internal/retry"
	"github.com/mosyne/mosyne/internal/risk"
	"github.com/mosyne/mosyne/internal/validation"
)

// DefaultSequenceWindow is the lookback for sequence queries when the
// caller does not pass an explicit range.
const DefaultSequenceWindow = 24 * time.Hour

// DefaultPatternLimit caps pattern listings.
const DefaultPatternLimit = 100

// Handler provides HTTP handlers for the memory query API.
type Handler struct {
	store     memory.Store
	evaluator *risk.Evaluator
	engine    *correlation.Engine
	client    *resilient.Client
}

// NewHandler creates the query handler. client may be nil, in which case
// reads hit the store directly (used in tests).
func NewHandler(store memory.Store, client *resilient.Client) *Handler {
	return &Handler{
		store:     store,
		evaluator: risk.NewEvaluator(store),
		engine:    correlation.NewEngine(store),
		client:    client,
	}
}

// RegisterRoutes sets up the query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	wallets := r.Group("/wallets/:address")
	wallets.Use(validation.AddressParamMiddleware())
	{
		wallets.GET("/risk", h.GetWalletRisk)
		wallets.GET("/patterns", h.GetWalletPatterns)
		wallets.GET("/permissions", h.ListPermissions)
		wallets.GET("/sequence", h.GetBehavioralSequence)
	}

	patterns := r.Group("/patterns")
	patterns.Use(validation.HashParamMiddleware())
	{
		patterns.GET("", h.ListPatterns)
		patterns.GET("/:hash", h.GetPattern)
		patterns.GET("/:hash/correlation", h.GetPatternCorrelation)
		patterns.GET("/:hash/evolution", h.GetPatternEvolution)
	}

	r.POST("/transactions/evaluate", h.EvaluateTransaction)
	r.GET("/stats", h.GetStats)
	r.GET("/status", h.GetStatus)
}

// query runs fn through the resilient client when one is wired, or
// directly otherwise. The key doubles as the cache key and the circuit
// identity.
func (h *Handler) query(c *gin.Context, key string, fn func() (any, error)) (resilient.Result, error) {
	if h.client == nil {
		v, err := fn()
		return resilient.Result{Value: v}, err
	}
	return h.client.Query(c.Request.Context(), key, func(context.Context) (any, error) {
		return fn()
	}, resilient.QueryOptions{})
}

// respond writes a query result, flagging cache hits and degraded data
// in headers so clients can tell fresh reads from stale ones.
func respond(c *gin.Context, r resilient.Result) {
	if r.Cached {
		c.Header("X-Cache", "hit")
	}
	if r.Degraded {
		c.Header("X-Degraded", "true")
	}
	c.JSON(http.StatusOK, r.Value)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, memory.ErrPatternNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "pattern_not_found",
			"message": "No pattern registered under that hash",
		})
	case errors.Is(err, resilient.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "circuit_open",
			"message": "Query backend is unavailable, try again shortly",
		})
	case errors.Is(err, resilient.ErrRateLimitTimeout):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "Query budget exhausted, try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Query failed",
		})
	}
}

// -----------------------------------------------------------------------------
// Wallet Handlers
// -----------------------------------------------------------------------------

// WalletRiskResponse is the payload for GET /wallets/:address/risk.
type WalletRiskResponse struct {
	Address   string     `json:"address"`
	RiskScore int        `json:"riskScore"`
	RiskLevel risk.Level `json:"riskLevel"`
	Known     bool       `json:"known"`
}

// GetWalletRisk handles GET /wallets/:address/risk
func (h *Handler) GetWalletRisk(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	res, err := h.query(c, "wallet-risk:"+address, func() (any, error) {
		score, known, err := h.evaluator.WalletRisk(c.Request.Context(), address)
		if err != nil {
			return nil, err
		}
		return &WalletRiskResponse{
			Address:   address,
			RiskScore: score,
			RiskLevel: risk.Classify(score),
			Known:     known,
		}, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("wallet risk query failed", "address", address, "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetWalletPatterns handles GET /wallets/:address/patterns
// Returns the patterns behind the address's trailing occurrences. An
// optional limit widens or narrows the trailing window.
func (h *Handler) GetWalletPatterns(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))
	limit, err := parseIntParam(c.Query("limit"), 0)
	if err != nil || limit < 0 {
		badParam(c, "limit", "must be a positive integer")
		return
	}

	res, err := h.query(c, fmt.Sprintf("wallet-patterns:%s:%d", address, limit), func() (any, error) {
		patterns, err := h.evaluator.MatchedPatternsFor(c.Request.Context(), address, limit)
		if err != nil {
			return nil, err
		}
		if patterns == nil {
			patterns = []risk.MatchedPattern{}
		}
		return gin.H{
			"address":  address,
			"patterns": patterns,
		}, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("wallet patterns query failed", "address", address, "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// ListPermissions handles GET /wallets/:address/permissions
// Lists the address's active, unexpired grants.
func (h *Handler) ListPermissions(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	res, err := h.query(c, "permissions:"+address, func() (any, error) {
		perms, err := h.store.ListActivePermissions(c.Request.Context(), address, time.Now())
		if err != nil {
			return nil, err
		}
		if perms == nil {
			perms = []*memory.Permission{}
		}
		return gin.H{
			"user":        address,
			"permissions": perms,
			"count":       len(perms),
		}, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("permissions query failed", "user", address, "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetBehavioralSequence handles GET /wallets/:address/sequence
// Query params: from, to (RFC3339). Defaults to the trailing 24 hours.
func (h *Handler) GetBehavioralSequence(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	to, err := parseTimeParam(c.Query("to"), time.Now())
	if err != nil {
		badParam(c, "to", "must be an RFC3339 timestamp")
		return
	}
	from, err := parseTimeParam(c.Query("from"), to.Add(-DefaultSequenceWindow))
	if err != nil {
		badParam(c, "from", "must be an RFC3339 timestamp")
		return
	}
	if !from.Before(to) {
		badParam(c, "from", "must be earlier than to")
		return
	}

	key := fmt.Sprintf("sequence:%s:%d:%d", address, from.Unix(), to.Unix())
	res, err := h.query(c, key, func() (any, error) {
		entries, err := h.engine.BehavioralSequence(c.Request.Context(), address, from, to)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []correlation.SequenceEntry{}
		}
		return gin.H{
			"address":  address,
			"from":     from,
			"to":       to,
			"sequence": entries,
		}, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("sequence query failed", "address", address, "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// -----------------------------------------------------------------------------
// Transaction Evaluation
// -----------------------------------------------------------------------------

// EvaluateTransactionRequest is the payload for POST /transactions/evaluate.
type EvaluateTransactionRequest struct {
	TargetAddress string `json:"targetAddress" binding:"required"`
}

// EvaluateTransaction handles POST /transactions/evaluate
// The signing-time check: combines the target's stored risk with its
// recent pattern matches and returns a recommendation.
func (h *Handler) EvaluateTransaction(c *gin.Context) {
	var req EvaluateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "targetAddress is required",
		})
		return
	}
	if !validation.IsValidEthAddress(req.TargetAddress) {
		badParam(c, "targetAddress", "must be a valid Ethereum address (0x...)")
		return
	}
	target := validation.SanitizeAddress(req.TargetAddress)

	res, err := h.query(c, "evaluate:"+target, func() (any, error) {
		a, err := h.evaluator.EvaluateTransaction(c.Request.Context(), target)
		if err != nil {
			return nil, err
		}
		metrics.RiskEvaluationsTotal.WithLabelValues(string(a.RiskLevel)).Inc()
		return a, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("transaction evaluation failed", "target", target, "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// -----------------------------------------------------------------------------
// Pattern Handlers
// -----------------------------------------------------------------------------

// ListPatterns handles GET /patterns
func (h *Handler) ListPatterns(c *gin.Context) {
	limit, err := parseIntParam(c.Query("limit"), DefaultPatternLimit)
	if err != nil || limit <= 0 {
		badParam(c, "limit", "must be a positive integer")
		return
	}

	res, err := h.query(c, fmt.Sprintf("patterns:%d", limit), func() (any, error) {
		patterns, err := h.store.ListPatterns(c.Request.Context(), limit)
		if err != nil {
			return nil, err
		}
		if patterns == nil {
			patterns = []*memory.Pattern{}
		}
		return gin.H{
			"patterns": patterns,
			"count":    len(patterns),
		}, nil
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("pattern list query failed", "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetPattern handles GET /patterns/:hash
func (h *Handler) GetPattern(c *gin.Context) {
	hash := c.Param("hash")

	res, err := h.query(c, "pattern:"+hash, func() (any, error) {
		p, err := h.store.GetPattern(c.Request.Context(), hash)
		if err != nil {
			// Missing patterns are a caller mistake, not a backend
			// failure; do not let them trip the breaker.
			if errors.Is(err, memory.ErrPatternNotFound) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetPatternCorrelation handles GET /patterns/:hash/correlation
// Query params: min (minimum occurrence count per address, default 1).
func (h *Handler) GetPatternCorrelation(c *gin.Context) {
	hash := c.Param("hash")
	min, err := parseIntParam(c.Query("min"), 1)
	if err != nil || min <= 0 {
		badParam(c, "min", "must be a positive integer")
		return
	}

	key := fmt.Sprintf("correlation:%s:%d", hash, min)
	res, err := h.query(c, key, func() (any, error) {
		addrs, err := h.engine.PatternCorrelation(c.Request.Context(), hash, min)
		if err != nil {
			if errors.Is(err, memory.ErrPatternNotFound) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		if addrs == nil {
			addrs = []correlation.CorrelatedAddress{}
		}
		return gin.H{
			"patternHash": hash,
			"addresses":   addrs,
			"count":       len(addrs),
		}, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetPatternEvolution handles GET /patterns/:hash/evolution
// Query params: window (bucket duration, default 24h), buckets (default 7).
func (h *Handler) GetPatternEvolution(c *gin.Context) {
	hash := c.Param("hash")

	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badParam(c, "window", "must be a positive duration (e.g. 24h)")
			return
		}
		window = d
	}
	buckets, err := parseIntParam(c.Query("buckets"), 7)
	if err != nil || buckets <= 0 {
		badParam(c, "buckets", "must be a positive integer")
		return
	}

	key := fmt.Sprintf("evolution:%s:%s:%d", hash, window, buckets)
	res, err := h.query(c, key, func() (any, error) {
		series, err := h.engine.PatternEvolution(c.Request.Context(), hash, window, buckets)
		if err != nil {
			if errors.Is(err, memory.ErrPatternNotFound) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		return gin.H{
			"patternHash": hash,
			"window":      window.String(),
			"buckets":     series,
		}, nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, res)
}

// -----------------------------------------------------------------------------
// Stats & Status
// -----------------------------------------------------------------------------

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	res, err := h.query(c, "stats", func() (any, error) {
		return h.store.GetStats(c.Request.Context())
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("stats query failed", "error", err)
		writeError(c, err)
		return
	}
	respond(c, res)
}

// GetStatus handles GET /status
// Exposes the resilience internals: cache fill, token bucket level, and
// circuit state for the hot query keys.
func (h *Handler) GetStatus(c *gin.Context) {
	if h.client == nil {
		c.JSON(http.StatusOK, gin.H{"resilience": "disabled"})
		return
	}
	stats := h.client.Stats()
	c.JSON(http.StatusOK, gin.H{
		"cache":  stats.Cache,
		"bucket": stats.Bucket,
		"breakers": gin.H{
			"stats": h.client.BreakerStats("stats"),
		},
	})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func parseTimeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseIntParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func badParam(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_parameter",
		"field":   field,
		"message": message,
	})
}
