package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mosyne/mosyne/internal/memory"
	"github.com/mosyne/mosyne/internal/metrics"
)

// Publisher receives events after they have been applied to the store.
// The realtime hub implements this; a nil publisher is allowed.
type Publisher interface {
	PublishEvent(kind string, payload any)
}

// Ingestor consumes domain events from an ordered channel and applies them
// to the store. It is the only writer to the store while running.
type Ingestor struct {
	store     memory.Store
	publisher Publisher
	logger    *slog.Logger

	events chan Event
	done   chan struct{}
}

// NewIngestor creates an ingestor with the given channel capacity.
func NewIngestor(store memory.Store, publisher Publisher, logger *slog.Logger, buffer int) *Ingestor {
	if buffer <= 0 {
		buffer = 256
	}
	return &Ingestor{
		store:     store,
		publisher: publisher,
		logger:    logger,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// Submit queues an event for application. Blocks when the buffer is full so
// backpressure reaches the producer instead of dropping events.
func (in *Ingestor) Submit(ctx context.Context, e Event) error {
	select {
	case <-in.done:
		return errors.New("ingestor stopped")
	default:
	}
	select {
	case in.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-in.done:
		return errors.New("ingestor stopped")
	}
}

// Run applies events until the context is cancelled. Events already queued
// when cancellation happens are dropped; producers are expected to replay
// from their last checkpoint on restart, and application is idempotent.
func (in *Ingestor) Run(ctx context.Context) {
	defer close(in.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-in.events:
			in.handle(ctx, e)
		}
	}
}

func (in *Ingestor) handle(ctx context.Context, e Event) {
	payload, err := in.apply(ctx, e)
	switch {
	case err == nil:
		metrics.EventsAppliedTotal.WithLabelValues(e.Kind()).Inc()
		if in.publisher != nil {
			in.publisher.PublishEvent(e.Kind(), payload)
		}
	case errors.Is(err, memory.ErrDuplicatePattern),
		errors.Is(err, memory.ErrDuplicateOccurrence),
		errors.Is(err, memory.ErrDuplicatePermission):
		// Replays after a restart land here. Expected, not an error.
		metrics.EventsDuplicateTotal.WithLabelValues(e.Kind()).Inc()
		in.logger.Debug("duplicate event skipped", "kind", e.Kind(), "key", e.Key())
	default:
		metrics.EventsRejectedTotal.WithLabelValues(e.Kind()).Inc()
		in.logger.Warn("event rejected",
			"kind", e.Kind(),
			"key", e.Key(),
			"error", err,
		)
	}
}

// apply mutates the store and returns the payload to publish, which may be
// enriched beyond the raw event.
func (in *Ingestor) apply(ctx context.Context, e Event) (any, error) {
	switch ev := e.(type) {
	case PatternRegistered:
		return ev, in.store.RegisterPattern(ctx, &memory.Pattern{
			PatternHash: ev.PatternHash,
			Name:        ev.Name,
			Description: ev.Description,
			Severity:    ev.Severity,
			Category:    memory.Category(ev.Category),
			FirstSeen:   ev.Timestamp,
			LastSeen:    ev.Timestamp,
		})
	case OccurrenceDetected:
		occ := &memory.Occurrence{
			PatternHash:     ev.PatternHash,
			TxRef:           ev.TxRef,
			LogIndex:        ev.LogIndex,
			DetectedAddress: ev.DetectedAddress,
			BlockNumber:     ev.BlockNumber,
			Timestamp:       ev.Timestamp,
		}
		if err := in.store.RecordOccurrence(ctx, occ); err != nil {
			return ev, err
		}
		// Subscribers filter occurrences by severity, which lives on the
		// pattern, not the event.
		if p, err := in.store.GetPattern(ctx, ev.PatternHash); err == nil {
			occ.Severity = p.Severity
		}
		return occ, nil
	case PatternDeactivated:
		return ev, in.store.DeactivatePattern(ctx, ev.PatternHash, ev.Timestamp)
	case RiskScoreUpdated:
		score := ev.RiskScore
		return ev, in.store.UpsertWalletRisk(ctx, memory.WalletRiskUpdate{
			Address:   ev.Address,
			RiskScore: &score,
			Timestamp: ev.Timestamp,
		})
	case RiskDataUpdated:
		total, flagged := ev.TotalTransactions, ev.FlaggedTransactions
		return ev, in.store.UpsertWalletRisk(ctx, memory.WalletRiskUpdate{
			Address:             ev.Address,
			TotalTransactions:   &total,
			FlaggedTransactions: &flagged,
			Timestamp:           ev.Timestamp,
		})
	case PermissionGranted:
		return ev, in.store.GrantPermission(ctx, &memory.Permission{
			PermissionHash: ev.PermissionHash,
			User:           ev.User,
			Target:         ev.Target,
			Type:           memory.PermissionTypeFromCode(uint8(ev.TypeCode)),
			GrantedAt:      ev.Timestamp,
			ExpiresAt:      ev.ExpiresAt,
		})
	case PermissionRevoked:
		return ev, in.store.RevokePermission(ctx, ev.PermissionHash, ev.Reason, ev.Timestamp)
	default:
		return nil, fmt.Errorf("unknown event type %T", e)
	}
}
