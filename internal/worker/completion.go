package worker

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// CompletionEvaluator decides, after any terminal delivery outcome, whether a
// content item's fan-out is fully resolved and finalizes it when so.
//
// The check is deterministic: every terminal outcome recomputes
// resolved >= expected against the persisted fan-out snapshot. Concurrent
// evaluations for the same content are safe because the finalize write is
// conditional on status still being 'processing' — exactly one wins, the
// rest are no-ops.
//
// Content finalizes as sent even when some subscribers terminally failed:
// "sent" means the fan-out is resolved, and failures stay visible through
// the delivery log counts.
type CompletionEvaluator struct {
	store ContentStore
	log   *logger.Logger

	finalized int64
}

// NewCompletionEvaluator creates an evaluator over the given store.
func NewCompletionEvaluator(store ContentStore) *CompletionEvaluator {
	return &CompletionEvaluator{
		store: store,
		log:   logger.Component("completion"),
	}
}

// Finalized returns how many content items this evaluator has finalized.
func (e *CompletionEvaluator) Finalized() int64 {
	return atomic.LoadInt64(&e.finalized)
}

// Evaluate recomputes the resolution state of one content item and finalizes
// it when every expected delivery is terminally resolved. Errors are logged
// and swallowed: the next terminal outcome (or queue recovery pass) triggers
// another evaluation, so nothing is lost.
func (e *CompletionEvaluator) Evaluate(ctx context.Context, contentID uuid.UUID) {
	resolved, err := e.store.CountResolvedDeliveries(ctx, contentID)
	if err != nil {
		e.log.Error("counting resolved deliveries failed", "content_id", contentID, "error", err)
		return
	}

	expected, err := e.store.CountExpectedDeliveries(ctx, contentID)
	if err != nil {
		e.log.Error("counting expected deliveries failed", "content_id", contentID, "error", err)
		return
	}

	// Expected is written at fan-out time; zero means the item either has
	// not fanned out yet or took the zero-recipient short circuit.
	if expected == 0 || resolved < expected {
		return
	}

	finalized, err := e.store.FinalizeAsSent(ctx, contentID)
	if err != nil {
		e.log.Error("finalize failed", "content_id", contentID, "error", err)
		return
	}
	if !finalized {
		e.log.Debug("finalize no-op, content already sent", "content_id", contentID)
		return
	}

	atomic.AddInt64(&e.finalized, 1)
	e.log.Info("content finalized", "content_id", contentID, "resolved", resolved, "expected", expected)
}
