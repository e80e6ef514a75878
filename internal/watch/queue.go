// Package watch implements the per-adapter queue of transactions
// awaited for on-chain confirmation. One queue per blockchain backend,
// created at startup, never recreated. Entries are in-memory only; the
// adapter rebuilds them from persistence on connect.
package watch

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"escrow-service/internal/domain"
)

// Entry is one awaited deposit. AmountWithFee is the only amount that
// confirms: a deposit of the base sum without the fee share is an
// amount mismatch and goes through the refund path.
type Entry struct {
	OfferID       primitive.ObjectID
	FromAddress   string
	AmountWithFee decimal.Decimal
	Asset         string
	Memo          string
}

// Streamer is the part of the blockchain adapter the queue drives.
type Streamer interface {
	StartStreaming(ctx context.Context) error
}

// Queue bridges "a user claims to have sent X" with "the block data
// proves it". Mutated by the event-handling side, read during block
// processing.
type Queue struct {
	streamer Streamer
	logger   *zap.Logger

	mu      sync.Mutex
	entries []Entry
}

func NewQueue(streamer Streamer, logger *zap.Logger) *Queue {
	return &Queue{
		streamer: streamer,
		logger:   logger,
	}
}

// Enqueue appends a watch entry. The empty-to-non-empty edge triggers
// exactly one streaming session; the adapter multiplexes all queued
// entries over it. At most one entry exists per offer: enqueueing an
// already-watched offer replaces the entry in place.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	q.mu.Lock()
	for i := range q.entries {
		if q.entries[i].OfferID == e.OfferID {
			q.entries[i] = e
			q.mu.Unlock()
			return nil
		}
	}
	wasEmpty := len(q.entries) == 0
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.logger.Info("transaction queued for watching",
		zap.String("offer_id", e.OfferID.Hex()),
		zap.String("asset", e.Asset),
		zap.String("from", e.FromAddress),
	)

	if wasEmpty {
		return q.streamer.StartStreaming(ctx)
	}
	return nil
}

// Dequeue removes the entry for an offer, reporting whether one was
// found. Used on cancellation and after an entry resolves.
func (q *Queue) Dequeue(offerID primitive.ObjectID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.OfferID == offerID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of outstanding entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Match compares a transfer operation addressed to the custodial
// account against all queued entries. An operation from a queued
// sender is a candidate; an exact match on asset, amount and memo
// takes the direct confirmation path, anything else the refund path
// with reasons naming each mismatching field. Operations from unknown
// senders match nothing.
func (q *Queue) Match(op domain.Operation) (*Entry, []domain.MismatchReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidate *Entry
	var candidateReasons []domain.MismatchReason

	for i := range q.entries {
		e := &q.entries[i]
		if op.From != e.FromAddress {
			continue
		}

		var reasons []domain.MismatchReason
		if op.Asset != e.Asset {
			reasons = append(reasons, domain.MismatchAsset)
		}
		if !op.Amount.Equal(e.AmountWithFee) {
			reasons = append(reasons, domain.MismatchAmount)
		}
		if op.Memo != e.Memo {
			reasons = append(reasons, domain.MismatchMemo)
		}

		if len(reasons) == 0 {
			matched := *e
			return &matched, nil
		}
		if candidate == nil {
			matched := *e
			candidate = &matched
			candidateReasons = reasons
		}
	}
	return candidate, candidateReasons
}
