package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"escrow-service/internal/domain"
)

func TestConfirmTransactionNotFinal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	offer := e.seedOffer(t, domain.StageActive)
	e.chain.confirmed = false

	op := domain.Operation{
		From: "initaddr", To: "escrowbot",
		Amount: dec("105"), Asset: "GOLOS",
		Memo: offer.Memo, TrxID: "dep1", BlockNum: 3,
	}
	confirmed, err := e.watcher.ConfirmTransaction(ctx, offer.ID, op)
	require.NoError(t, err)
	assert.False(t, confirmed)

	// offer stays active with the attempt stamped, depositor is told to retry
	got := e.repo.get(t, offer.ID)
	assert.Equal(t, domain.StageActive, got.Stage)
	assert.Empty(t, got.TrxID)
	assert.NotZero(t, got.TransactionTime)

	msg, _ := e.msgr.lastTo(alice.ID)
	assert.Contains(t, msg.Text, "transaction_not_confirmed")
	assert.Contains(t, msg.Text, "try_again")
}

func TestConfirmTransactionGoneOffer(t *testing.T) {
	e := newEnv(t)
	confirmed, err := e.watcher.ConfirmTransaction(context.Background(),
		primitive.NewObjectID(), domain.Operation{})
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.Empty(t, e.msgr.sent)
}

func TestRefundTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	offer := e.seedOffer(t, domain.StageActive)
	require.NoError(t, e.escrow.ClaimSent(ctx, alice.ID, offer.ID.Hex()))
	e.chain.confirmed = true

	op := domain.Operation{
		From: "initaddr", To: "escrowbot",
		Amount: dec("42"), Asset: "GOLOS",
		Memo: "something else", TrxID: "bad1", BlockNum: 9,
	}
	reasons := []domain.MismatchReason{domain.MismatchAmount, domain.MismatchMemo}
	require.NoError(t, e.watcher.RefundTransaction(ctx, reasons, offer.ID, op))

	// exactly what arrived goes back to the detected sender
	require.Len(t, e.chain.transfers, 1)
	assert.Equal(t, "initaddr", e.chain.transfers[0].To)
	assert.Equal(t, "42", e.chain.transfers[0].Amount.String())
	assert.Equal(t, "GOLOS", e.chain.transfers[0].Asset)

	// the offer never leaves active and the watch entry stays open
	// for a corrected resend
	got := e.repo.get(t, offer.ID)
	assert.Equal(t, domain.StageActive, got.Stage)
	assert.NotZero(t, got.TransactionTime)
	assert.Equal(t, 1, e.queue.Len())

	e.msgr.mu.Lock()
	var texts []string
	for _, m := range e.msgr.sent {
		if m.ChatID == alice.ID {
			texts = append(texts, m.Text)
		}
	}
	e.msgr.mu.Unlock()
	require.GreaterOrEqual(t, len(texts), 2)
	mistakes := texts[len(texts)-2]
	assert.Contains(t, mistakes, "wrong_amount")
	assert.Contains(t, mistakes, "wrong_memo")
	assert.NotContains(t, mistakes, "wrong_asset")
	assert.Contains(t, texts[len(texts)-1], "transaction_refunded")
}

func TestRefundWaitsForFinality(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	offer := e.seedOffer(t, domain.StageActive)
	e.chain.confirmed = false

	op := domain.Operation{From: "initaddr", Amount: dec("42"), Asset: "GOLOS", BlockNum: 9}
	reasons := []domain.MismatchReason{domain.MismatchAmount}
	require.NoError(t, e.watcher.RefundTransaction(ctx, reasons, offer.ID, op))

	assert.Empty(t, e.chain.transfers, "no refund before the block is final")
	msg, _ := e.msgr.lastTo(alice.ID)
	assert.Contains(t, msg.Text, "transaction_not_confirmed")
}

func TestRebuildQueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	awaiting := e.seedOffer(t, domain.StageActive) // memo set, no trx_id
	resolved := e.seedOffer(t, domain.StageConfirmed)
	fresh := e.seedOffer(t, domain.StagePending)

	require.NoError(t, e.watcher.RebuildQueues(ctx))
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 1, e.chain.starts)

	entry, reasons := e.queue.Match(domain.Operation{
		From: "initaddr", Amount: dec("105"), Asset: "GOLOS", Memo: awaiting.Memo,
	})
	require.NotNil(t, entry)
	assert.Empty(t, reasons)
	assert.Equal(t, awaiting.ID, entry.OfferID)
	assert.NotEqual(t, resolved.ID, entry.OfferID)
	assert.NotEqual(t, fresh.ID, entry.OfferID)
}
