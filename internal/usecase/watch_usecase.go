package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"escrow-service/internal/chains"
	"escrow-service/internal/domain"
	"escrow-service/internal/i18n"
	"escrow-service/internal/money"
	"escrow-service/internal/repository"
	"escrow-service/internal/watch"
)

// WatchUsecase resolves watch-queue matches: the direct confirmation
// path and the refund side channel. Adapters invoke it sequentially
// while processing blocks, so callbacks for one offer never run
// concurrently with each other.
type WatchUsecase struct {
	escrowRepo repository.EscrowRepository
	registry   *chains.Registry
	queues     *watch.Set
	messenger  domain.Messenger
	translator *i18n.Translator
	logger     *zap.Logger
	now        func() float64
}

func NewWatchUsecase(
	escrowRepo repository.EscrowRepository,
	registry *chains.Registry,
	queues *watch.Set,
	messenger domain.Messenger,
	translator *i18n.Translator,
	logger *zap.Logger,
) *WatchUsecase {
	return &WatchUsecase{
		escrowRepo: escrowRepo,
		registry:   registry,
		queues:     queues,
		messenger:  messenger,
		translator: translator,
		logger:     logger,
		now:        unixNow,
	}
}

// RebuildQueues re-enqueues offers that were awaiting a deposit when
// the process stopped: watch entries are in-memory only, the documents
// with a memo and no trx_id are their durable record. Called once at
// startup after the backends connect.
func (uc *WatchUsecase) RebuildQueues(ctx context.Context) error {
	for _, chain := range uc.registry.List() {
		queue := uc.queues.For(chain.Name())
		if queue == nil {
			continue
		}
		offers, err := uc.escrowRepo.FindUnresolved(ctx, chain.Assets())
		if err != nil {
			return fmt.Errorf("failed to load unresolved offers for %s: %w", chain.Name(), err)
		}
		for _, offer := range offers {
			err := queue.Enqueue(ctx, watch.Entry{
				OfferID:       offer.ID,
				FromAddress:   offer.DepositorLegAddress(),
				AmountWithFee: money.FromDecimal128(offer.SumFeeUp),
				Asset:         offer.EscrowAsset(),
				Memo:          offer.Memo,
			})
			if err != nil {
				uc.logger.Error("Failed to re-enqueue offer",
					zap.Error(err), zap.String("offer_id", offer.ID.Hex()))
			}
		}
		if len(offers) > 0 {
			uc.logger.Info("Rebuilt watch queue",
				zap.String("chain", chain.Name()), zap.Int("entries", len(offers)))
		}
	}
	return nil
}

// ConfirmTransaction handles an exactly matching deposit. It notifies
// the depositor the transaction was seen, waits for chain finality,
// then either advances the offer to confirmed and instructs the
// counter-party, or stamps transaction_time and asks the depositor to
// resend. A cancelled offer aborts quietly.
func (uc *WatchUsecase) ConfirmTransaction(ctx context.Context, offerID primitive.ObjectID, op domain.Operation) (bool, error) {
	offer, err := uc.escrowRepo.FindByID(ctx, offerID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return false, err
	}

	depositor := offer.Depositor()
	recipient := offer.Recipient()

	uc.send(ctx, depositor.ID,
		uc.translator.T("transaction_passed", depositor.Locale, offer.OtherAsset()), nil)

	confirmed, err := chain.IsBlockConfirmed(ctx, op.BlockNum, op)
	if err != nil {
		return false, fmt.Errorf("failed to check block confirmation: %w", err)
	}

	if !confirmed {
		uc.stampTransactionTime(ctx, offer)
		uc.send(ctx, depositor.ID,
			uc.translator.T("transaction_not_confirmed", depositor.Locale)+" "+
				uc.translator.T("try_again", depositor.Locale), nil)
		return false, nil
	}

	err = uc.escrowRepo.Update(ctx, offer.ID, domain.StageActive, bson.M{
		"trx_id":         op.TrxID,
		"return_address": op.From,
		"stage":          domain.StageConfirmed,
	}, nil)
	if errors.Is(err, domain.ErrNotFound) {
		// cancelled between lookup and update
		return false, nil
	}
	if err != nil {
		return false, err
	}

	uc.logger.Info("Deposit confirmed",
		zap.String("offer_id", offer.ID.Hex()),
		zap.String("trx_id", op.TrxID),
		zap.Int64("block", op.BlockNum),
	)

	keyboard := domain.Row(
		domain.Button{
			Text: uc.translator.T("sent", recipient.Locale),
			Data: fmt.Sprintf("tokens_sent %s", offer.ID.Hex()),
		},
		domain.Button{
			Text: uc.translator.T("cancel", recipient.Locale),
			Data: fmt.Sprintf("tokens_cancel %s", offer.ID.Hex()),
		},
	)
	text := uc.translator.T("transaction_confirmed", recipient.Locale) + " " + chain.TrxURL(op.TrxID) + "\n" +
		uc.translator.T("send_to", recipient.Locale,
			money.FromDecimal128(offer.OtherSum()).String(),
			offer.OtherAsset(),
			offer.DepositorLegAddress(),
		)
	uc.send(ctx, recipient.ID, text, keyboard)
	return true, nil
}

// RefundTransaction handles a deposit addressed to the custodial
// account that mismatched the queued entry. It reports the wrong
// fields, waits for finality and returns the received amount to the
// detected sender. Offer stage never changes here.
func (uc *WatchUsecase) RefundTransaction(ctx context.Context, reasons []domain.MismatchReason, offerID primitive.ObjectID, op domain.Operation) error {
	offer, err := uc.escrowRepo.FindByID(ctx, offerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}

	depositor := offer.Depositor()

	text := uc.translator.T("transfer_mistakes", depositor.Locale)
	for _, reason := range reasons {
		text += "\n• " + uc.translator.T("wrong_"+string(reason), depositor.Locale)
	}
	text += "\n\n" + uc.translator.T("refund_after_confirmation", depositor.Locale)
	uc.send(ctx, depositor.ID, text, nil)

	confirmed, err := chain.IsBlockConfirmed(ctx, op.BlockNum, op)
	if err != nil {
		return fmt.Errorf("failed to check block confirmation: %w", err)
	}

	uc.stampTransactionTime(ctx, offer)

	if !confirmed {
		uc.send(ctx, depositor.ID,
			uc.translator.T("transaction_not_confirmed", depositor.Locale)+" "+
				uc.translator.T("try_again", depositor.Locale), nil)
		return nil
	}

	trxID, err := chain.Transfer(ctx, op.From, op.Amount, op.Asset)
	if err != nil {
		return fmt.Errorf("failed to refund transfer: %w", err)
	}

	uc.logger.Info("Mismatched deposit refunded",
		zap.String("offer_id", offer.ID.Hex()),
		zap.String("trx_id", trxID),
		zap.String("to", op.From),
	)

	uc.send(ctx, depositor.ID,
		uc.translator.T("transaction_refunded", depositor.Locale)+" "+chain.TrxURL(trxID)+"\n"+
			uc.translator.T("try_again", depositor.Locale), nil)
	return nil
}

func (uc *WatchUsecase) stampTransactionTime(ctx context.Context, offer *domain.EscrowOffer) {
	err := uc.escrowRepo.Update(ctx, offer.ID, "", bson.M{"transaction_time": uc.now()}, nil)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		uc.logger.Error("Failed to stamp transaction time",
			zap.Error(err), zap.String("offer_id", offer.ID.Hex()))
	}
}

func (uc *WatchUsecase) send(ctx context.Context, chatID int64, text string, keyboard domain.Keyboard) {
	if _, err := uc.messenger.Send(ctx, chatID, text, keyboard); err != nil {
		uc.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}
