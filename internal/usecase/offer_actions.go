package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"escrow-service/internal/domain"
	"escrow-service/internal/money"
	"escrow-service/internal/repository"
	"escrow-service/internal/watch"
)

// ============================================================================
// ACCEPT / DECLINE
// ============================================================================

// Accept is the counter-party taking a pending offer: the initiator's
// other pending offers are dropped, the offer goes active and the
// counter-party gets their fee question.
func (uc *EscrowUsecase) Accept(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StagePending, repository.PartyCounter)
	if err != nil {
		return err
	}

	if err := uc.escrowRepo.DeleteOtherPending(ctx, offer.Init.ID, offer.ID); err != nil {
		uc.logger.Error("Failed to drop other pending offers", zap.Error(err))
	}

	err = uc.escrowRepo.Update(ctx, offer.ID, domain.StagePending, bson.M{
		"stage":      domain.StageActive,
		"react_time": uc.now(),
		"awaiting":   awaitingFor(FeeLegBuy),
	}, nil)
	if err != nil {
		return err
	}

	init := offer.Init
	cancelKeyboard := domain.Row(domain.Button{
		Text: uc.translator.T("cancel", init.Locale),
		Data: fmt.Sprintf("escrow_cancel %s", offer.ID.Hex()),
	})
	uc.send(ctx, init.ID,
		uc.translator.T("offer_accepted", init.Locale)+" "+
			uc.translator.T("notify_when_complete", init.Locale), cancelKeyboard)

	return uc.askFee(ctx, offer, FeeLegBuy, money.FromDecimal128(offer.EscrowSum()))
}

// Decline removes a pending offer; declining is terminal, the document
// moves to trash.
func (uc *EscrowUsecase) Decline(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StagePending, repository.PartyCounter)
	if err != nil {
		return err
	}

	offer.ReactTime = uc.now()
	if err := uc.escrowRepo.Archive(ctx, offer); err != nil {
		return err
	}

	uc.send(ctx, offer.Init.ID, uc.translator.T("offer_declined_init", offer.Init.Locale), nil)
	uc.send(ctx, offer.Counter.ID, uc.translator.T("offer_declined", offer.Counter.Locale), nil)
	return nil
}

// ============================================================================
// DEPOSIT WATCHING
// ============================================================================

// ClaimSent is the depositor claiming their deposit went out: a watch
// entry is enqueued and the blockchain backend takes over via the
// confirmation and refund callbacks.
func (uc *EscrowUsecase) ClaimSent(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StageActive, repository.PartyAny)
	if err != nil {
		return err
	}
	depositor := offer.Depositor()
	if depositor.ID != userID || offer.Memo == "" {
		return domain.ErrNotFound
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}
	queue := uc.queues.For(chain.Name())
	if queue == nil {
		return fmt.Errorf("no watch queue for chain %s", chain.Name())
	}

	fromAddress := offer.DepositorLegAddress()
	partyPrefix := "init"
	if depositor.ID == offer.Counter.ID {
		partyPrefix = "counter"
	}
	err = uc.escrowRepo.Update(ctx, offer.ID, domain.StageActive,
		bson.M{partyPrefix + ".send_address": fromAddress}, nil)
	if err != nil {
		return err
	}

	err = queue.Enqueue(ctx, watch.Entry{
		OfferID:       offer.ID,
		FromAddress:   fromAddress,
		AmountWithFee: money.FromDecimal128(offer.SumFeeUp),
		Asset:         offer.EscrowAsset(),
		Memo:          offer.Memo,
	})
	if err != nil {
		// streaming could not start: drop the entry so a retry can
		// re-trigger the session
		queue.Dequeue(offer.ID)
		uc.reportTransient(ctx, depositor.ID, depositor.Locale, err)
		return nil
	}

	uc.send(ctx, depositor.ID, uc.translator.T("claim_registered", depositor.Locale), nil)
	return nil
}

// ============================================================================
// COMPLETION
// ============================================================================

// TokensSent is the escrow recipient claiming the direct leg went out.
// The depositor is asked to confirm receipt; a timer reveals a dispute
// escalation if they stay silent.
func (uc *EscrowUsecase) TokensSent(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StageConfirmed, repository.PartyAny)
	if err != nil {
		return err
	}
	if offer.Recipient().ID != userID {
		return domain.ErrNotFound
	}

	depositor := offer.Depositor()
	yesOnly := domain.Row(domain.Button{
		Text: uc.translator.T("yes", depositor.Locale),
		Data: fmt.Sprintf("escrow_complete %s", offer.ID.Hex()),
	})
	msgID, err := uc.messenger.Send(ctx, depositor.ID,
		uc.translator.T("did_you_get", depositor.Locale, offer.OtherAsset()), yesOnly)
	if err != nil {
		return fmt.Errorf("failed to ask receipt confirmation: %w", err)
	}

	withDispute := domain.Row(
		yesOnly[0][0],
		domain.Button{
			Text: uc.translator.T("no", depositor.Locale),
			Data: fmt.Sprintf("escrow_validate %s", offer.ID.Hex()),
		},
	)
	id, chatID := offer.ID, depositor.ID
	uc.scheduler.After(uc.disputeRevealDelay, "dispute_reveal", func(jobCtx context.Context) {
		if _, err := uc.escrowRepo.FindByID(jobCtx, id); errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err := uc.messenger.EditReplyMarkup(jobCtx, chatID, msgID, withDispute); err != nil {
			uc.logger.Warn("Failed to reveal dispute button", zap.Error(err))
		}
	})

	recipient := offer.Recipient()
	uc.send(ctx, recipient.ID, uc.translator.T("complete_when_confirmed", recipient.Locale), nil)
	return nil
}

// Complete finishes the exchange: the custodian pays the escrowed
// asset, less fee, to the recipient and the offer document is removed.
// A failed transfer leaves the offer confirmed for manual recovery.
func (uc *EscrowUsecase) Complete(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StageConfirmed, repository.PartyAny)
	if err != nil {
		return err
	}
	depositor := offer.Depositor()
	if depositor.ID != userID {
		return domain.ErrNotFound
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}

	amount := money.FromDecimal128(offer.SumFeeDown)
	trxID, err := chain.Transfer(ctx, offer.RecipientLegAddress(), amount, offer.EscrowAsset())
	if err != nil {
		uc.logger.Error("Completion transfer failed, offer kept for manual recovery",
			zap.Error(err), zap.String("offer_id", offer.ID.Hex()))
		uc.reportTransient(ctx, depositor.ID, depositor.Locale, err)
		return nil
	}

	if err := uc.escrowRepo.Archive(ctx, offer); err != nil {
		return err
	}

	uc.logger.Info("Escrow completed",
		zap.String("offer_id", offer.ID.Hex()),
		zap.String("trx_id", trxID),
	)

	recipient := offer.Recipient()
	uc.send(ctx, recipient.ID,
		uc.translator.T("escrow_completed", recipient.Locale)+" "+
			uc.translator.T("sent_you", recipient.Locale, amount.String(), offer.EscrowAsset())+" "+
			chain.TrxURL(trxID), nil)
	uc.send(ctx, depositor.ID, uc.translator.T("escrow_completed", depositor.Locale), nil)
	return nil
}

// ============================================================================
// CANCELLATION AND ESCALATION
// ============================================================================

// Cancel removes an offer at any stage before confirmed. The watch
// entry, if any, is dropped so later blocks produce no callbacks.
func (uc *EscrowUsecase) Cancel(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, "", repository.PartyAny)
	if err != nil {
		return err
	}
	if offer.Stage == domain.StageConfirmed {
		actor, locale := uc.partyLocale(offer, userID)
		uc.send(ctx, actor, uc.translator.T("cant_cancel_stage", locale), nil)
		return nil
	}

	if chain, err := uc.registry.Get(offer.EscrowAsset()); err == nil {
		if queue := uc.queues.For(chain.Name()); queue != nil {
			queue.Dequeue(offer.ID)
		}
	}

	offer.CancelTime = uc.now()
	if err := uc.escrowRepo.Archive(ctx, offer); err != nil {
		return err
	}

	uc.send(ctx, offer.Init.ID, uc.translator.T("escrow_cancelled", offer.Init.Locale), nil)
	uc.send(ctx, offer.Counter.ID, uc.translator.T("escrow_cancelled", offer.Counter.Locale), nil)
	return nil
}

// CancelConfirmed is the second-level cancel available once funds sit
// in escrow: the deposit, fee included, goes back to the detected
// sender address and the offer is removed.
func (uc *EscrowUsecase) CancelConfirmed(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StageConfirmed, repository.PartyAny)
	if err != nil {
		return err
	}
	if offer.Recipient().ID != userID || offer.ReturnAddress == "" {
		return domain.ErrNotFound
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}

	amount := money.FromDecimal128(offer.SumFeeUp)
	trxID, err := chain.Transfer(ctx, offer.ReturnAddress, amount, offer.EscrowAsset())
	if err != nil {
		uc.logger.Error("Refund transfer failed", zap.Error(err), zap.String("offer_id", offer.ID.Hex()))
		actor, locale := uc.partyLocale(offer, userID)
		uc.reportTransient(ctx, actor, locale, err)
		return nil
	}

	offer.CancelTime = uc.now()
	if err := uc.escrowRepo.Archive(ctx, offer); err != nil {
		return err
	}

	depositor := offer.Depositor()
	recipient := offer.Recipient()
	uc.send(ctx, recipient.ID, uc.translator.T("escrow_cancelled", recipient.Locale), nil)
	uc.send(ctx, depositor.ID,
		uc.translator.T("escrow_cancelled", depositor.Locale)+" "+
			uc.translator.T("got_back", depositor.Locale, amount.String(), offer.EscrowAsset())+" "+
			chain.TrxURL(trxID), nil)
	return nil
}

// Validate escalates a disputed confirmed offer to the support channel
// for manual adjudication and removes it from automation.
func (uc *EscrowUsecase) Validate(ctx context.Context, userID int64, offerID string) error {
	offer, err := uc.offerForCallback(ctx, offerID, userID, domain.StageConfirmed, repository.PartyAny)
	if err != nil {
		return err
	}
	depositor := offer.Depositor()
	if depositor.ID != userID {
		return domain.ErrNotFound
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}

	uc.send(ctx, uc.supportChatID, fmt.Sprintf(
		"Unconfirmed escrow.\nTransaction: %s\nMemo: %s",
		chain.TrxURL(offer.TrxID), offer.Memo,
	), nil)

	if err := uc.escrowRepo.Archive(ctx, offer); err != nil {
		return err
	}

	uc.send(ctx, depositor.ID, uc.translator.T("manual_validation", depositor.Locale), nil)
	return nil
}

func (uc *EscrowUsecase) partyLocale(offer *domain.EscrowOffer, userID int64) (int64, string) {
	if offer.Init.ID == userID {
		return offer.Init.ID, offer.Init.Locale
	}
	return offer.Counter.ID, offer.Counter.Locale
}
