package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"escrow-service/internal/chains"
	"escrow-service/internal/domain"
	"escrow-service/internal/i18n"
	"escrow-service/internal/money"
	"escrow-service/internal/repository"
	"escrow-service/internal/watch"
	"escrow-service/internal/worker"
)

const (
	// pendingExpiry is how long the initiator keeps a Cancel button
	// on the "offer sent" notification. UI-only expiry, the offer
	// document is untouched.
	pendingExpiry = 60 * time.Minute

	// disputeRevealDelay is how long the receipt question shows only
	// "Yes" before a dispute escalation button appears.
	disputeRevealDelay = 10 * time.Minute
)

// FeeLeg names which party's 5% fee decision is being taken. The sell
// leg belongs to the initiator during creation, the buy leg to the
// counter-party after acceptance.
type FeeLeg string

const (
	FeeLegSell FeeLeg = "sell"
	FeeLegBuy  FeeLeg = "buy"
)

// awaitingFor is the marker stored on the offer while a leg's fee
// question is open.
func awaitingFor(leg FeeLeg) string {
	return string(leg) + "_fee"
}

// EscrowUsecase drives the offer lifecycle: sum entry, fee agreement,
// address exchange, deposit watching, confirmation and completion.
// Every operation verifies the expected party and stage before acting;
// a miss is answered as "not found" so offer existence never leaks.
type EscrowUsecase struct {
	escrowRepo repository.EscrowRepository
	orderRepo  repository.OrderRepository
	registry   *chains.Registry
	queues     *watch.Set
	messenger  domain.Messenger
	translator *i18n.Translator
	scheduler  *worker.Scheduler
	logger     *zap.Logger

	supportChatID int64

	// overridable in tests
	now                func() float64
	pendingExpiry      time.Duration
	disputeRevealDelay time.Duration
}

func NewEscrowUsecase(
	escrowRepo repository.EscrowRepository,
	orderRepo repository.OrderRepository,
	registry *chains.Registry,
	queues *watch.Set,
	messenger domain.Messenger,
	translator *i18n.Translator,
	scheduler *worker.Scheduler,
	logger *zap.Logger,
	supportChatID int64,
) *EscrowUsecase {
	return &EscrowUsecase{
		escrowRepo:         escrowRepo,
		orderRepo:          orderRepo,
		registry:           registry,
		queues:             queues,
		messenger:          messenger,
		translator:         translator,
		scheduler:          scheduler,
		logger:             logger,
		supportChatID:      supportChatID,
		now:                unixNow,
		pendingExpiry:      pendingExpiry,
		disputeRevealDelay: disputeRevealDelay,
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// ============================================================================
// OFFER CREATION
// ============================================================================

// CreateOffer converts a published order into an escrow proposal at
// stage creation and asks the initiator for the sum. sumCurrency names
// which of sum_buy/sum_sell the initiator supplies; the other side is
// derived from the order price.
func (uc *EscrowUsecase) CreateOffer(
	ctx context.Context,
	orderID primitive.ObjectID,
	offerType domain.OfferType,
	init, counter domain.Party,
	sumCurrency string,
) (*domain.EscrowOffer, error) {
	if sumCurrency != "sum_buy" && sumCurrency != "sum_sell" {
		return nil, fmt.Errorf("bad sum currency: %s", sumCurrency)
	}

	order, err := uc.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	offer := &domain.EscrowOffer{
		ID:          primitive.NewObjectID(),
		Order:       order.ID,
		Buy:         order.Buy,
		Sell:        order.Sell,
		Type:        offerType,
		Init:        init,
		Counter:     counter,
		Stage:       domain.StageCreation,
		Time:        uc.now(),
		SumCurrency: sumCurrency,
	}
	if err := uc.escrowRepo.Insert(ctx, offer); err != nil {
		return nil, err
	}

	asset := order.Buy
	if sumCurrency == "sum_sell" {
		asset = order.Sell
	}
	uc.send(ctx, init.ID, uc.translator.T("ask_sum", init.Locale, asset), nil)
	return offer, nil
}

// StartEscrow handles the "escrow" button on a published order: it
// decides which side gets escrowed from the assets the registry
// supports and creates the offer against the order's owner.
func (uc *EscrowUsecase) StartEscrow(ctx context.Context, orderID string, init domain.Party, sumCurrency string) error {
	id, err := primitive.ObjectIDFromHex(orderID)
	if err != nil {
		return domain.ErrNotFound
	}
	order, err := uc.orderRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if order.UserID == init.ID {
		return domain.ErrNotFound
	}

	var offerType domain.OfferType
	if _, err := uc.registry.Get(order.Buy); err == nil {
		offerType = domain.OfferTypeBuy
	} else if _, err := uc.registry.Get(order.Sell); err == nil {
		offerType = domain.OfferTypeSell
	} else {
		uc.send(ctx, init.ID, uc.translator.T("escrow_unavailable", init.Locale), nil)
		return nil
	}

	counter := domain.Party{ID: order.UserID}
	_, err = uc.CreateOffer(ctx, order.ID, offerType, init, counter, sumCurrency)
	return err
}

// ============================================================================
// TEXT STEP DISPATCH
// ============================================================================

// HandleText routes a plain-text message from a party to the step the
// offer is waiting on. The waiting step is derived from the document
// itself: an unset sum, then an unset seller address during creation,
// then an unset buyer address while active. While awaiting marks an
// open fee question, address text is not taken; the fee callbacks
// clear it.
func (uc *EscrowUsecase) HandleText(ctx context.Context, userID int64, text string) error {
	offer, err := uc.escrowRepo.FindForUser(ctx, userID, repository.PartyAny, "")
	if err != nil {
		return err
	}

	switch {
	case offer.Stage == domain.StageCreation && offer.Init.ID == userID && offer.SumCurrency != "":
		return uc.setSum(ctx, offer, text)
	case offer.Stage == domain.StageCreation && offer.Init.ID == userID && offer.Awaiting == "" && offer.SellAddress == "":
		return uc.setSellAddress(ctx, offer, text)
	case offer.Stage == domain.StageActive && offer.Counter.ID == userID && offer.Awaiting == "" && offer.BuyAddress == "":
		return uc.setBuyAddress(ctx, offer, text)
	}
	return domain.ErrNotFound
}

// setSum fixes the exchanged amount: validates the input, caps it by
// the order sum and the per-asset insurance limit, derives the other
// side from the order price and precomputes both fee figures.
func (uc *EscrowUsecase) setSum(ctx context.Context, offer *domain.EscrowOffer, text string) error {
	locale := offer.Init.Locale

	sum, err := money.Parse(text)
	if err != nil {
		return uc.reportValidation(ctx, offer.Init.ID, locale, err)
	}

	order, err := uc.orderRepo.FindByID(ctx, offer.Order)
	if err != nil {
		return err
	}

	var orderSum, price primitive.Decimal128
	var otherField string
	if offer.SumCurrency == "sum_buy" {
		orderSum, price, otherField = order.SumBuy, order.PriceSell, "sum_sell"
	} else {
		orderSum, price, otherField = order.SumSell, order.PriceBuy, "sum_buy"
	}

	if limit := money.FromDecimal128(orderSum); !limit.IsZero() && sum.GreaterThan(limit) {
		uc.send(ctx, offer.Init.ID, uc.translator.T("sum_exceeds_order", locale), nil)
		return nil
	}

	otherSum := money.Normalize(sum.Mul(money.FromDecimal128(price)))

	escrowSum := sum
	if (offer.Type == domain.OfferTypeBuy) != (offer.SumCurrency == "sum_buy") {
		escrowSum = otherSum
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}
	limits, err := chain.GetLimits(ctx, offer.EscrowAsset())
	if err != nil {
		uc.reportTransient(ctx, offer.Init.ID, locale, err)
		return nil
	}
	if escrowSum.GreaterThan(limits.Single) {
		uc.send(ctx, offer.Init.ID, uc.translator.T("sum_exceeds_insurance", locale,
			limits.Single.String(), offer.EscrowAsset()), nil)
		return nil
	}
	if !limits.Total.IsZero() {
		open, err := uc.escrowRepo.FindOpenByAsset(ctx, offer.EscrowAsset())
		if err != nil {
			uc.reportTransient(ctx, offer.Init.ID, locale, err)
			return nil
		}
		insured := escrowSum
		for _, o := range open {
			if o.ID != offer.ID {
				insured = insured.Add(money.FromDecimal128(o.EscrowSum()))
			}
		}
		if insured.GreaterThan(limits.Total) {
			headroom := decimal.Max(limits.Total.Sub(insured.Sub(escrowSum)), decimal.Zero)
			uc.send(ctx, offer.Init.ID, uc.translator.T("sum_exceeds_total_insurance", locale,
				headroom.String(), offer.EscrowAsset()), nil)
			return nil
		}
	}

	set := bson.M{
		offer.SumCurrency: money.ToDecimal128(sum),
		otherField:        money.ToDecimal128(otherSum),
		"sum_fee_up":      money.ToDecimal128(money.WithFee(escrowSum)),
		"sum_fee_down":    money.ToDecimal128(money.LessFee(escrowSum)),
		"awaiting":        awaitingFor(FeeLegSell),
	}
	err = uc.escrowRepo.Update(ctx, offer.ID, domain.StageCreation, set, bson.M{"sum_currency": true})
	if err != nil {
		return err
	}

	return uc.askFee(ctx, offer, FeeLegSell, escrowSum)
}

// ============================================================================
// FEE NEGOTIATION
// ============================================================================

// askFee presents the 5% fee question for one leg. The depositor is
// shown the amount to send including the fee, the recipient the amount
// arriving after it.
func (uc *EscrowUsecase) askFee(ctx context.Context, offer *domain.EscrowOffer, leg FeeLeg, escrowSum decimal.Decimal) error {
	party := offer.Init
	if leg == FeeLegBuy {
		party = offer.Counter
	}

	var feeField, phrasing string
	var amount decimal.Decimal
	if party.ID == offer.Depositor().ID {
		feeField, phrasing, amount = "sum_fee_up", "fee_pay", money.WithFee(escrowSum)
	} else {
		feeField, phrasing, amount = "sum_fee_down", "fee_get", money.LessFee(escrowSum)
	}

	text := uc.translator.T("fee_question", party.Locale) + " " +
		uc.translator.T(phrasing, party.Locale, amount.String(), offer.EscrowAsset())
	keyboard := domain.Row(
		domain.Button{
			Text: uc.translator.T("yes", party.Locale),
			Data: fmt.Sprintf("%s_accept_fee %s %s", leg, offer.ID.Hex(), feeField),
		},
		domain.Button{
			Text: uc.translator.T("no", party.Locale),
			Data: fmt.Sprintf("%s_decline_fee %s %s", leg, offer.ID.Hex(), feeField),
		},
	)
	uc.send(ctx, party.ID, text, keyboard)
	return nil
}

// AcceptFee keeps the precomputed fee figure, clears the open fee
// question and moves on to the address prompt for that leg.
func (uc *EscrowUsecase) AcceptFee(ctx context.Context, userID int64, offerID string, leg FeeLeg) error {
	offer, err := uc.offerForLeg(ctx, userID, offerID, leg)
	if err != nil {
		return err
	}
	err = uc.escrowRepo.Update(ctx, offer.ID, offer.Stage, nil, bson.M{"awaiting": true})
	if err != nil {
		return err
	}
	return uc.askAddress(ctx, offer, leg)
}

// DeclineFee resets the fee field back to the unmodified base sum (a
// 0% fee for that leg) and moves on. Declining never blocks the
// exchange.
func (uc *EscrowUsecase) DeclineFee(ctx context.Context, userID int64, offerID string, leg FeeLeg, feeField string) error {
	offer, err := uc.offerForLeg(ctx, userID, offerID, leg)
	if err != nil {
		return err
	}
	if feeField != "sum_fee_up" && feeField != "sum_fee_down" {
		return domain.ErrNotFound
	}
	err = uc.escrowRepo.Update(ctx, offer.ID, offer.Stage,
		bson.M{feeField: offer.EscrowSum()}, bson.M{"awaiting": true})
	if err != nil {
		return err
	}
	return uc.askAddress(ctx, offer, leg)
}

// offerForLeg guards a fee callback: the sell leg belongs to the
// initiator at stage creation, the buy leg to the counter-party at
// stage active.
func (uc *EscrowUsecase) offerForLeg(ctx context.Context, userID int64, offerID string, leg FeeLeg) (*domain.EscrowOffer, error) {
	switch leg {
	case FeeLegSell:
		return uc.offerForCallback(ctx, offerID, userID, domain.StageCreation, repository.PartyInit)
	case FeeLegBuy:
		return uc.offerForCallback(ctx, offerID, userID, domain.StageActive, repository.PartyCounter)
	}
	return nil, domain.ErrNotFound
}

func (uc *EscrowUsecase) askAddress(ctx context.Context, offer *domain.EscrowOffer, leg FeeLeg) error {
	if leg == FeeLegSell {
		uc.send(ctx, offer.Init.ID, uc.translator.T("send_address", offer.Init.Locale, offer.Sell), nil)
	} else {
		uc.send(ctx, offer.Counter.ID, uc.translator.T("send_address", offer.Counter.Locale, offer.Buy), nil)
	}
	return nil
}

// ============================================================================
// ADDRESS EXCHANGE
// ============================================================================

// setSellAddress stores the initiator's address, advances the offer to
// pending and presents it to the counter-party. The initiator gets a
// Cancel button that a soft-expiry timer strips after an hour without
// touching persisted state.
func (uc *EscrowUsecase) setSellAddress(ctx context.Context, offer *domain.EscrowOffer, text string) error {
	locale := offer.Init.Locale
	if !money.ValidAddress(text) {
		uc.send(ctx, offer.Init.ID, uc.translator.T("address_invalid", locale), nil)
		return nil
	}

	err := uc.escrowRepo.Update(ctx, offer.ID, domain.StageCreation, bson.M{
		"sell_address":         text,
		"init.receive_address": text,
		"stage":                domain.StagePending,
	}, nil)
	if err != nil {
		return err
	}

	counter := offer.Counter
	keyboard := domain.Row(
		domain.Button{
			Text: uc.translator.T("accept", counter.Locale),
			Data: fmt.Sprintf("accept %s", offer.ID.Hex()),
		},
		domain.Button{
			Text: uc.translator.T("decline", counter.Locale),
			Data: fmt.Sprintf("decline %s", offer.ID.Hex()),
		},
	)
	uc.send(ctx, counter.ID, uc.translator.T("got_offer", counter.Locale,
		money.FromDecimal128(offer.SumSell).String(), offer.Sell,
		money.FromDecimal128(offer.SumBuy).String(), offer.Buy,
	), keyboard)

	cancelKeyboard := domain.Row(domain.Button{
		Text: uc.translator.T("cancel", locale),
		Data: fmt.Sprintf("escrow_cancel %s", offer.ID.Hex()),
	})
	msgID, err := uc.messenger.Send(ctx, offer.Init.ID, uc.translator.T("offer_sent", locale), cancelKeyboard)
	if err != nil {
		uc.logger.Error("Failed to send offer-sent reply", zap.Error(err))
		return nil
	}

	offerID, initID := offer.ID, offer.Init.ID
	uc.scheduler.After(uc.pendingExpiry, "pending_soft_expiry", func(jobCtx context.Context) {
		if _, err := uc.escrowRepo.FindByID(jobCtx, offerID); errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err := uc.messenger.EditReplyMarkup(jobCtx, initID, msgID, nil); err != nil {
			uc.logger.Warn("Failed to strip cancel button", zap.Error(err))
		}
	})
	return nil
}

// setBuyAddress stores the counter-party's address, derives the
// deterministic deposit memo and emits deposit instructions to
// whichever party escrows their asset.
func (uc *EscrowUsecase) setBuyAddress(ctx context.Context, offer *domain.EscrowOffer, text string) error {
	locale := offer.Counter.Locale
	if !money.ValidAddress(text) {
		uc.send(ctx, offer.Counter.ID, uc.translator.T("address_invalid", locale), nil)
		return nil
	}

	offer.BuyAddress = text
	memo := fmt.Sprintf("escrow for %s %s to %s",
		money.FromDecimal128(offer.SumBuy).String(), offer.Buy, offer.DepositorLegAddress())

	err := uc.escrowRepo.Update(ctx, offer.ID, domain.StageActive, bson.M{
		"buy_address":             text,
		"counter.receive_address": text,
		"memo":                    memo,
	}, nil)
	if err != nil {
		return err
	}

	chain, err := uc.registry.Get(offer.EscrowAsset())
	if err != nil {
		return err
	}

	depositor := offer.Depositor()
	keyboard := domain.Row(
		domain.Button{
			Text: uc.translator.T("sent", depositor.Locale),
			Data: fmt.Sprintf("escrow_sent %s", offer.ID.Hex()),
		},
		domain.Button{
			Text: uc.translator.T("cancel", depositor.Locale),
			Data: fmt.Sprintf("escrow_cancel %s", offer.ID.Hex()),
		},
	)
	uc.send(ctx, depositor.ID, uc.translator.T("send_to_with_memo", depositor.Locale,
		money.FromDecimal128(offer.SumFeeUp).String(), offer.EscrowAsset(),
		chain.Address(), memo,
	), keyboard)

	if depositor.ID != offer.Counter.ID {
		cancelKeyboard := domain.Row(domain.Button{
			Text: uc.translator.T("cancel", locale),
			Data: fmt.Sprintf("escrow_cancel %s", offer.ID.Hex()),
		})
		uc.send(ctx, offer.Counter.ID,
			uc.translator.T("transfer_info_sent", locale)+" "+
				uc.translator.T("notify_when_complete", locale), cancelKeyboard)
	}
	return nil
}

// ============================================================================
// GUARDS AND SHARED HELPERS
// ============================================================================

// offerForCallback is the lookup-and-verify guard for inline-button
// callbacks. A malformed id, a missing offer, a foreign actor, the
// wrong party or the wrong stage all collapse into ErrNotFound.
func (uc *EscrowUsecase) offerForCallback(ctx context.Context, offerID string, userID int64, stage domain.Stage, party repository.PartyField) (*domain.EscrowOffer, error) {
	id, err := primitive.ObjectIDFromHex(offerID)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	offer, err := uc.escrowRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !offer.IsParty(userID) {
		return nil, domain.ErrNotFound
	}
	if stage != "" && offer.Stage != stage {
		return nil, domain.ErrNotFound
	}
	switch party {
	case repository.PartyInit:
		if offer.Init.ID != userID {
			return nil, domain.ErrNotFound
		}
	case repository.PartyCounter:
		if offer.Counter.ID != userID {
			return nil, domain.ErrNotFound
		}
	}
	return offer, nil
}

func (uc *EscrowUsecase) reportValidation(ctx context.Context, chatID int64, locale string, err error) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		uc.send(ctx, chatID, uc.translator.T(verr.Key, locale, verr.Args...), nil)
		return nil
	}
	return err
}

// reportTransient tells the user to retry later after a retryable
// backend failure; the offer stays as it was.
func (uc *EscrowUsecase) reportTransient(ctx context.Context, chatID int64, locale string, err error) {
	uc.logger.Warn("Transient backend failure", zap.Error(err))
	uc.send(ctx, chatID, uc.translator.T("temporary_error", locale), nil)
}

func (uc *EscrowUsecase) send(ctx context.Context, chatID int64, text string, keyboard domain.Keyboard) {
	if _, err := uc.messenger.Send(ctx, chatID, text, keyboard); err != nil {
		uc.logger.Error("Failed to send message", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}
