// Package telegram adapts the escrow engine to the Telegram Bot API.
// Callback data carries the routing: "action offer_id [field]".
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tucnak/telebot.v2"

	"escrow-service/internal/domain"
	"escrow-service/internal/i18n"
	"escrow-service/internal/usecase"
)

// Bot wires telegram updates into the escrow usecase and exposes the
// domain.Messenger contract for outbound messages.
type Bot struct {
	tb         *telebot.Bot
	escrow     *usecase.EscrowUsecase
	translator *i18n.Translator
	logger     *zap.Logger
}

// handlerTimeout bounds work done for a single update.
const handlerTimeout = 30 * time.Second

func NewBot(token string, translator *i18n.Translator, logger *zap.Logger) (*Bot, error) {
	tb, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{tb: tb, translator: translator, logger: logger}, nil
}

// SetEscrowUsecase breaks the construction cycle: the usecase needs the
// bot as its Messenger, and the bot routes updates into the usecase.
func (b *Bot) SetEscrowUsecase(escrow *usecase.EscrowUsecase) {
	b.escrow = escrow
}

// Start registers the handlers and blocks on long polling.
func (b *Bot) Start() {
	b.tb.Handle(telebot.OnText, b.onText)
	b.tb.Handle(telebot.OnCallback, b.onCallback)
	b.logger.Info("Telegram bot started", zap.String("username", b.tb.Me.Username))
	b.tb.Start()
}

// Stop terminates long polling.
func (b *Bot) Stop() {
	b.tb.Stop()
}

func (b *Bot) onText(m *telebot.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := b.escrow.HandleText(ctx, int64(m.Sender.ID), strings.TrimSpace(m.Text))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		b.logger.Error("Text handler failed",
			zap.Int64("user_id", int64(m.Sender.ID)),
			zap.Error(err))
	}
}

func (b *Bot) onCallback(c *telebot.Callback) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	userID := int64(c.Sender.ID)
	parts := strings.Fields(strings.TrimSpace(c.Data))
	if len(parts) < 2 {
		b.tb.Respond(c)
		return
	}
	action, targetID := parts[0], parts[1]

	var err error
	switch action {
	case "escrow":
		if len(parts) < 3 {
			b.tb.Respond(c)
			return
		}
		init := domain.Party{
			ID:     userID,
			Name:   partyName(c.Sender),
			Locale: c.Sender.LanguageCode,
		}
		err = b.escrow.StartEscrow(ctx, targetID, init, parts[2])
	case "accept":
		err = b.escrow.Accept(ctx, userID, targetID)
	case "decline":
		err = b.escrow.Decline(ctx, userID, targetID)
	case "sell_accept_fee":
		err = b.escrow.AcceptFee(ctx, userID, targetID, usecase.FeeLegSell)
	case "buy_accept_fee":
		err = b.escrow.AcceptFee(ctx, userID, targetID, usecase.FeeLegBuy)
	case "sell_decline_fee":
		if len(parts) < 3 {
			b.tb.Respond(c)
			return
		}
		err = b.escrow.DeclineFee(ctx, userID, targetID, usecase.FeeLegSell, parts[2])
	case "buy_decline_fee":
		if len(parts) < 3 {
			b.tb.Respond(c)
			return
		}
		err = b.escrow.DeclineFee(ctx, userID, targetID, usecase.FeeLegBuy, parts[2])
	case "escrow_cancel":
		err = b.escrow.Cancel(ctx, userID, targetID)
	case "escrow_sent":
		err = b.escrow.ClaimSent(ctx, userID, targetID)
	case "tokens_sent":
		err = b.escrow.TokensSent(ctx, userID, targetID)
	case "tokens_cancel":
		err = b.escrow.CancelConfirmed(ctx, userID, targetID)
	case "escrow_complete":
		err = b.escrow.Complete(ctx, userID, targetID)
	case "escrow_validate":
		err = b.escrow.Validate(ctx, userID, targetID)
	default:
		b.logger.Warn("Unknown callback action", zap.String("action", action))
		b.tb.Respond(c)
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		b.tb.Respond(c, &telebot.CallbackResponse{
			Text: b.translator.T("offer_not_found", c.Sender.LanguageCode),
		})
	case err != nil:
		b.logger.Error("Callback handler failed",
			zap.String("action", action),
			zap.Int64("user_id", userID),
			zap.Error(err))
		b.tb.Respond(c)
	default:
		b.tb.Respond(c)
	}
}

func partyName(u *telebot.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
