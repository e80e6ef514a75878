package telegram

import (
	"context"
	"strconv"

	"gopkg.in/tucnak/telebot.v2"

	"escrow-service/internal/domain"
)

// Send delivers text to a chat, translating the engine's keyboard into
// telegram inline buttons.
func (b *Bot) Send(ctx context.Context, chatID int64, text string, keyboard domain.Keyboard) (int, error) {
	var opts []interface{}
	if markup := toMarkup(keyboard); markup != nil {
		opts = append(opts, markup)
	}
	msg, err := b.tb.Send(&telebot.Chat{ID: chatID}, text, opts...)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// EditReplyMarkup replaces the keyboard of an earlier message. A nil
// keyboard strips the buttons.
func (b *Bot) EditReplyMarkup(ctx context.Context, chatID int64, messageID int, keyboard domain.Keyboard) error {
	stored := &telebot.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    chatID,
	}
	_, err := b.tb.EditReplyMarkup(stored, toMarkup(keyboard))
	return err
}

func toMarkup(keyboard domain.Keyboard) *telebot.ReplyMarkup {
	if len(keyboard) == 0 {
		return nil
	}
	rows := make([][]telebot.InlineButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]telebot.InlineButton, 0, len(row))
		for _, button := range row {
			buttons = append(buttons, telebot.InlineButton{
				Text: button.Text,
				Data: button.Data,
			})
		}
		rows = append(rows, buttons)
	}
	return &telebot.ReplyMarkup{InlineKeyboard: rows}
}
