package domain

import "context"

// Button is one inline keyboard button. Data follows the
// space-delimited "action offer_id [field]" callback convention.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of inline buttons.
type Keyboard [][]Button

// Row builds a single-row keyboard.
func Row(buttons ...Button) Keyboard {
	return Keyboard{buttons}
}

// Messenger is the chat transport boundary. The engine only needs to
// notify a user by opaque chat identity and to edit a previously sent
// keyboard.
type Messenger interface {
	// Send delivers text with an optional keyboard, returning the
	// message id for later markup edits.
	Send(ctx context.Context, chatID int64, text string, keyboard Keyboard) (int, error)

	// EditReplyMarkup replaces the keyboard of an earlier message.
	EditReplyMarkup(ctx context.Context, chatID int64, messageID int, keyboard Keyboard) error
}
