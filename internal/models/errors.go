package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParticipants = errors.New("invalid chat participants")
	ErrEmptyMessage        = errors.New("message text is empty")
	ErrChatNotFound        = errors.New("chat not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotParticipant      = errors.New("user is not a participant in this chat")
	ErrSelfChat            = errors.New("cannot start a chat with yourself")
	ErrInvalidStatus       = errors.New("invalid message status")
	ErrInvalidPresence     = errors.New("invalid presence state")
	ErrInvalidUser         = errors.New("invalid user profile")
	ErrTransportFailure    = errors.New("store unavailable")
)

// Transport wraps a store error so it matches ErrTransportFailure while
// keeping the cause in the chain. Nil and already-wrapped errors pass through.
func Transport(err error) error {
	if err == nil || errors.Is(err, ErrTransportFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}

// IsValidation reports whether err is one of the caller-facing logical errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidParticipants) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidPresence) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrSelfChat)
}
