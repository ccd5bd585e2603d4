package chat

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidPair     = errors.New("conversation requires one doctor and one patient")
	ErrSelfSend        = errors.New("sender and recipient are the same user")
	ErrEmptyMessage    = errors.New("message has no content")
	ErrMessageTooLarge = errors.New("message too large")
)
