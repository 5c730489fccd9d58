// Package slogx provides small helpers for building log/slog
// attributes with consistent keys across the codebase.
package slogx

import (
	"log/slog"
)

// Error returns a slog.Attr with key "error" and the error's message
// as value.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Conversation returns the attribute identifying a conversation in
// generation logs.
func Conversation(id string) slog.Attr {
	return slog.String("conversation_id", id)
}

// Message returns the attribute identifying a stored message in
// generation logs.
func Message(id string) slog.Attr {
	return slog.String("message_id", id)
}
