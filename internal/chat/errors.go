package chat

import "errors"

// Errors that components detect locally, before or instead of a network call.
var (
	// ErrNotOwner is returned when editing or deleting a message the local
	// identity did not send. Rejected before any network call.
	ErrNotOwner = errors.New("message not owned by local identity")

	// ErrNoConversation is returned by operations that require an open thread.
	ErrNoConversation = errors.New("no conversation open")

	// ErrEmptyBody is returned when a send body is empty after trimming.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrUnauthorized maps 401/403 responses from the persistence API.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound maps 404 responses from the persistence API.
	ErrNotFound = errors.New("not found")
)
