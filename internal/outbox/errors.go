package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a request is rejected before any network call.
	ErrValidation = errors.New("invalid request")
	// ErrNotAllowed is returned when the viewer may not delete for everyone.
	ErrNotAllowed = errors.New("not allowed")
)

// ChatInaccessibleError reports that the server refused access to a chat,
// usually because the viewer left or the chat was deleted. The caller may
// offer to purge the chat locally with PurgeChat.
type ChatInaccessibleError struct {
	ChatID int64
	Err    error
}

func (e *ChatInaccessibleError) Error() string {
	return fmt.Sprintf("chat %d is no longer accessible: %v", e.ChatID, e.Err)
}

func (e *ChatInaccessibleError) Unwrap() error { return e.Err }
