package outbox

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of one send attempt.
type State string

const (
	Composing State = "composing"
	Sending   State = "sending"
	Sent      State = "sent"
	Failed    State = "failed"
)

var attemptTransitions = map[State][]State{
	Composing: {Sending, Failed},
	Sending:   {Sent, Failed},
}

// Attempt is one try at sending a message. Sent and Failed are terminal; a
// retry is a new Attempt.
type Attempt struct {
	ID        string
	ChatID    int64
	State     State
	MessageID int64
	Err       string
	StartedAt time.Time
}

func newAttempt(chatID int64) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		State:     Composing,
		StartedAt: time.Now(),
	}
}

func (a *Attempt) to(s State) error {
	if !slices.Contains(attemptTransitions[a.State], s) {
		return fmt.Errorf("invalid attempt transition from %s to %s", a.State, s)
	}
	a.State = s
	return nil
}
