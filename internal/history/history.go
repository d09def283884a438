// Package history exports service status changes to external stores.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/runsh/internal/profile"
)

// Event is one status change of a service.
type Event struct {
	ID         string              `json:"id"`
	OccurredAt time.Time           `json:"occurred_at"`
	Name       string              `json:"name"`
	RunID      string              `json:"run_id,omitempty"`
	From       profile.State       `json:"from"`
	State      profile.State       `json:"state"`
	PID        int                 `json:"pid"`
	Restarts   int                 `json:"restarts"`
	ExitCode   *int                `json:"exit_code,omitempty"`
	Error      string              `json:"error,omitempty"`
	Failure    profile.FailureKind `json:"failure,omitempty"`
}

// NewEvent builds an Event for a transition from prev to st.
func NewEvent(prev profile.State, st profile.Status) Event {
	st = st.Clone()
	return Event{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Name:       st.Name,
		RunID:      st.RunID,
		From:       prev,
		State:      st.State,
		PID:        st.PID,
		Restarts:   st.Restarts,
		ExitCode:   st.LastExitCode,
		Error:      st.LastError,
		Failure:    st.Failure,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
