package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Run identifies one pipeline cycle. The ID tags quality rows
// and logs so a cycle's outputs can be correlated afterwards.
type Run struct {
	ID      string
	Started time.Time
}

// NewRun starts a new run with a fresh ID.
func NewRun() *Run {
	return &Run{
		ID:      uuid.New().String(),
		Started: time.Now(),
	}
}
