package agent

import "github.com/google/uuid"

// newCorrelationID returns a time-ordered id used only to tie together the
// handful of log lines one send cycle produces (attempt, ack/timeout,
// release), the same way the teacher's internal/store package derives a
// stable id for cross-referencing related records. It never reaches the
// wire format itself.
func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return id.String()
}
