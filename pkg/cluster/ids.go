package cluster

import "github.com/google/uuid"

// newID returns a process-unique opaque identifier. A real UUID gives
// uniqueness and value-equality without a process-wide counter to
// synchronize.
func newID() string {
	return uuid.NewString()
}
