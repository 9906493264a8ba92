package replication

import "github.com/google/uuid"

type clientRequest struct {
	index      int64
	identifier uuid.UUID
}

// ClientRequestTracker remembers which client request produced which log entry,
// ordered by log index.
type ClientRequestTracker struct {
	queue []clientRequest
}

func (t *ClientRequestTracker) Add(index int64, identifier uuid.UUID) {
	t.queue = append(t.queue, clientRequest{index: index, identifier: identifier})
}

// Remove returns the identifier tracked for index. Entries below index are dropped,
// their log entries were replaced before being applied.
func (t *ClientRequestTracker) Remove(index int64) (uuid.UUID, bool) {
	for len(t.queue) > 0 && t.queue[0].index < index {
		t.queue = t.queue[1:]
	}

	if len(t.queue) == 0 || t.queue[0].index != index {
		return uuid.Nil, false
	}

	var req = t.queue[0]
	t.queue = t.queue[1:]

	return req.identifier, true
}

func (t *ClientRequestTracker) Len() int {
	return len(t.queue)
}
