package emailrpc

import "time"

// PendingRequest describes a request awaiting its reply.
type PendingRequest struct {
	RequestID    string
	AccountID    string
	Command      string
	RegisteredAt time.Time
}

// QueuedResponse describes a reply waiting for its request.
type QueuedResponse struct {
	RequestID  string
	ReceivedAt time.Time
}

// FolderCleanup describes one tracked housekeeping entry.
type FolderCleanup struct {
	Folder   string
	State    string
	Attempts int
	Since    time.Time

	// UIDs lists the received messages queued for deletion.
	UIDs []uint32 `json:",omitempty"`
}

// Snapshot is a point-in-time view of the controller's ledgers. Each ledger
// is read separately, so entries moving between them during the read may
// appear in neither or both.
type Snapshot struct {
	PendingRequests   []PendingRequest
	PendingResponses  []QueuedResponse
	ProcessedMessages map[string]string
	ResolvedRequests  []string
	Cleanups          []FolderCleanup
}

// Snapshot reports the contents of every ledger, oldest entries first.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot

	for _, e := range c.pendingRequests.Entries() {
		s.PendingRequests = append(s.PendingRequests, PendingRequest{
			RequestID:    e.Key,
			AccountID:    e.Value.accountID,
			Command:      e.Value.command,
			RegisteredAt: e.InsertedAt,
		})
	}
	for _, e := range c.pendingResponses.Entries() {
		s.PendingResponses = append(s.PendingResponses, QueuedResponse{
			RequestID:  e.Key,
			ReceivedAt: e.InsertedAt,
		})
	}

	processed := c.processedMessages.Entries()
	s.ProcessedMessages = make(map[string]string, len(processed))
	for _, e := range processed {
		s.ProcessedMessages[e.Key] = e.Value
	}

	s.ResolvedRequests = c.resolvedRequests.Keys()

	for _, e := range c.autoDelete.Entries() {
		s.Cleanups = append(s.Cleanups, FolderCleanup{
			Folder:   e.Key.String(),
			State:    e.Value.state.String(),
			Attempts: e.Value.attempts,
			Since:    e.InsertedAt,
			UIDs:     e.Value.uids,
		})
	}

	return s
}
