package model

import "time"

// ProcessedMessage records that a transport message has been handled and the
// correlation id it carried.
type ProcessedMessage struct {
	MessageID   string    `db:"message_id"`
	RequestID   string    `db:"request_id"`
	ProcessedAt time.Time `db:"processed_at"`
}

// ResolvedRequest records that a correlation id completed a request.
type ResolvedRequest struct {
	RequestID  string    `db:"request_id"`
	ResolvedAt time.Time `db:"resolved_at"`
}
