// Package events is the in-process broadcast layer between the queue engine
// and its subscribers (the WebSocket adapter, the optional NATS sink). A slow
// subscriber never back-pressures the engine: its oldest pending message is
// dropped and the subscription is flagged lossy so the consumer knows to
// resync from a REST snapshot.
package events

import "time"

// Message types on the broadcast channel. The WebSocket adapter translates
// these to the dotted wire names clients see.
const (
	TypeEntryAdded      = "entry_added"
	TypeEntryProcessing = "entry_processing"
	TypeEntryCompleted  = "entry_completed"
	TypeEntryFailed     = "entry_failed"
	TypeEntryCancelled  = "entry_cancelled"
	TypeEntryRemoved    = "entry_removed"
	TypeQueueReordered  = "queue_reordered"
	TypeConfigUpdated   = "config_updated"
)

// Message is one broadcast event.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EntryPayload describes the queue entry a message concerns.
type EntryPayload struct {
	QueueID  string `json:"queue_id"`
	EntryID  string `json:"entry_id"`
	PRNumber int    `json:"pr_number,omitempty"`
	Position int    `json:"position,omitempty"`
	Status   string `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ReorderPayload describes a queue reorder.
type ReorderPayload struct {
	QueueID  string   `json:"queue_id"`
	EntryIDs []string `json:"entry_ids"`
}
