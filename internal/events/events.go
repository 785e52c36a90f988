package events

import (
	"time"

	"github.com/marcus/fieldsync/internal/models"
)

// SyncStatusChanged is published at the start and end of every sync pass.
// A pass that started is always followed by exactly one update with
// InProgress false.
type SyncStatusChanged struct {
	InProgress bool         `json:"in_progress"`
	LastResult *SyncSummary `json:"last_result,omitempty"`
	At         time.Time    `json:"at"`
}

// SyncSummary is the compact outcome of a finished pass.
type SyncSummary struct {
	Status    string    `json:"status"`
	Trigger   string    `json:"trigger,omitempty"`
	Synced    int       `json:"synced"`
	Rejected  int       `json:"rejected"`
	Escalated int       `json:"escalated"`
	Finished  time.Time `json:"finished_at"`
}

// LocationChanged is published for every stored location sample.
type LocationChanged struct {
	Sample models.LocationSample `json:"sample"`
}

// MovementStateChanged is published when the inferred movement state changes.
type MovementStateChanged struct {
	From models.MovementState `json:"from"`
	To   models.MovementState `json:"to"`
	At   time.Time            `json:"at"`
}

// Bus groups the topics a running device publishes on.
type Bus struct {
	SyncStatus *Topic[SyncStatusChanged]
	Location   *Topic[LocationChanged]
	Movement   *Topic[MovementStateChanged]
}

// NewBus creates a bus with empty topics.
func NewBus() *Bus {
	return &Bus{
		SyncStatus: NewTopic[SyncStatusChanged](),
		Location:   NewTopic[LocationChanged](),
		Movement:   NewTopic[MovementStateChanged](),
	}
}
