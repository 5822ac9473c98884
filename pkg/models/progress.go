package models

import "time"

// ProgressEventType names the per-channel event kinds on the progress bus.
type ProgressEventType string

const (
	ProgressEvent ProgressEventType = "progress"
	StatusEvent   ProgressEventType = "status"
	CompleteEvent ProgressEventType = "complete"
)

// ProgressScope distinguishes task-level from order-level channels.
type ProgressScope string

const (
	TaskScope  ProgressScope = "task"
	OrderScope ProgressScope = "order"
)

// ProgressPayload is the wire body of a progress event. It only ever lives
// on the broker's pub/sub channels; nothing here is persisted. Durable state
// stays on the Task/Order rows and can be re-fetched on reconnect.
type ProgressPayload struct {
	TaskID      int64             `json:"taskId,omitempty"`
	OrderID     int64             `json:"orderId,omitempty"`
	Type        ProgressEventType `json:"type"`
	Percent     float64           `json:"percent,omitempty"`
	CurrentItem string            `json:"currentItem,omitempty"`
	Status      string            `json:"status,omitempty"`
	Message     string            `json:"message,omitempty"`
	Timestamp   int64             `json:"timestamp"` // unix milliseconds
}

// NowMillis is the timestamp format carried by every progress payload.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
