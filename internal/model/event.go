package model

import "time"

// EventType names a queue event published to the message broker.
type EventType string

const (
	EventItemFinished EventType = "item.finished"
	EventItemFailed   EventType = "item.failed"
	EventItemRemoved  EventType = "item.removed"
)

// Event is published whenever an item leaves the pipeline.
type Event struct {
	Type       EventType      `json:"type"`
	ItemID     string         `json:"item_id"`
	Attachment Attachment     `json:"attachment,omitempty"`
	Error      *ItemError     `json:"error,omitempty"`
	Data       AdditionalData `json:"additional_data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// UploadRequest asks the service to queue a file that already lives
// elsewhere (an http(s) url or an object key in the media bucket).
type UploadRequest struct {
	SourceURL      string         `json:"source_url"`
	Filename       string         `json:"filename"`
	Operations     []Operation    `json:"operations,omitempty"`
	AdditionalData AdditionalData `json:"additional_data,omitempty"`
}
