package model

import "time"

// Attachment holds the metadata of the artifact produced for an item
// (remote id, url, sizes, ...). A nil Attachment means none was produced.
type Attachment map[string]any

// AdditionalData holds auxiliary key/value data sent along with the upload.
type AdditionalData map[string]any

// File is the media file being processed. Data is kept in memory and is
// never serialized.
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// ItemError is the failure payload stored on a cancelled item.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	if e.File != "" {
		return e.Code + ": " + e.Message + " (" + e.File + ")"
	}

	return e.Code + ": " + e.Message
}

// Well-known ItemError codes.
const (
	ErrorCodeCancelled       = "CANCELLED"
	ErrorCodeUploadFailed    = "UPLOAD_ERROR"
	ErrorCodeOperationFailed = "OPERATION_FAILED"
	ErrorCodeMimeType        = "MIME_TYPE_NOT_SUPPORTED"
	ErrorCodeSizeAboveLimit  = "SIZE_ABOVE_LIMIT"
	ErrorCodeEmptyFile       = "EMPTY_FILE"
)

// ItemState is the informal lifecycle state of a single queue item.
type ItemState string

const (
	ItemQueued  ItemState = "queued"  // operations left, nothing running
	ItemRunning ItemState = "running" // current operation set
	ItemIdle    ItemState = "idle"    // nothing left to do
	ItemFailed  ItemState = "failed"  // error set, terminal
)

// QueueItem is one upload task tracked by ID.
type QueueItem struct {
	ID               string         `json:"id"`
	Operations       []Operation    `json:"operations,omitempty"`
	CurrentOperation *Operation     `json:"current_operation,omitempty"`
	Attachment       Attachment     `json:"attachment,omitempty"`
	AdditionalData   AdditionalData `json:"additional_data,omitempty"`
	Error            *ItemError     `json:"error,omitempty"`
	File             *File          `json:"file,omitempty"`
	SourceURL        string         `json:"source_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// State derives the item's lifecycle state. An error always wins.
func (it QueueItem) State() ItemState {
	switch {
	case it.Error != nil:
		return ItemFailed
	case it.CurrentOperation != nil:
		return ItemRunning
	case len(it.Operations) > 0:
		return ItemQueued
	default:
		return ItemIdle
	}
}

// ItemUpdate is a partial update merged onto an item when an operation
// finishes. Nil fields are treated as not supplied. ID, Operations and
// CurrentOperation are owned by the reducer and cannot be supplied.
type ItemUpdate struct {
	File           *File          `json:"file,omitempty"`
	SourceURL      *string        `json:"source_url,omitempty"`
	Attachment     Attachment     `json:"attachment,omitempty"`
	AdditionalData AdditionalData `json:"additional_data,omitempty"`
	Error          *ItemError     `json:"error,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
}
