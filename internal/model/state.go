package model

import (
	"context"
	"fmt"
)

// QueueStatus is the global gate on whether new work may be started.
type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	QueuePaused QueueStatus = "paused"
)

// String returns the raw status value.
func (s QueueStatus) String() string { return string(s) }

// ParseQueueStatus converts a string into a QueueStatus.
func ParseQueueStatus(s string) (QueueStatus, error) {
	switch QueueStatus(s) {
	case QueueActive:
		return QueueActive, nil
	case QueuePaused:
		return QueuePaused, nil
	default:
		return "", fmt.Errorf("unknown queue status: %q", s)
	}
}

// MediaUploadFunc uploads a file and returns the resulting attachment.
type MediaUploadFunc func(ctx context.Context, file File, data AdditionalData) (Attachment, error)

// Settings configure the upload queue.
type Settings struct {
	MediaUpload          MediaUploadFunc `json:"-"`
	MaxConcurrentUploads int             `json:"max_concurrent_uploads"`
	AllowedMimeTypes     []string        `json:"allowed_mime_types,omitempty"`
	MaxUploadSize        int64           `json:"max_upload_size"`
}

// SettingsUpdate is a partial Settings. Nil fields are left untouched.
type SettingsUpdate struct {
	MediaUpload          MediaUploadFunc `json:"-"`
	MaxConcurrentUploads *int            `json:"max_concurrent_uploads,omitempty"`
	AllowedMimeTypes     []string        `json:"allowed_mime_types,omitempty"`
	MaxUploadSize        *int64          `json:"max_upload_size,omitempty"`
}

// Merge returns a copy of s with the supplied fields of u applied.
func (s Settings) Merge(u SettingsUpdate) Settings {
	if u.MediaUpload != nil {
		s.MediaUpload = u.MediaUpload
	}
	if u.MaxConcurrentUploads != nil {
		s.MaxConcurrentUploads = *u.MaxConcurrentUploads
	}
	if u.AllowedMimeTypes != nil {
		s.AllowedMimeTypes = append([]string(nil), u.AllowedMimeTypes...)
	}
	if u.MaxUploadSize != nil {
		s.MaxUploadSize = *u.MaxUploadSize
	}

	return s
}

// State is the upload queue aggregate.
type State struct {
	Queue       []QueueItem         `json:"queue"`
	QueueStatus QueueStatus         `json:"queue_status"`
	BlobURLs    map[string][]string `json:"blob_urls"`
	Settings    Settings            `json:"settings"`
}

// NewState returns an empty active queue with the given settings.
func NewState(settings Settings) State {
	return State{
		Queue:       []QueueItem{},
		QueueStatus: QueueActive,
		BlobURLs:    map[string][]string{},
		Settings:    settings,
	}
}
