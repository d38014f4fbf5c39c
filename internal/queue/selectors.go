package queue

import (
	"slices"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// Item returns the queue item with the given id.
func Item(state model.State, id string) (model.QueueItem, bool) {
	idx := indexOf(state.Queue, id)
	if idx < 0 {
		return model.QueueItem{}, false
	}

	return state.Queue[idx], true
}

// IsPaused reports whether the scheduler may not start new operations.
func IsPaused(state model.State) bool {
	return state.QueueStatus == model.QueuePaused
}

// IsUploading reports whether any item still has work to do.
func IsUploading(state model.State) bool {
	return slices.ContainsFunc(state.Queue, isUploading)
}

// IsUploadingByID reports whether the item with the given id still has work
// to do.
func IsUploadingByID(state model.State, id string) bool {
	item, ok := Item(state, id)
	return ok && isUploading(item)
}

// IsUploadingByURL reports whether an item created from url, or previewed
// by the blob handle url, still has work to do.
func IsUploadingByURL(state model.State, url string) bool {
	for _, item := range state.Queue {
		if item.SourceURL == url && isUploading(item) {
			return true
		}
		if slices.Contains(state.BlobURLs[item.ID], url) && isUploading(item) {
			return true
		}
	}

	return false
}

// BlobURLs returns the blob handles cached for an item, in creation order.
func BlobURLs(state model.State, id string) []string {
	return slices.Clone(state.BlobURLs[id])
}

// Pending returns the items that wait for their next operation, in queue
// order.
func Pending(state model.State) []model.QueueItem {
	var pending []model.QueueItem
	for _, item := range state.Queue {
		if item.State() == model.ItemQueued {
			pending = append(pending, item)
		}
	}

	return pending
}

// Running returns the number of items with an operation in progress.
func Running(state model.State) int {
	n := 0
	for _, item := range state.Queue {
		if item.State() == model.ItemRunning {
			n++
		}
	}

	return n
}

func isUploading(item model.QueueItem) bool {
	s := item.State()
	return s == model.ItemQueued || s == model.ItemRunning
}
