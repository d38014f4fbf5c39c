// Package queue holds the upload queue state machine: the pure reducer,
// read-only selectors over its state and the Store that serializes
// dispatches and notifies subscribers.
//
// Reduce never mutates its inputs. Every transition returns a new State in
// which only the changed paths are fresh copies; untouched items, slices and
// maps are shared with the previous state.
package queue

import (
	"maps"
	"slices"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// Reduce derives the next state from state and action. It is total: actions
// that target an unknown item, and action types it does not recognize,
// return state unchanged.
func Reduce(state model.State, action Action) model.State {
	switch a := action.(type) {
	case PauseQueue:
		state.QueueStatus = model.QueuePaused
		return state

	case ResumeQueue:
		state.QueueStatus = model.QueueActive
		return state

	case Add:
		queue := make([]model.QueueItem, len(state.Queue), len(state.Queue)+1)
		copy(queue, state.Queue)
		state.Queue = append(queue, a.Item)
		return state

	case Cancel:
		return updateItem(state, a.ID, func(item model.QueueItem) model.QueueItem {
			item.Error = a.Error
			return item
		})

	case Remove:
		idx := indexOf(state.Queue, a.ID)
		if idx < 0 {
			return state
		}
		state.Queue = slices.Delete(slices.Clone(state.Queue), idx, idx+1)
		return state

	case OperationStart:
		return updateItem(state, a.ID, func(item model.QueueItem) model.QueueItem {
			op := a.Operation
			item.CurrentOperation = &op
			return item
		})

	case AddOperations:
		return updateItem(state, a.ID, func(item model.QueueItem) model.QueueItem {
			ops := make([]model.Operation, 0, len(item.Operations)+len(a.Operations))
			ops = append(ops, item.Operations...)
			item.Operations = append(ops, a.Operations...)
			return item
		})

	case OperationFinish:
		return updateItem(state, a.ID, func(item model.QueueItem) model.QueueItem {
			return finishOperation(item, a.Update)
		})

	case CacheBlobURL:
		urls := maps.Clone(state.BlobURLs)
		if urls == nil {
			urls = make(map[string][]string, 1)
		}
		cached := make([]string, 0, len(urls[a.ID])+1)
		cached = append(cached, urls[a.ID]...)
		urls[a.ID] = append(cached, a.BlobURL)
		state.BlobURLs = urls
		return state

	case RevokeBlobURLs:
		urls := maps.Clone(state.BlobURLs)
		delete(urls, a.ID)
		state.BlobURLs = urls
		return state

	case UpdateSettings:
		state.Settings = state.Settings.Merge(a.Settings)
		return state

	default:
		return state
	}
}

// finishOperation pops the first pending operation, clears the current one
// and merges update onto item. Attachment stays nil unless one side has it.
func finishOperation(item model.QueueItem, update model.ItemUpdate) model.QueueItem {
	if len(item.Operations) > 0 {
		item.Operations = slices.Clone(item.Operations[1:])
	}
	item.CurrentOperation = nil

	if update.File != nil {
		item.File = update.File
	}
	if update.SourceURL != nil {
		item.SourceURL = *update.SourceURL
	}
	if update.Error != nil {
		item.Error = update.Error
	}
	if update.CreatedAt != nil {
		item.CreatedAt = *update.CreatedAt
	}

	if item.Attachment != nil || update.Attachment != nil {
		item.Attachment = merge(item.Attachment, update.Attachment)
	}
	item.AdditionalData = merge(item.AdditionalData, update.AdditionalData)

	return item
}

// merge returns a new map holding dst overlaid by src.
func merge[M ~map[string]any](dst, src M) M {
	out := make(M, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)

	return out
}

// updateItem replaces the item with the given id by fn(item). The queue slice
// is copied so the previous state keeps its own items.
func updateItem(state model.State, id string, fn func(model.QueueItem) model.QueueItem) model.State {
	idx := indexOf(state.Queue, id)
	if idx < 0 {
		return state
	}

	queue := slices.Clone(state.Queue)
	queue[idx] = fn(queue[idx])
	state.Queue = queue

	return state
}

func indexOf(queue []model.QueueItem, id string) int {
	return slices.IndexFunc(queue, func(item model.QueueItem) bool {
		return item.ID == id
	})
}
