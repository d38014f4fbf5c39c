package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// Listener is notified after every dispatch with the states around it.
type Listener func(prev, next model.State, action Action)

// blobReleaser releases the resources behind blob handles.
type blobReleaser interface {
	RevokeAll(urls []string)
}

// Store owns the queue state. Dispatches are applied one at a time in the
// order they arrive; listeners run outside the lock.
type Store struct {
	mu        sync.Mutex
	state     model.State
	listeners map[int]Listener
	nextID    int

	blobs blobReleaser
	now   func() time.Time
}

// NewStore creates a Store holding initial. blobs may be nil when the
// caller never caches blob handles.
func NewStore(initial model.State, blobs blobReleaser) *Store {
	if initial.Queue == nil {
		initial.Queue = []model.QueueItem{}
	}
	if initial.BlobURLs == nil {
		initial.BlobURLs = map[string][]string{}
	}
	if initial.QueueStatus == "" {
		initial.QueueStatus = model.QueueActive
	}

	return &Store{
		state:     initial,
		listeners: make(map[int]Listener),
		blobs:     blobs,
		now:       time.Now,
	}
}

// State returns the current state snapshot. Callers must treat it as
// read-only.
func (s *Store) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Dispatch reduces action onto the current state and returns the new state.
func (s *Store) Dispatch(action Action) model.State {
	next, _ := s.dispatchIf(action, nil)
	return next
}

// StartOperation dispatches OperationStart for op unless the queue is
// paused or the item is gone, failed or already running. The check and the
// dispatch happen under one lock, so a concurrent pause or cancel always
// wins. It reports whether the operation was started.
func (s *Store) StartOperation(id string, op model.Operation) bool {
	_, started := s.dispatchIf(OperationStart{ID: id, Operation: op}, func(state model.State) bool {
		if IsPaused(state) {
			return false
		}
		item, ok := Item(state, id)
		return ok && item.State() == model.ItemQueued
	})

	return started
}

// dispatchIf reduces action when cond (if any) holds for the current state.
func (s *Store) dispatchIf(action Action, cond func(model.State) bool) (model.State, bool) {
	s.mu.Lock()
	prev := s.state
	if cond != nil && !cond(prev) {
		s.mu.Unlock()
		return prev, false
	}
	next := Reduce(prev, action)
	s.state = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	ev := zlog.Logger.Debug().Str("action", action.Kind())
	if id, ok := ItemID(action); ok {
		ev = ev.Str("item_id", id)
	}
	ev.Msg("queue action dispatched")

	for _, l := range listeners {
		l(prev, next, action)
	}

	return next, true
}

// Subscribe registers l and returns a function that unregisters it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Upload describes a new item to enqueue.
type Upload struct {
	File           *model.File
	SourceURL      string
	Operations     []model.Operation
	AdditionalData model.AdditionalData
}

// Enqueue validates u against the current settings, adds it to the queue
// and returns the new item. Validation failures are returned as
// *model.ItemError and nothing is added.
func (s *Store) Enqueue(u Upload) (model.QueueItem, error) {
	hasData := u.File != nil && len(u.File.Data) > 0
	if !hasData && u.SourceURL == "" {
		return model.QueueItem{}, ErrNothingToUpload
	}

	// Items created from a source url are validated once the prepare step
	// has fetched their data.
	if hasData {
		if u.File.MimeType == "" {
			u.File.MimeType = mimetype.Detect(u.File.Data).String()
		}
		u.File.Size = int64(len(u.File.Data))
		if err := ValidateFile(*u.File, s.State().Settings); err != nil {
			return model.QueueItem{}, err
		}
	}

	// Every item starts with the prepare step.
	ops := model.DefaultPipeline()
	for _, op := range u.Operations {
		if op.Type != model.OperationPrepare {
			ops = append(ops, op)
		}
	}

	item := model.QueueItem{
		ID:             uuid.NewString(),
		Operations:     ops,
		AdditionalData: u.AdditionalData,
		File:           u.File,
		SourceURL:      u.SourceURL,
		CreatedAt:      s.now().UTC(),
	}
	s.Dispatch(Add{Item: item})

	return item, nil
}

// CancelItem marks the item as failed and releases its blob handles.
func (s *Store) CancelItem(id string, itemErr *model.ItemError) error {
	if _, ok := Item(s.State(), id); !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrItemNotFound)
	}

	if itemErr == nil {
		itemErr = &model.ItemError{Code: model.ErrorCodeCancelled, Message: "File upload was cancelled"}
	}

	s.Dispatch(Cancel{ID: id, Error: itemErr})
	s.RevokeBlobURLs(id)

	return nil
}

// RemoveItem releases the item's blob handles and removes it from the queue.
func (s *Store) RemoveItem(id string) error {
	if _, ok := Item(s.State(), id); !ok {
		return fmt.Errorf("remove %s: %w", id, ErrItemNotFound)
	}

	s.RevokeBlobURLs(id)
	s.Dispatch(Remove{ID: id})

	return nil
}

// RevokeBlobURLs releases every blob handle cached for id and forgets them.
func (s *Store) RevokeBlobURLs(id string) {
	urls := BlobURLs(s.State(), id)
	if s.blobs != nil && len(urls) > 0 {
		s.blobs.RevokeAll(urls)
	}

	s.Dispatch(RevokeBlobURLs{ID: id})
}

// ValidateFile checks f against the size and mime type limits of settings.
// Failures are returned as *model.ItemError.
func ValidateFile(f model.File, settings model.Settings) error {
	if f.Size == 0 {
		return &model.ItemError{
			Code:    model.ErrorCodeEmptyFile,
			Message: "file is empty",
			File:    f.Name,
		}
	}

	if settings.MaxUploadSize > 0 && f.Size > settings.MaxUploadSize {
		return &model.ItemError{
			Code: model.ErrorCodeSizeAboveLimit,
			Message: fmt.Sprintf("file size %s exceeds the maximum upload size of %s",
				humanize.Bytes(uint64(f.Size)), humanize.Bytes(uint64(settings.MaxUploadSize))),
			File: f.Name,
		}
	}

	if len(settings.AllowedMimeTypes) > 0 && !mimeAllowed(f.MimeType, settings.AllowedMimeTypes) {
		return &model.ItemError{
			Code:    model.ErrorCodeMimeType,
			Message: fmt.Sprintf("file type %q is not allowed", f.MimeType),
			File:    f.Name,
		}
	}

	return nil
}

// mimeAllowed matches mime (parameters stripped) against exact types and
// "type/*" wildcards.
func mimeAllowed(mime string, allowed []string) bool {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.TrimSpace(mime)

	for _, a := range allowed {
		if a == mime {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mime, prefix+"/") {
			return true
		}
	}

	return false
}
