// Package scheduler drives queue items through their operation pipelines.
//
// It is the only writer of OperationStart, OperationFinish and
// AddOperations. It never starts an operation while the queue is paused,
// never runs operations on a failed item, and releases an item's blob
// handles before forgetting them.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/model"
	"github.com/aliskhannn/upload-queue/internal/queue"
	"github.com/aliskhannn/upload-queue/internal/repository/attachment"
)

// store is the queue state holder the scheduler dispatches to.
type store interface {
	State() model.State
	Dispatch(action queue.Action) model.State
	Subscribe(l queue.Listener) func()
	StartOperation(id string, op model.Operation) bool
	RevokeBlobURLs(id string)
}

// processor applies image operations to files.
type processor interface {
	Supports(op model.OperationType) bool
	Process(ctx context.Context, op model.Operation, file model.File) (model.File, error)
}

// fetcher downloads the data of items created from a source url.
type fetcher interface {
	Fetch(ctx context.Context, source string) (model.File, error)
}

// blobs creates local preview handles.
type blobs interface {
	Create(data []byte, mimeType string) string
}

// publisher publishes queue events.
type publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// repository persists finished attachments.
type repository interface {
	SaveAttachment(ctx context.Context, rec attachment.Record) error
}

// Deps groups the collaborators of a Scheduler. Publisher and Repository
// are optional.
type Deps struct {
	Store      store
	Processor  processor
	Fetcher    fetcher
	Blobs      blobs
	Publisher  publisher
	Repository repository
}

// Scheduler executes queued operations.
type Scheduler struct {
	store      store
	processor  processor
	fetcher    fetcher
	blobs      blobs
	publisher  publisher
	repository repository

	strategy retry.Strategy
	interval time.Duration

	mu       sync.Mutex
	running  map[string]struct{}
	wakeCh   chan struct{}
	inflight sync.WaitGroup
}

// New creates a Scheduler. interval is how often it re-checks the queue
// when nothing wakes it up.
func New(deps Deps, strategy retry.Strategy, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}

	return &Scheduler{
		store:      deps.Store,
		processor:  deps.Processor,
		fetcher:    deps.Fetcher,
		blobs:      deps.Blobs,
		publisher:  deps.Publisher,
		repository: deps.Repository,
		strategy:   strategy,
		interval:   interval,
		running:    make(map[string]struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Run schedules operations until ctx is cancelled, then waits for the
// operations in flight to return.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	unsubscribe := s.store.Subscribe(func(_, _ model.State, _ queue.Action) {
		s.wake()
	})
	defer unsubscribe()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zlog.Logger.Info().Dur("interval", s.interval).Msg("starting scheduler")

	for {
		s.schedule(ctx)

		select {
		case <-ctx.Done():
			zlog.Logger.Info().Msg("shutdown signal received, waiting for running operations")
			s.inflight.Wait()
			zlog.Logger.Info().Msg("scheduler stopped")
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// schedule starts the next operation of every pending item, up to the
// concurrency limit.
func (s *Scheduler) schedule(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	state := s.store.State()
	if queue.IsPaused(state) {
		return
	}

	limit := state.Settings.MaxConcurrentUploads

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range queue.Pending(state) {
		if _, ok := s.running[item.ID]; ok {
			continue
		}
		if limit > 0 && len(s.running) >= limit {
			return
		}

		// The snapshot may be stale: a pause or cancel that landed since
		// then makes StartOperation refuse.
		op := item.Operations[0]
		if !s.store.StartOperation(item.ID, op) {
			continue
		}
		s.running[item.ID] = struct{}{}

		s.inflight.Add(1)
		go s.run(ctx, item.ID, op)
	}
}

// run executes op for the item and records the outcome.
func (s *Scheduler) run(ctx context.Context, id string, op model.Operation) {
	defer s.inflight.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.wake()
	}()

	item, ok := queue.Item(s.store.State(), id)
	if !ok || item.Error != nil {
		return
	}

	log := zlog.Logger.With().Str("item_id", id).Str("operation", op.Type.String()).Logger()
	log.Debug().Msg("operation started")

	res, err := s.execute(ctx, item, op)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("operation interrupted by shutdown")
			return
		}

		log.Error().Err(err).Msg("operation failed")
		s.fail(ctx, item, itemError(err, item))
		return
	}

	// An item cancelled while the operation ran stays failed.
	if current, ok := queue.Item(s.store.State(), id); !ok || current.Error != nil {
		return
	}

	if len(res.operations) > 0 {
		s.store.Dispatch(queue.AddOperations{ID: id, Operations: res.operations})
	}
	state := s.store.Dispatch(queue.OperationFinish{ID: id, Update: res.update})
	log.Debug().Msg("operation finished")

	if finished, ok := queue.Item(state, id); ok && finished.State() == model.ItemIdle {
		s.complete(ctx, finished)
	}
}

// complete reports a fully processed item and removes it from the queue.
func (s *Scheduler) complete(ctx context.Context, item model.QueueItem) {
	s.publish(ctx, model.Event{
		Type:       model.EventItemFinished,
		ItemID:     item.ID,
		Attachment: item.Attachment,
		Data:       item.AdditionalData,
		OccurredAt: time.Now().UTC(),
	})

	s.store.RevokeBlobURLs(item.ID)
	s.store.Dispatch(queue.Remove{ID: item.ID})

	zlog.Logger.Info().Str("item_id", item.ID).Msg("upload finished")
}

// fail marks the item as failed and releases its blob handles. The item
// stays in the queue until it is removed explicitly.
func (s *Scheduler) fail(ctx context.Context, item model.QueueItem, itemErr *model.ItemError) {
	s.store.Dispatch(queue.Cancel{ID: item.ID, Error: itemErr})
	s.store.RevokeBlobURLs(item.ID)

	s.publish(ctx, model.Event{
		Type:       model.EventItemFailed,
		ItemID:     item.ID,
		Error:      itemErr,
		Data:       item.AdditionalData,
		OccurredAt: time.Now().UTC(),
	})
}

func (s *Scheduler) publish(ctx context.Context, ev model.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		zlog.Logger.Err(err).
			Str("item_id", ev.ItemID).
			Str("event", string(ev.Type)).
			Msg("failed to publish event")
	}
}

// withRetry runs fn under the configured retry strategy. A strategy without
// attempts runs fn once.
func (s *Scheduler) withRetry(fn func() error) error {
	if s.strategy.Attempts <= 0 {
		return fn()
	}

	return retry.Do(fn, s.strategy)
}

// itemError converts an executor error into the failure payload stored on
// the item.
func itemError(err error, item model.QueueItem) *model.ItemError {
	var itemErr *model.ItemError
	if errors.As(err, &itemErr) {
		return itemErr
	}

	code := model.ErrorCodeOperationFailed
	if item.CurrentOperation != nil && item.CurrentOperation.Type == model.OperationUpload {
		code = model.ErrorCodeUploadFailed
	}

	var name string
	if item.File != nil {
		name = item.File.Name
	}

	return &model.ItemError{
		Code:    code,
		Message: err.Error(),
		File:    name,
	}
}
