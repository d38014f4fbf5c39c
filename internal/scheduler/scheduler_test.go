package scheduler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/upload-queue/internal/blob"
	"github.com/aliskhannn/upload-queue/internal/model"
	imgproc "github.com/aliskhannn/upload-queue/internal/processor"
	"github.com/aliskhannn/upload-queue/internal/queue"
	"github.com/aliskhannn/upload-queue/internal/repository/attachment"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Events() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event(nil), f.events...)
}

type fakeRepo struct {
	mu      sync.Mutex
	records []attachment.Record
}

func (f *fakeRepo) SaveAttachment(_ context.Context, rec attachment.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) Records() []attachment.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]attachment.Record(nil), f.records...)
}

type fakeFetcher struct {
	file model.File
	err  error
}

func (f fakeFetcher) Fetch(context.Context, string) (model.File, error) {
	return f.file, f.err
}

// fakeUploader records uploads and returns an attachment per call.
type fakeUploader struct {
	mu      sync.Mutex
	files   []model.File
	data    []model.AdditionalData
	err     error
	block   chan struct{}
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeUploader) Upload(_ context.Context, file model.File, data model.AdditionalData) (model.Attachment, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.files = append(f.files, file)
	f.data = append(f.data, data)

	return model.Attachment{"id": "att-" + file.Name, "url": "https://cdn/" + file.Name}, nil
}

func (f *fakeUploader) Files() []model.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.File(nil), f.files...)
}

func pngFile(t *testing.T, name string) *model.File {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	require.NoError(t, png.Encode(buf, image.NewNRGBA(image.Rect(0, 0, 16, 8))))
	return &model.File{Name: name, Data: buf.Bytes()}
}

type harness struct {
	store     *queue.Store
	blobs     *blob.Registry
	publisher *fakePublisher
	repo      *fakeRepo
	uploader  *fakeUploader
	sched     *Scheduler
}

func newHarness(t *testing.T, settings model.Settings, f fetcher) *harness {
	t.Helper()

	h := &harness{
		blobs:     blob.NewRegistry(time.Minute, 0),
		publisher: &fakePublisher{},
		repo:      &fakeRepo{},
		uploader:  &fakeUploader{},
	}
	t.Cleanup(h.blobs.Stop)

	if settings.MediaUpload == nil {
		settings.MediaUpload = h.uploader.Upload
	}
	h.store = queue.NewStore(model.NewState(settings), h.blobs)
	h.sched = New(Deps{
		Store:      h.store,
		Processor:  imgproc.New(""),
		Fetcher:    f,
		Blobs:      h.blobs,
		Publisher:  h.publisher,
		Repository: h.repo,
	}, retry.Strategy{Attempts: 1}, 10*time.Millisecond)

	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go h.sched.Run(ctx, &wg)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestScheduler_ProcessesItemToCompletion(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)

	var actions []string
	var mu sync.Mutex
	h.store.Subscribe(func(_, _ model.State, a queue.Action) {
		mu.Lock()
		actions = append(actions, a.Kind())
		mu.Unlock()
	})

	item, err := h.store.Enqueue(queue.Upload{
		File:           pngFile(t, "a.png"),
		Operations:     []model.Operation{model.NewOperation(model.OperationResizeCrop, "width", "8")},
		AdditionalData: model.AdditionalData{"post": 1},
	})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(h.store.State().Queue) == 0 && actions[len(actions)-1] == queue.KindRemove
	}, 2*time.Second, 10*time.Millisecond)

	files := h.uploader.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "a.png", files[0].Name)
	assert.Equal(t, "image/png", files[0].MimeType)

	records := h.repo.Records()
	require.Len(t, records, 1)
	assert.Equal(t, item.ID, records[0].ItemID)
	assert.Equal(t, "att-a.png", records[0].Attachment["id"])

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventItemFinished, events[0].Type)
	assert.Equal(t, item.ID, events[0].ItemID)

	assert.Zero(t, h.blobs.Len(), "preview handles are released")
	assert.Empty(t, h.store.State().BlobURLs)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, actions, queue.KindCacheBlobURL)
	assert.Contains(t, actions, queue.KindAddOperations)
}

func TestScheduler_DoesNotStartWhilePaused(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)
	h.store.Dispatch(queue.PauseQueue{})

	item, err := h.store.Enqueue(queue.Upload{File: pngFile(t, "a.png")})
	require.NoError(t, err)

	h.start(t)

	time.Sleep(100 * time.Millisecond)
	got, ok := queue.Item(h.store.State(), item.ID)
	require.True(t, ok)
	assert.Equal(t, model.ItemQueued, got.State())
	assert.Nil(t, got.CurrentOperation)

	h.store.Dispatch(queue.ResumeQueue{})

	require.Eventually(t, func() bool {
		return len(h.store.State().Queue) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_UploadFailureCancelsItem(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)
	h.uploader.err = errors.New("storage down")

	item, err := h.store.Enqueue(queue.Upload{File: pngFile(t, "a.png")})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		got, ok := queue.Item(h.store.State(), item.ID)
		return ok && got.Error != nil
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := queue.Item(h.store.State(), item.ID)
	assert.Equal(t, model.ErrorCodeUploadFailed, got.Error.Code)
	assert.Contains(t, got.Error.Message, "storage down")
	assert.Equal(t, "a.png", got.Error.File)
	assert.Empty(t, h.repo.Records())

	require.Eventually(t, func() bool {
		events := h.publisher.Events()
		return len(events) == 1 && events[0].Type == model.EventItemFailed
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, h.blobs.Len())

	// Failed items stay in the queue and are never retried.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.store.State().Queue, 1)
	assert.Empty(t, h.uploader.Files())
}

func TestScheduler_FetchesSourceURL(t *testing.T) {
	f := fakeFetcher{file: *pngFile(t, "remote.png")}
	h := newHarness(t, model.Settings{}, f)

	_, err := h.store.Enqueue(queue.Upload{
		SourceURL: "https://example.com/remote.png",
		File:      &model.File{Name: "renamed.png"},
	})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		return len(h.uploader.Files()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "renamed.png", h.uploader.Files()[0].Name)
}

func TestScheduler_PrepareValidatesFetchedFile(t *testing.T) {
	f := fakeFetcher{file: *pngFile(t, "remote.png")}
	h := newHarness(t, model.Settings{AllowedMimeTypes: []string{"video/*"}}, f)

	item, err := h.store.Enqueue(queue.Upload{SourceURL: "https://example.com/remote.png"})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		got, ok := queue.Item(h.store.State(), item.ID)
		return ok && got.Error != nil
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := queue.Item(h.store.State(), item.ID)
	assert.Equal(t, model.ErrorCodeMimeType, got.Error.Code)
}

func TestScheduler_RespectsConcurrencyLimit(t *testing.T) {
	h := newHarness(t, model.Settings{MaxConcurrentUploads: 2}, nil)
	h.uploader.block = make(chan struct{})

	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		_, err := h.store.Enqueue(queue.Upload{File: pngFile(t, name)})
		require.NoError(t, err)
	}

	h.start(t)

	require.Eventually(t, func() bool {
		return h.uploader.running.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, queue.Running(h.store.State()))

	close(h.uploader.block)

	require.Eventually(t, func() bool {
		return len(h.store.State().Queue) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, h.uploader.peak.Load())
}

func TestScheduler_CancelledWhileRunningStaysFailed(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)
	h.uploader.block = make(chan struct{})

	item, err := h.store.Enqueue(queue.Upload{File: pngFile(t, "a.png")})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		return h.uploader.running.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.CancelItem(item.ID, nil))
	close(h.uploader.block)

	time.Sleep(100 * time.Millisecond)
	got, ok := queue.Item(h.store.State(), item.ID)
	require.True(t, ok)
	assert.Equal(t, model.ItemFailed, got.State())
	assert.Equal(t, model.ErrorCodeCancelled, got.Error.Code)
	assert.Empty(t, h.repo.Records())
}

func TestScheduler_ThumbnailRecordsSize(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)

	_, err := h.store.Enqueue(queue.Upload{
		File: pngFile(t, "a.png"),
		Operations: []model.Operation{
			{Type: model.OperationUpload},
			model.NewOperation(model.OperationThumbnailGeneration, "width", "4", "height", "4", "name", "small"),
		},
	})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		return len(h.repo.Records()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := h.repo.Records()[0]
	assert.Equal(t, "att-a.png", rec.Attachment["id"])
	assert.Equal(t, map[string]any{"small": "https://cdn/a-4x4.png"}, rec.Attachment["sizes"])

	h.uploader.mu.Lock()
	defer h.uploader.mu.Unlock()
	require.Len(t, h.uploader.data, 2)
	assert.Equal(t, "att-a.png", h.uploader.data[1]["parent"])
}

func TestScheduler_NoMediaUpload(t *testing.T) {
	h := newHarness(t, model.Settings{}, nil)
	// A store whose settings carry no media upload handler.
	h.store = queue.NewStore(model.NewState(model.Settings{}), h.blobs)
	h.sched.store = h.store

	item, err := h.store.Enqueue(queue.Upload{File: pngFile(t, "a.png")})
	require.NoError(t, err)

	h.start(t)

	require.Eventually(t, func() bool {
		got, ok := queue.Item(h.store.State(), item.ID)
		return ok && got.Error != nil
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := queue.Item(h.store.State(), item.ID)
	assert.Contains(t, got.Error.Message, ErrNoMediaUpload.Error())
}

// staleStore runs hook once, right after handing out the first snapshot.
type staleStore struct {
	*queue.Store
	once sync.Once
	hook func()
}

func (s *staleStore) State() model.State {
	state := s.Store.State()
	s.once.Do(s.hook)
	return state
}

func TestScheduler_StaleSnapshot(t *testing.T) {
	tests := []struct {
		name  string
		hook  func(st *queue.Store, id string)
		check func(t *testing.T, item model.QueueItem, state model.State)
	}{
		{
			name: "paused",
			hook: func(st *queue.Store, _ string) { st.Dispatch(queue.PauseQueue{}) },
			check: func(t *testing.T, item model.QueueItem, state model.State) {
				assert.True(t, queue.IsPaused(state))
				assert.Equal(t, model.ItemQueued, item.State())
			},
		},
		{
			name: "cancelled",
			hook: func(st *queue.Store, id string) { _ = st.CancelItem(id, nil) },
			check: func(t *testing.T, item model.QueueItem, _ model.State) {
				require.NotNil(t, item.Error)
				assert.Equal(t, model.ErrorCodeCancelled, item.Error.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs := blob.NewRegistry(time.Minute, 0)
			t.Cleanup(blobs.Stop)

			inner := queue.NewStore(model.NewState(model.Settings{}), blobs)
			item, err := inner.Enqueue(queue.Upload{File: pngFile(t, "a.png")})
			require.NoError(t, err)

			var mu sync.Mutex
			var actions []string
			inner.Subscribe(func(_, _ model.State, a queue.Action) {
				mu.Lock()
				actions = append(actions, a.Kind())
				mu.Unlock()
			})

			st := &staleStore{Store: inner, hook: func() { tt.hook(inner, item.ID) }}
			sched := New(Deps{Store: st, Blobs: blobs}, retry.Strategy{}, time.Second)

			sched.schedule(context.Background())
			sched.inflight.Wait()

			mu.Lock()
			assert.NotContains(t, actions, queue.KindOperationStart)
			mu.Unlock()

			state := inner.State()
			got, ok := queue.Item(state, item.ID)
			require.True(t, ok)
			assert.Nil(t, got.CurrentOperation)
			tt.check(t, got, state)
		})
	}
}
