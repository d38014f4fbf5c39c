package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/upload-queue/internal/model"
)

var (
	opA = model.NewOperation(model.OperationResizeCrop, "width", "100")
	opB = model.NewOperation(model.OperationUpload)
)

type unknownAction struct{}

func (unknownAction) Kind() string { return "UNKNOWN" }

func newTestState(items ...model.QueueItem) model.State {
	s := model.NewState(model.Settings{MaxConcurrentUploads: 2})
	for _, it := range items {
		s = Reduce(s, Add{Item: it})
	}
	return s
}

func TestReduce_UnknownActionIsIdentity(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x", Operations: []model.Operation{opA}})
	s = Reduce(s, CacheBlobURL{ID: "x", BlobURL: "blob:1"})

	assert.Equal(t, s, Reduce(s, unknownAction{}))
	assert.Equal(t, s, Reduce(s, nil))
	// Pointer forms are not part of the action set.
	assert.Equal(t, s, Reduce(s, &PauseQueue{}))
}

func TestReduce_PauseResume(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x"})

	paused := Reduce(s, PauseQueue{})
	assert.Equal(t, model.QueuePaused, paused.QueueStatus)
	assert.Equal(t, model.QueueActive, s.QueueStatus, "input must not change")

	resumed := Reduce(paused, ResumeQueue{})
	assert.Equal(t, model.QueueActive, resumed.QueueStatus)
	assert.Equal(t, s.Queue, resumed.Queue)
}

func TestReduce_AddAppends(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "a"})

	next := Reduce(s, Add{Item: model.QueueItem{ID: "b"}})
	require.Len(t, next.Queue, 2)
	assert.Equal(t, "a", next.Queue[0].ID)
	assert.Equal(t, "b", next.Queue[1].ID)
	assert.Len(t, s.Queue, 1, "input must not change")
}

func TestReduce_AddRemoveRoundTrip(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "a"}, model.QueueItem{ID: "b"})

	next := Reduce(s, Add{Item: model.QueueItem{ID: "x", Operations: []model.Operation{opA}}})
	next = Reduce(next, Remove{ID: "x"})

	assert.Equal(t, s.Queue, next.Queue)
}

func TestReduce_RemoveUnknownIsNoop(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "a"})
	assert.Equal(t, s, Reduce(s, Remove{ID: "missing"}))
}

func TestReduce_CancelSetsErrorOnly(t *testing.T) {
	op := opA
	s := newTestState(model.QueueItem{ID: "x", Operations: []model.Operation{opA, opB}})
	s = Reduce(s, OperationStart{ID: "x", Operation: op})

	itemErr := &model.ItemError{Code: model.ErrorCodeCancelled, Message: "cancelled"}
	next := Reduce(s, Cancel{ID: "x", Error: itemErr})

	item, ok := Item(next, "x")
	require.True(t, ok)
	assert.Same(t, itemErr, item.Error)
	assert.Equal(t, []model.Operation{opA, opB}, item.Operations)
	require.NotNil(t, item.CurrentOperation)
	assert.Equal(t, opA, *item.CurrentOperation)
	assert.Equal(t, model.ItemFailed, item.State())

	orig, _ := Item(s, "x")
	assert.Nil(t, orig.Error, "input must not change")
}

func TestReduce_UnknownIDsAreNoops(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "a", Operations: []model.Operation{opA}})

	for _, a := range []Action{
		Cancel{ID: "missing", Error: &model.ItemError{Code: "X"}},
		OperationStart{ID: "missing", Operation: opA},
		AddOperations{ID: "missing", Operations: []model.Operation{opB}},
		OperationFinish{ID: "missing", Update: model.ItemUpdate{Attachment: model.Attachment{"id": 1}}},
	} {
		assert.Equal(t, s, Reduce(s, a), a.Kind())
	}
}

func TestReduce_OperationStart(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x", Operations: []model.Operation{opA}})

	next := Reduce(s, OperationStart{ID: "x", Operation: opA})
	item, _ := Item(next, "x")
	require.NotNil(t, item.CurrentOperation)
	assert.Equal(t, opA, *item.CurrentOperation)
	assert.Equal(t, model.ItemRunning, item.State())
}

func TestReduce_AddOperationsCreatesAndAppends(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x"})

	next := Reduce(s, AddOperations{ID: "x", Operations: []model.Operation{opA}})
	next = Reduce(next, AddOperations{ID: "x", Operations: []model.Operation{opB}})

	item, _ := Item(next, "x")
	assert.Equal(t, []model.Operation{opA, opB}, item.Operations)

	orig, _ := Item(s, "x")
	assert.Empty(t, orig.Operations, "input must not change")
}

func TestReduce_AddOperationsThenFinish(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x"})
	s = Reduce(s, AddOperations{ID: "x", Operations: []model.Operation{opA, opB}})
	s = Reduce(s, OperationFinish{ID: "x"})

	item, _ := Item(s, "x")
	assert.Equal(t, []model.Operation{opB}, item.Operations)
	assert.Nil(t, item.CurrentOperation)
}

func TestReduce_OperationFinishOnEmptyOperations(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x"})

	next := Reduce(s, OperationFinish{ID: "x"})
	item, _ := Item(next, "x")
	assert.Empty(t, item.Operations)
	assert.Equal(t, model.ItemIdle, item.State())
}

func TestReduce_OperationFinishAttachment(t *testing.T) {
	tests := []struct {
		name     string
		prior    model.Attachment
		incoming model.Attachment
		want     model.Attachment
	}{
		{name: "both absent", prior: nil, incoming: nil, want: nil},
		{name: "incoming only", prior: nil, incoming: model.Attachment{"b": 2}, want: model.Attachment{"b": 2}},
		{name: "prior only", prior: model.Attachment{"a": 1}, incoming: nil, want: model.Attachment{"a": 1}},
		{name: "merged", prior: model.Attachment{"a": 1}, incoming: model.Attachment{"b": 2}, want: model.Attachment{"a": 1, "b": 2}},
		{name: "incoming wins", prior: model.Attachment{"a": 1}, incoming: model.Attachment{"a": 3}, want: model.Attachment{"a": 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestState(model.QueueItem{ID: "x", Attachment: tt.prior})

			next := Reduce(s, OperationFinish{ID: "x", Update: model.ItemUpdate{Attachment: tt.incoming}})
			item, _ := Item(next, "x")

			if tt.want == nil {
				assert.Nil(t, item.Attachment)
				return
			}
			assert.Equal(t, tt.want, item.Attachment)
		})
	}
}

func TestReduce_OperationFinishDoesNotMutatePriorAttachment(t *testing.T) {
	prior := model.Attachment{"a": 1}
	s := newTestState(model.QueueItem{ID: "x", Attachment: prior})

	Reduce(s, OperationFinish{ID: "x", Update: model.ItemUpdate{Attachment: model.Attachment{"b": 2}}})

	assert.Equal(t, model.Attachment{"a": 1}, prior)
}

func TestReduce_OperationFinishAdditionalData(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x", AdditionalData: model.AdditionalData{"post": 1, "k": "old"}})

	next := Reduce(s, OperationFinish{ID: "x", Update: model.ItemUpdate{
		AdditionalData: model.AdditionalData{"k": "new", "extra": true},
	}})
	item, _ := Item(next, "x")
	assert.Equal(t, model.AdditionalData{"post": 1, "k": "new", "extra": true}, item.AdditionalData)

	// Always materialized, even when both sides are absent.
	s = newTestState(model.QueueItem{ID: "y"})
	next = Reduce(s, OperationFinish{ID: "y"})
	item, _ = Item(next, "y")
	assert.NotNil(t, item.AdditionalData)
	assert.Empty(t, item.AdditionalData)
}

func TestReduce_OperationFinishMergesFile(t *testing.T) {
	src := "https://example.com/a.png"
	s := newTestState(model.QueueItem{ID: "x", File: &model.File{Name: "a.png"}})

	file := &model.File{Name: "a.jpg", MimeType: "image/jpeg"}
	next := Reduce(s, OperationFinish{ID: "x", Update: model.ItemUpdate{File: file, SourceURL: &src}})
	item, _ := Item(next, "x")
	assert.Same(t, file, item.File)
	assert.Equal(t, src, item.SourceURL)

	next = Reduce(next, OperationFinish{ID: "x"})
	item, _ = Item(next, "x")
	assert.Same(t, file, item.File, "absent fields keep their value")
}

func TestReduce_OperationFinishMergesErrorAndCreatedAt(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestState(model.QueueItem{ID: "x", Operations: []model.Operation{opA, opB}})

	itemErr := &model.ItemError{Code: model.ErrorCodeOperationFailed, Message: "bad pixels"}
	next := Reduce(s, OperationFinish{ID: "x", Update: model.ItemUpdate{Error: itemErr, CreatedAt: &created}})

	item, _ := Item(next, "x")
	assert.Same(t, itemErr, item.Error)
	assert.Equal(t, created, item.CreatedAt)
	assert.Equal(t, []model.Operation{opB}, item.Operations)
	assert.Equal(t, model.ItemFailed, item.State())

	orig, _ := Item(s, "x")
	assert.Nil(t, orig.Error)
	assert.True(t, orig.CreatedAt.IsZero())

	next = Reduce(next, OperationFinish{ID: "x"})
	item, _ = Item(next, "x")
	assert.Same(t, itemErr, item.Error, "absent error keeps the previous one")
}

func TestReduce_BlobURLs(t *testing.T) {
	s := newTestState(model.QueueItem{ID: "x"})

	s1 := Reduce(s, CacheBlobURL{ID: "x", BlobURL: "blob:1"})
	s2 := Reduce(s1, CacheBlobURL{ID: "x", BlobURL: "blob:2"})
	s3 := Reduce(s2, CacheBlobURL{ID: "x", BlobURL: "blob:2"})

	assert.Equal(t, []string{"blob:1"}, s1.BlobURLs["x"])
	assert.Equal(t, []string{"blob:1", "blob:2"}, s2.BlobURLs["x"])
	assert.Equal(t, []string{"blob:1", "blob:2", "blob:2"}, s3.BlobURLs["x"], "never deduplicated")
	assert.Empty(t, s.BlobURLs, "input must not change")

	revoked := Reduce(s3, RevokeBlobURLs{ID: "x"})
	_, ok := revoked.BlobURLs["x"]
	assert.False(t, ok)
	assert.Len(t, s3.BlobURLs["x"], 3, "input must not change")
}

func TestReduce_CacheBlobURLWithoutItem(t *testing.T) {
	var s model.State

	next := Reduce(s, CacheBlobURL{ID: "ghost", BlobURL: "blob:1"})
	assert.Equal(t, []string{"blob:1"}, next.BlobURLs["ghost"])
	assert.Nil(t, s.BlobURLs)
}

func TestReduce_UpdateSettingsMerges(t *testing.T) {
	s := newTestState()
	s.Settings.AllowedMimeTypes = []string{"image/*"}

	size := int64(1024)
	next := Reduce(s, UpdateSettings{Settings: model.SettingsUpdate{MaxUploadSize: &size}})

	assert.Equal(t, int64(1024), next.Settings.MaxUploadSize)
	assert.Equal(t, 2, next.Settings.MaxConcurrentUploads)
	assert.Equal(t, []string{"image/*"}, next.Settings.AllowedMimeTypes)
	assert.Zero(t, s.Settings.MaxUploadSize, "input must not change")
}

func TestReduce_SharesUntouchedItems(t *testing.T) {
	a := model.QueueItem{ID: "a", Operations: []model.Operation{opA}}
	s := newTestState(a, model.QueueItem{ID: "b", Operations: []model.Operation{opB}})

	next := Reduce(s, OperationStart{ID: "b", Operation: opB})

	assert.Same(t, &s.Queue[0].Operations[0], &next.Queue[0].Operations[0])
	assert.Nil(t, s.Queue[1].CurrentOperation)
}

func TestReduce_Scenario(t *testing.T) {
	s := model.NewState(model.Settings{})

	s = Reduce(s, Add{Item: model.QueueItem{ID: "x", Operations: []model.Operation{opA, opB}}})
	s = Reduce(s, OperationStart{ID: "x", Operation: opA})
	s = Reduce(s, OperationFinish{ID: "x"})

	require.Len(t, s.Queue, 1)
	item := s.Queue[0]
	assert.Equal(t, "x", item.ID)
	assert.Equal(t, []model.Operation{opB}, item.Operations)
	assert.Nil(t, item.CurrentOperation)
	assert.Nil(t, item.Attachment)
	assert.Nil(t, item.Error)
}

func TestReduce_Deterministic(t *testing.T) {
	actions := []Action{
		Add{Item: model.QueueItem{ID: "x", Operations: []model.Operation{opA, opB}}},
		CacheBlobURL{ID: "x", BlobURL: "blob:1"},
		OperationStart{ID: "x", Operation: opA},
		OperationFinish{ID: "x", Update: model.ItemUpdate{
			Attachment:     model.Attachment{"id": "1", "url": "u"},
			AdditionalData: model.AdditionalData{"a": 1, "b": 2, "c": 3},
		}},
		PauseQueue{},
	}

	run := func() model.State {
		s := model.NewState(model.Settings{})
		for _, a := range actions {
			s = Reduce(s, a)
		}
		return s
	}

	assert.Equal(t, run(), run())
}
