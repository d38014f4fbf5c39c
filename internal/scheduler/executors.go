package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aliskhannn/upload-queue/internal/model"
	"github.com/aliskhannn/upload-queue/internal/queue"
	"github.com/aliskhannn/upload-queue/internal/repository/attachment"
)

// ErrNoMediaUpload is returned by the upload step when the settings carry
// no media upload handler.
var ErrNoMediaUpload = errors.New("scheduler: no media upload handler configured")

// result is what a finished operation contributes to its item.
type result struct {
	update     model.ItemUpdate
	operations []model.Operation // appended before the operation is popped
}

// execute runs a single operation of item.
func (s *Scheduler) execute(ctx context.Context, item model.QueueItem, op model.Operation) (result, error) {
	switch {
	case op.Type == model.OperationPrepare:
		return s.prepare(ctx, item)
	case op.Type == model.OperationUpload:
		return s.upload(ctx, item)
	case op.Type == model.OperationFinalize:
		return s.finalize(ctx, item)
	case op.Type == model.OperationThumbnailGeneration:
		return s.thumbnail(ctx, item, op)
	case s.processor != nil && s.processor.Supports(op.Type):
		return s.transform(ctx, item, op)
	default:
		return result{}, fmt.Errorf("unsupported operation %q", op.Type)
	}
}

// prepare loads the file data, validates it against the settings, caches a
// preview handle for images and completes the pipeline with the upload and
// finalize steps when the caller did not ask for them.
func (s *Scheduler) prepare(ctx context.Context, item model.QueueItem) (result, error) {
	file, err := s.load(ctx, item)
	if err != nil {
		return result{}, err
	}

	if file.MimeType == "" || file.MimeType == "application/octet-stream" {
		file.MimeType = mimetype.Detect(file.Data).String()
	}
	file.Size = int64(len(file.Data))

	if err := queue.ValidateFile(file, s.store.State().Settings); err != nil {
		return result{}, err
	}

	if s.blobs != nil && strings.HasPrefix(file.MimeType, "image/") {
		url := s.blobs.Create(file.Data, file.MimeType)
		s.store.Dispatch(queue.CacheBlobURL{ID: item.ID, BlobURL: url})
	}

	var ops []model.Operation
	if !model.HasOperation(item.Operations, model.OperationUpload) {
		ops = append(ops, model.Operation{Type: model.OperationUpload})
	}
	if !model.HasOperation(item.Operations, model.OperationFinalize) {
		ops = append(ops, model.Operation{Type: model.OperationFinalize})
	}

	return result{
		update:     model.ItemUpdate{File: &file},
		operations: ops,
	}, nil
}

// load returns the item's file, fetching it from its source url when the
// data is not in memory yet.
func (s *Scheduler) load(ctx context.Context, item model.QueueItem) (model.File, error) {
	if item.File != nil && len(item.File.Data) > 0 {
		return *item.File, nil
	}
	if item.SourceURL == "" {
		return model.File{}, queue.ErrNothingToUpload
	}
	if s.fetcher == nil {
		return model.File{}, fmt.Errorf("fetch %s: no fetcher configured", item.SourceURL)
	}

	var file model.File
	err := s.withRetry(func() error {
		var fetchErr error
		file, fetchErr = s.fetcher.Fetch(ctx, item.SourceURL)
		return fetchErr
	})
	if err != nil {
		return model.File{}, fmt.Errorf("fetch %s: %w", item.SourceURL, err)
	}

	if item.File != nil && item.File.Name != "" {
		file.Name = item.File.Name
	}

	return file, nil
}

// transform applies an image operation to the item's file.
func (s *Scheduler) transform(ctx context.Context, item model.QueueItem, op model.Operation) (result, error) {
	if item.File == nil {
		return result{}, fmt.Errorf("%s: item has no file", op.Type)
	}

	file, err := s.processor.Process(ctx, op, *item.File)
	if err != nil {
		return result{}, fmt.Errorf("%s: %w", op.Type, err)
	}

	return result{update: model.ItemUpdate{File: &file}}, nil
}

// upload hands the file to the configured media upload handler.
func (s *Scheduler) upload(ctx context.Context, item model.QueueItem) (result, error) {
	if item.File == nil {
		return result{}, fmt.Errorf("upload: item has no file")
	}

	mediaUpload := s.store.State().Settings.MediaUpload
	if mediaUpload == nil {
		return result{}, ErrNoMediaUpload
	}

	var att model.Attachment
	err := s.withRetry(func() error {
		var uploadErr error
		att, uploadErr = mediaUpload(ctx, *item.File, item.AdditionalData)
		return uploadErr
	})
	if err != nil {
		return result{}, fmt.Errorf("upload: %w", err)
	}

	return result{update: model.ItemUpdate{Attachment: att}}, nil
}

// thumbnail generates a sub-size of the item's image, uploads it next to
// the main attachment and records its url under attachment["sizes"].
func (s *Scheduler) thumbnail(ctx context.Context, item model.QueueItem, op model.Operation) (result, error) {
	if item.File == nil {
		return result{}, fmt.Errorf("thumbnail: item has no file")
	}
	if s.processor == nil {
		return result{}, fmt.Errorf("thumbnail: no processor configured")
	}

	mediaUpload := s.store.State().Settings.MediaUpload
	if mediaUpload == nil {
		return result{}, ErrNoMediaUpload
	}

	thumb, err := s.processor.Process(ctx, op, *item.File)
	if err != nil {
		return result{}, fmt.Errorf("thumbnail: %w", err)
	}

	data := model.AdditionalData{"size": thumb.Name}
	if parent, ok := item.Attachment["id"].(string); ok {
		data["parent"] = parent
	}

	var att model.Attachment
	err = s.withRetry(func() error {
		var uploadErr error
		att, uploadErr = mediaUpload(ctx, thumb, data)
		return uploadErr
	})
	if err != nil {
		return result{}, fmt.Errorf("thumbnail upload: %w", err)
	}

	sizes := map[string]any{}
	if existing, ok := item.Attachment["sizes"].(map[string]any); ok {
		maps.Copy(sizes, existing)
	}
	name := op.Args["name"]
	if name == "" {
		name = thumb.Name
	}
	sizes[name] = att["url"]

	return result{update: model.ItemUpdate{Attachment: model.Attachment{"sizes": sizes}}}, nil
}

// finalize persists the attachment of the finished item.
func (s *Scheduler) finalize(ctx context.Context, item model.QueueItem) (result, error) {
	if s.repository == nil || item.Attachment == nil {
		return result{}, nil
	}

	rec := attachment.Record{
		ItemID:         item.ID,
		Attachment:     item.Attachment,
		AdditionalData: item.AdditionalData,
	}
	if item.File != nil {
		rec.Filename = item.File.Name
	}

	if err := s.withRetry(func() error {
		return s.repository.SaveAttachment(ctx, rec)
	}); err != nil {
		return result{}, fmt.Errorf("finalize: %w", err)
	}

	return result{}, nil
}
