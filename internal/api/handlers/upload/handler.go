package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/api/respond"
	"github.com/aliskhannn/upload-queue/internal/blob"
	"github.com/aliskhannn/upload-queue/internal/bulk"
	"github.com/aliskhannn/upload-queue/internal/model"
	"github.com/aliskhannn/upload-queue/internal/queue"
	"github.com/aliskhannn/upload-queue/internal/repository/attachment"
)

// maxMemory bounds the part of a multipart form kept in memory.
const maxMemory = 32 << 20

// store defines the queue operations used by the handlers.
type store interface {
	State() model.State
	Dispatch(action queue.Action) model.State
	Enqueue(u queue.Upload) (model.QueueItem, error)
	CancelItem(id string, itemErr *model.ItemError) error
	RemoveItem(id string) error
}

// bulkActions lists and runs bulk actions over a selection.
type bulkActions interface {
	Available(sel *bulk.Selection, items []model.QueueItem) []bulk.Availability
	Invoke(ctx context.Context, name string, sel *bulk.Selection, items []model.QueueItem) (int, error)
}

// blobs serves cached previews.
type blobs interface {
	Get(url string) (blob.Blob, error)
}

// attachments looks up and deletes finished uploads.
type attachments interface {
	GetAttachment(ctx context.Context, itemID string) (attachment.Record, error)
	DeleteAttachment(ctx context.Context, itemID string) error
}

// objects deletes uploaded media.
type objects interface {
	Delete(ctx context.Context, objectName string) error
}

// publisher publishes queue events.
type publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Deps groups the collaborators of a Handler. Attachments, Objects and
// Publisher are optional.
type Deps struct {
	Store       store
	Bulk        bulkActions
	Blobs       blobs
	Attachments attachments
	Objects     objects
	Publisher   publisher
}

// Handler provides HTTP handlers for the upload queue.
type Handler struct {
	store       store
	bulk        bulkActions
	blobs       blobs
	attachments attachments
	objects     objects
	publisher   publisher
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		store:       deps.Store,
		bulk:        deps.Bulk,
		blobs:       deps.Blobs,
		attachments: deps.Attachments,
		objects:     deps.Objects,
		publisher:   deps.Publisher,
	}
}

// QueueResponse is the public view of the queue state.
type QueueResponse struct {
	Status   model.QueueStatus   `json:"status"`
	Items    []model.QueueItem   `json:"items"`
	BlobURLs map[string][]string `json:"blob_urls"`
	Settings model.Settings      `json:"settings"`
}

// BulkRequest carries the selected item ids.
type BulkRequest struct {
	IDs []string `json:"ids"`
}

// Upload handles the multipart upload of a file. The optional "operations"
// form field holds a JSON list of operations run before the upload and the
// optional "data" field holds additional data sent along with it.
func (h *Handler) Upload(c *ginext.Context) {
	if err := c.Request.ParseMultipartForm(maxMemory); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to upload the file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	zlog.Logger.Info().
		Str("filename", header.Filename).
		Str("size", humanize.Bytes(uint64(header.Size))).
		Msg("file received")

	var ops []model.Operation
	if raw := c.PostForm("operations"); raw != "" {
		if err := sonic.UnmarshalString(raw, &ops); err != nil {
			zlog.Logger.Err(err).Msg("failed to unmarshal the operations")
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to unmarshal the operations"))
			return
		}
		for _, op := range ops {
			if _, err := model.ParseOperationType(op.Type.String()); err != nil {
				respond.Fail(c, http.StatusBadRequest, err)
				return
			}
		}
	}

	var data model.AdditionalData
	if raw := c.PostForm("data"); raw != "" {
		if err := sonic.UnmarshalString(raw, &data); err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to unmarshal the additional data"))
			return
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, header.Size))
	if _, err := io.Copy(buf, file); err != nil {
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to read the file: %v", err))
		return
	}

	item, err := h.store.Enqueue(queue.Upload{
		// The mime type is sniffed from the content by the store.
		File:           &model.File{Name: header.Filename, Data: buf.Bytes()},
		Operations:     ops,
		AdditionalData: data,
	})
	if err != nil {
		var itemErr *model.ItemError
		if errors.As(err, &itemErr) {
			zlog.Logger.Warn().Str("code", itemErr.Code).Msg("upload rejected")
			respond.JSON(c, http.StatusUnprocessableEntity, itemErr)
			return
		}

		zlog.Logger.Err(err).Msg("failed to queue the upload")
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	respond.Created(c, item)
}

// Queue returns the current queue state.
func (h *Handler) Queue(c *ginext.Context) {
	state := h.store.State()

	respond.OK(c, QueueResponse{
		Status:   state.QueueStatus,
		Items:    state.Queue,
		BlobURLs: state.BlobURLs,
		Settings: state.Settings,
	})
}

// Get returns a single queue item, or the persisted attachment once the
// item has finished and left the queue.
func (h *Handler) Get(c *ginext.Context) {
	id := c.Param("id")

	if item, ok := queue.Item(h.store.State(), id); ok {
		respond.OK(c, item)
		return
	}

	if h.attachments != nil {
		rec, err := h.attachments.GetAttachment(c.Request.Context(), id)
		if err == nil {
			respond.OK(c, rec)
			return
		}
		if !errors.Is(err, attachment.ErrAttachmentNotFound) {
			zlog.Logger.Err(err).Str("item_id", id).Msg("failed to get attachment")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get upload"))
			return
		}
	}

	respond.Fail(c, http.StatusNotFound, fmt.Errorf("upload not found"))
}

// Pause stops the queue from starting new operations.
func (h *Handler) Pause(c *ginext.Context) {
	state := h.store.Dispatch(queue.PauseQueue{})
	respond.OK(c, map[string]interface{}{"status": state.QueueStatus})
}

// Resume lets the queue start new operations again.
func (h *Handler) Resume(c *ginext.Context) {
	state := h.store.Dispatch(queue.ResumeQueue{})
	respond.OK(c, map[string]interface{}{"status": state.QueueStatus})
}

// Cancel marks an upload as cancelled.
func (h *Handler) Cancel(c *ginext.Context) {
	id := c.Param("id")

	if err := h.store.CancelItem(id, nil); err != nil {
		h.itemError(c, id, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Delete removes an upload from the queue. A finished upload is deleted
// from the media storage and the attachment store instead.
func (h *Handler) Delete(c *ginext.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	item, queued := queue.Item(h.store.State(), id)
	switch {
	case queued:
		if err := h.store.RemoveItem(id); err != nil {
			h.itemError(c, id, err)
			return
		}
	case h.attachments != nil:
		rec, err := h.attachments.GetAttachment(ctx, id)
		if err != nil {
			h.itemError(c, id, err)
			return
		}
		if err := h.deleteFinished(ctx, rec); err != nil {
			h.itemError(c, id, err)
			return
		}
		item = model.QueueItem{ID: id, Attachment: rec.Attachment, AdditionalData: rec.AdditionalData}
	default:
		h.itemError(c, id, queue.ErrItemNotFound)
		return
	}

	h.publish(ctx, model.Event{
		Type:       model.EventItemRemoved,
		ItemID:     id,
		Attachment: item.Attachment,
		Data:       item.AdditionalData,
		OccurredAt: time.Now().UTC(),
	})

	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteFinished(ctx context.Context, rec attachment.Record) error {
	if key, ok := rec.Attachment["key"].(string); ok && key != "" && h.objects != nil {
		if err := h.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete object %s: %w", key, err)
		}
	}

	return h.attachments.DeleteAttachment(ctx, rec.ItemID)
}

func (h *Handler) publish(ctx context.Context, ev model.Event) {
	if h.publisher == nil {
		return
	}

	if err := h.publisher.Publish(ctx, ev); err != nil {
		zlog.Logger.Err(err).Str("item_id", ev.ItemID).Msg("failed to publish event")
	}
}

// SettingsRequest is the JSON body of a settings update.
type SettingsRequest struct {
	MaxConcurrentUploads *int     `json:"max_concurrent_uploads"`
	AllowedMimeTypes     []string `json:"allowed_mime_types"`
	MaxUploadSize        *int64   `json:"max_upload_size"`
}

// UpdateSettings merges the supplied settings into the queue settings.
func (h *Handler) UpdateSettings(c *ginext.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid settings: %v", err))
		return
	}

	if req.MaxConcurrentUploads != nil && *req.MaxConcurrentUploads < 0 ||
		req.MaxUploadSize != nil && *req.MaxUploadSize < 0 {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("limits must not be negative"))
		return
	}

	state := h.store.Dispatch(queue.UpdateSettings{Settings: model.SettingsUpdate{
		MaxConcurrentUploads: req.MaxConcurrentUploads,
		AllowedMimeTypes:     req.AllowedMimeTypes,
		MaxUploadSize:        req.MaxUploadSize,
	}})

	respond.OK(c, state.Settings)
}

// Blob serves the data behind a cached blob handle.
func (h *Handler) Blob(c *ginext.Context) {
	url := blob.Scheme + strings.TrimPrefix(c.Param("id"), "/")

	b, err := h.blobs.Get(url)
	if err != nil {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("blob not found"))
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	respond.Data(c, http.StatusOK, b.MimeType, int64(len(b.Data)), bytes.NewReader(b.Data))
}

// BulkActions lists the actions available for the ids in the "ids" query
// parameter (comma separated).
func (h *Handler) BulkActions(c *ginext.Context) {
	var ids []string
	if raw := c.Query("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	sel := bulk.NewSelection(ids...)
	actions := h.bulk.Available(sel, h.store.State().Queue)
	if actions == nil {
		actions = []bulk.Availability{}
	}

	respond.OK(c, actions)
}

// InvokeBulkAction runs the named action on the selected items.
func (h *Handler) InvokeBulkAction(c *ginext.Context) {
	name := c.Param("name")

	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("ids are required"))
		return
	}

	sel := bulk.NewSelection(req.IDs...)
	n, err := h.bulk.Invoke(c.Request.Context(), name, sel, h.store.State().Queue)
	if err != nil {
		switch {
		case errors.Is(err, bulk.ErrUnknownAction):
			respond.Fail(c, http.StatusNotFound, err)
		case errors.Is(err, bulk.ErrNotBulk), errors.Is(err, bulk.ErrNoEligibleItems):
			respond.Fail(c, http.StatusUnprocessableEntity, err)
		case errors.Is(err, bulk.ErrActionInProgress):
			respond.Fail(c, http.StatusConflict, err)
		default:
			zlog.Logger.Err(err).Str("action", name).Msg("bulk action failed")
			respond.Fail(c, http.StatusInternalServerError, err)
		}
		return
	}

	respond.OK(c, map[string]interface{}{"action": name, "items": n})
}

func (h *Handler) itemError(c *ginext.Context, id string, err error) {
	if errors.Is(err, queue.ErrItemNotFound) || errors.Is(err, attachment.ErrAttachmentNotFound) {
		zlog.Logger.Warn().Str("item_id", id).Msg("upload not found")
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("upload not found"))
		return
	}

	zlog.Logger.Err(err).Str("item_id", id).Msg("failed to update upload")
	respond.Fail(c, http.StatusInternalServerError, err)
}
