package upload

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/model"
	"github.com/aliskhannn/upload-queue/internal/queue"
)

// enqueuer adds uploads to the queue.
type enqueuer interface {
	Enqueue(u queue.Upload) (model.QueueItem, error)
}

// RequestedHandler handles Kafka messages asking for a remote file to be
// uploaded.
type RequestedHandler struct {
	queue enqueuer
}

// NewRequestedHandler creates a new handler queueing into q.
func NewRequestedHandler(q enqueuer) *RequestedHandler {
	return &RequestedHandler{queue: q}
}

// Handle decodes an upload request and queues it.
func (h *RequestedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var req model.UploadRequest
	if err := sonic.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("unmarshal upload request: %w", err)
	}

	if req.SourceURL == "" {
		return fmt.Errorf("upload request: %w", queue.ErrNothingToUpload)
	}

	u := queue.Upload{
		SourceURL:      req.SourceURL,
		Operations:     req.Operations,
		AdditionalData: req.AdditionalData,
	}
	if req.Filename != "" {
		u.File = &model.File{Name: req.Filename}
	}

	item, err := h.queue.Enqueue(u)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	zlog.Logger.Info().
		Str("item_id", item.ID).
		Str("source_url", req.SourceURL).
		Msg("upload request queued")

	return nil
}
