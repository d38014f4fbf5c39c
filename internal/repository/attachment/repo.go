package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/upload-queue/internal/model"
)

var ErrAttachmentNotFound = errors.New("attachment not found")

// Record is a finished upload as persisted in the database.
type Record struct {
	ItemID         string               `json:"item_id"`
	Filename       string               `json:"filename"`
	Attachment     model.Attachment     `json:"attachment"`
	AdditionalData model.AdditionalData `json:"additional_data,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Repository provides CRUD operations for finished attachments in the database.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// SaveAttachment inserts the attachment of a finished item. Saving the same
// item twice overwrites the previous record.
func (r *Repository) SaveAttachment(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO attachments (item_id, filename, attachment, additional_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE
		SET filename = EXCLUDED.filename,
		    attachment = EXCLUDED.attachment,
		    additional_data = EXCLUDED.additional_data
    `

	attachmentJSON, err := sonic.Marshal(rec.Attachment)
	if err != nil {
		return fmt.Errorf("save: failed to marshal attachment: %w", err)
	}

	dataJSON, err := sonic.Marshal(rec.AdditionalData)
	if err != nil {
		return fmt.Errorf("save: failed to marshal additional data: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, rec.ItemID, rec.Filename, attachmentJSON, dataJSON); err != nil {
		return fmt.Errorf("save: failed to save attachment: %w", err)
	}

	return nil
}

// GetAttachment retrieves the attachment record of an item.
func (r *Repository) GetAttachment(ctx context.Context, itemID string) (Record, error) {
	query := `
		SELECT filename, attachment, additional_data, created_at
		FROM attachments
		WHERE item_id = $1
    `

	rec := Record{ItemID: itemID}
	var attachmentBytes, dataBytes []byte

	err := r.db.QueryRowContext(
		ctx, query, itemID,
	).Scan(&rec.Filename, &attachmentBytes, &dataBytes, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrAttachmentNotFound
		}

		return Record{}, fmt.Errorf("get: failed to get attachment: %w", err)
	}

	if err := sonic.Unmarshal(attachmentBytes, &rec.Attachment); err != nil {
		return Record{}, fmt.Errorf("get: failed to unmarshal attachment: %w", err)
	}
	if len(dataBytes) > 0 {
		if err := sonic.Unmarshal(dataBytes, &rec.AdditionalData); err != nil {
			return Record{}, fmt.Errorf("get: failed to unmarshal additional data: %w", err)
		}
	}

	return rec, nil
}

// DeleteAttachment deletes the attachment record of an item.
func (r *Repository) DeleteAttachment(ctx context.Context, itemID string) error {
	query := `
		DELETE FROM attachments WHERE item_id = $1
    `

	rows, err := r.db.ExecContext(ctx, query, itemID)
	if err != nil {
		return fmt.Errorf("delete: failed to delete attachment: %w", err)
	}

	n, err := rows.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrAttachmentNotFound
	}

	return nil
}
