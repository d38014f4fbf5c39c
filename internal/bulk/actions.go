package bulk

import (
	"context"
	"errors"

	"github.com/aliskhannn/upload-queue/internal/model"
)

// itemStore is the part of the queue store the default actions need.
type itemStore interface {
	CancelItem(id string, itemErr *model.ItemError) error
	RemoveItem(id string) error
}

// DefaultActions returns the cancel and remove actions backed by st.
func DefaultActions(st itemStore) []Action {
	return []Action{
		{
			Name:         "cancel",
			Label:        "Cancel upload",
			SupportsBulk: true,
			IsEligible: func(item model.QueueItem) bool {
				return item.Error == nil
			},
			Callback: func(_ context.Context, items []model.QueueItem) error {
				var errs []error
				for _, item := range items {
					errs = append(errs, st.CancelItem(item.ID, nil))
				}
				return errors.Join(errs...)
			},
		},
		{
			Name:         "remove",
			Label:        "Remove from queue",
			SupportsBulk: true,
			IsEligible: func(item model.QueueItem) bool {
				s := item.State()
				return s == model.ItemFailed || s == model.ItemIdle
			},
			Callback: func(_ context.Context, items []model.QueueItem) error {
				var errs []error
				for _, item := range items {
					errs = append(errs, st.RemoveItem(item.ID))
				}
				return errors.Join(errs...)
			},
		},
	}
}
