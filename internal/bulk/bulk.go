// Package bulk implements the data side of the bulk-selection toolbar:
// a selection of queue items and the actions that can run over it.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/upload-queue/internal/model"
)

var (
	ErrUnknownAction    = errors.New("bulk: unknown action")
	ErrNotBulk          = errors.New("bulk: action does not support multiple items")
	ErrNoEligibleItems  = errors.New("bulk: no eligible items selected")
	ErrActionInProgress = errors.New("bulk: action already in progress")
)

// Action is an operation offered for selected items.
type Action struct {
	Name         string
	Label        string
	SupportsBulk bool
	// IsEligible reports whether the action applies to item. Nil means
	// every item is eligible.
	IsEligible func(item model.QueueItem) bool
	Callback   func(ctx context.Context, items []model.QueueItem) error
}

func (a Action) eligible(item model.QueueItem) bool {
	return a.IsEligible == nil || a.IsEligible(item)
}

// Selection is an ordered set of item ids.
type Selection struct {
	ids []string
}

// NewSelection returns a selection holding ids, duplicates dropped.
func NewSelection(ids ...string) *Selection {
	s := &Selection{}
	s.Set(ids)
	return s
}

// Set replaces the selection.
func (s *Selection) Set(ids []string) {
	s.ids = s.ids[:0]
	for _, id := range ids {
		if !slices.Contains(s.ids, id) {
			s.ids = append(s.ids, id)
		}
	}
}

// Toggle selects id when it is not selected and deselects it otherwise.
func (s *Selection) Toggle(id string) {
	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(s.ids, i, i+1)
		return
	}
	s.ids = append(s.ids, id)
}

// SelectAll selects every item eligible for at least one of actions.
func (s *Selection) SelectAll(items []model.QueueItem, actions []Action) {
	var ids []string
	for _, item := range items {
		if slices.ContainsFunc(actions, func(a Action) bool { return a.eligible(item) }) {
			ids = append(ids, item.ID)
		}
	}
	s.Set(ids)
}

// Clear empties the selection.
func (s *Selection) Clear() { s.ids = nil }

// Contains reports whether id is selected.
func (s *Selection) Contains(id string) bool { return slices.Contains(s.ids, id) }

// IDs returns the selected ids in selection order.
func (s *Selection) IDs() []string { return slices.Clone(s.ids) }

// Len returns the number of selected ids.
func (s *Selection) Len() int { return len(s.ids) }

// Availability is an action together with the selected items it applies to.
type Availability struct {
	Name         string   `json:"name"`
	Label        string   `json:"label"`
	SupportsBulk bool     `json:"supports_bulk"`
	EligibleIDs  []string `json:"eligible_ids"`
	Busy         bool     `json:"busy"`
}

// Registry holds the available actions and tracks which are running.
type Registry struct {
	actions []Action

	mu   sync.Mutex
	busy map[string]bool
}

// NewRegistry creates a Registry offering actions in the given order.
func NewRegistry(actions ...Action) *Registry {
	return &Registry{actions: actions, busy: make(map[string]bool)}
}

// Actions returns the registered actions.
func (r *Registry) Actions() []Action { return slices.Clone(r.actions) }

// Available lists every action applicable to the selection. Actions that do
// not support bulk are only offered for a single selected item.
func (r *Registry) Available(sel *Selection, items []model.QueueItem) []Availability {
	r.mu.Lock()
	defer r.mu.Unlock()

	selected := selectedItems(sel, items)

	var out []Availability
	for _, a := range r.actions {
		if !a.SupportsBulk && len(selected) > 1 {
			continue
		}

		ids := eligibleIDs(a, selected)
		if len(ids) == 0 {
			continue
		}

		out = append(out, Availability{
			Name:         a.Name,
			Label:        a.Label,
			SupportsBulk: a.SupportsBulk,
			EligibleIDs:  ids,
			Busy:         r.busy[a.Name],
		})
	}

	return out
}

// Invoke runs the named action on the eligible selected items and clears
// the selection once the callback returns. It returns the number of items
// the action ran on.
func (r *Registry) Invoke(ctx context.Context, name string, sel *Selection, items []model.QueueItem) (int, error) {
	idx := slices.IndexFunc(r.actions, func(a Action) bool { return a.Name == name })
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	action := r.actions[idx]

	selected := selectedItems(sel, items)
	if !action.SupportsBulk && len(selected) > 1 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotBulk)
	}

	var targets []model.QueueItem
	for _, item := range selected {
		if action.eligible(item) {
			targets = append(targets, item)
		}
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNoEligibleItems)
	}

	r.mu.Lock()
	if r.busy[name] {
		r.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", name, ErrActionInProgress)
	}
	r.busy[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.busy, name)
		r.mu.Unlock()
	}()

	zlog.Logger.Info().Str("action", name).Int("items", len(targets)).Msg("running bulk action")

	if err := action.Callback(ctx, targets); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	sel.Clear()

	return len(targets), nil
}

// selectedItems returns the items in sel, in selection order. Ids no longer
// in the queue are skipped.
func selectedItems(sel *Selection, items []model.QueueItem) []model.QueueItem {
	var out []model.QueueItem
	for _, id := range sel.ids {
		if i := slices.IndexFunc(items, func(it model.QueueItem) bool { return it.ID == id }); i >= 0 {
			out = append(out, items[i])
		}
	}
	return out
}

func eligibleIDs(a Action, items []model.QueueItem) []string {
	var ids []string
	for _, item := range items {
		if a.eligible(item) {
			ids = append(ids, item.ID)
		}
	}
	return ids
}
