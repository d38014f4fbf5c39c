package queue

import "github.com/aliskhannn/upload-queue/internal/model"

// Action is a request to transition the queue state. The set of actions
// understood by Reduce is closed; any other implementation is ignored.
type Action interface {
	// Kind returns the wire name of the action.
	Kind() string
}

// Action kinds.
const (
	KindPauseQueue      = "PAUSE_QUEUE"
	KindResumeQueue     = "RESUME_QUEUE"
	KindAdd             = "ADD_ITEM"
	KindCancel          = "CANCEL_ITEM"
	KindRemove          = "REMOVE_ITEM"
	KindOperationStart  = "OPERATION_START"
	KindAddOperations   = "ADD_OPERATIONS"
	KindOperationFinish = "OPERATION_FINISH"
	KindCacheBlobURL    = "CACHE_BLOB_URL"
	KindRevokeBlobURLs  = "REVOKE_BLOB_URLS"
	KindUpdateSettings  = "UPDATE_SETTINGS"
)

// PauseQueue stops the scheduler from starting new operations.
type PauseQueue struct{}

// ResumeQueue lets the scheduler start new operations again.
type ResumeQueue struct{}

// Add appends a new item to the end of the queue.
type Add struct {
	Item model.QueueItem
}

// Cancel marks an item as failed with the given error.
type Cancel struct {
	ID    string
	Error *model.ItemError
}

// Remove deletes an item from the queue.
type Remove struct {
	ID string
}

// OperationStart records the operation an item is currently executing.
type OperationStart struct {
	ID        string
	Operation model.Operation
}

// AddOperations appends operations to an item's pipeline.
type AddOperations struct {
	ID         string
	Operations []model.Operation
}

// OperationFinish pops the finished operation and merges its result.
type OperationFinish struct {
	ID     string
	Update model.ItemUpdate
}

// CacheBlobURL remembers a locally created blob handle for an item.
type CacheBlobURL struct {
	ID      string
	BlobURL string
}

// RevokeBlobURLs forgets every blob handle of an item. The handles
// themselves must be released by the caller.
type RevokeBlobURLs struct {
	ID string
}

// UpdateSettings shallow-merges settings.
type UpdateSettings struct {
	Settings model.SettingsUpdate
}

func (PauseQueue) Kind() string      { return KindPauseQueue }
func (ResumeQueue) Kind() string     { return KindResumeQueue }
func (Add) Kind() string             { return KindAdd }
func (Cancel) Kind() string          { return KindCancel }
func (Remove) Kind() string          { return KindRemove }
func (OperationStart) Kind() string  { return KindOperationStart }
func (AddOperations) Kind() string   { return KindAddOperations }
func (OperationFinish) Kind() string { return KindOperationFinish }
func (CacheBlobURL) Kind() string    { return KindCacheBlobURL }
func (RevokeBlobURLs) Kind() string  { return KindRevokeBlobURLs }
func (UpdateSettings) Kind() string  { return KindUpdateSettings }

// ItemID returns the id of the item targeted by a, if any.
func ItemID(a Action) (string, bool) {
	switch a := a.(type) {
	case Add:
		return a.Item.ID, true
	case Cancel:
		return a.ID, true
	case Remove:
		return a.ID, true
	case OperationStart:
		return a.ID, true
	case AddOperations:
		return a.ID, true
	case OperationFinish:
		return a.ID, true
	case CacheBlobURL:
		return a.ID, true
	case RevokeBlobURLs:
		return a.ID, true
	default:
		return "", false
	}
}
