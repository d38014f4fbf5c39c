package queue

import "errors"

// ErrItemNotFound is returned by Store helpers that require an existing item.
var ErrItemNotFound = errors.New("queue: item not found")

// ErrNothingToUpload is returned when an upload has neither file data nor a
// source url.
var ErrNothingToUpload = errors.New("queue: nothing to upload")
