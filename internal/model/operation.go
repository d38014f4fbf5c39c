package model

import "fmt"

// OperationType names a single step of an item's processing pipeline.
type OperationType string

const (
	OperationPrepare             OperationType = "prepare"              // detect mime type, build preview
	OperationResizeCrop          OperationType = "resize_crop"          // resize (and optionally crop) to width/height
	OperationRotate              OperationType = "rotate"               // rotate by "angle" degrees
	OperationThumbnailGeneration OperationType = "thumbnail_generation" // generate a thumbnail sub-size
	OperationWatermark           OperationType = "watermark"            // draw "text" in the bottom-right corner
	OperationTranscodeImage      OperationType = "transcode_image"      // re-encode into "format"
	OperationUpload              OperationType = "upload"               // hand the file to the media upload handler
	OperationFinalize            OperationType = "finalize"             // persist the attachment
)

// String returns the raw operation name.
func (t OperationType) String() string { return string(t) }

// ParseOperationType converts a string into an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch t := OperationType(s); t {
	case OperationPrepare, OperationResizeCrop, OperationRotate, OperationThumbnailGeneration,
		OperationWatermark, OperationTranscodeImage, OperationUpload, OperationFinalize:
		return t, nil
	default:
		return "", fmt.Errorf("unknown operation type: %q", s)
	}
}

// Operation is one step of an item's pipeline together with its arguments,
// e.g. {Type: resize_crop, Args: {"width": "640", "height": "480"}}.
type Operation struct {
	Type OperationType     `json:"type"`
	Args map[string]string `json:"args,omitempty"`
}

// NewOperation builds an Operation of the given type with optional
// key/value arguments.
func NewOperation(t OperationType, kv ...string) Operation {
	op := Operation{Type: t}
	if len(kv) > 1 {
		op.Args = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			op.Args[kv[i]] = kv[i+1]
		}
	}

	return op
}

// DefaultPipeline is the list of operations queued for a freshly added item
// when the caller does not supply one. The prepare step appends whatever
// else the item needs.
func DefaultPipeline() []Operation {
	return []Operation{{Type: OperationPrepare}}
}

// HasOperation reports whether ops contains an operation of type t.
func HasOperation(ops []Operation, t OperationType) bool {
	for _, op := range ops {
		if op.Type == t {
			return true
		}
	}

	return false
}
