package pipeline

import "errors"

var (
	ErrSourceNotFound     = errors.New("source object not found")
	ErrNotAnImage         = errors.New("source is not an image")
	ErrUndecodableSource  = errors.New("source image cannot be decoded")
	ErrUnsupportedFormat  = errors.New("unsupported output format")
	ErrInvalidInstruction = errors.New("invalid plan instruction")
	ErrEngineTimeout      = errors.New("image engine timed out")
)
