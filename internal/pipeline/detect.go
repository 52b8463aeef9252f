package pipeline

import (
	"fmt"

	"github.com/h2non/filetype"
)

type Detection struct {
	MIME      string
	Extension string
}

// Detect sniffs the magic bytes of data. Anything that is not a known image
// type yields ErrNotAnImage.
func Detect(data []byte) (Detection, error) {
	if len(data) == 0 {
		return Detection{}, fmt.Errorf("%w: empty source", ErrNotAnImage)
	}

	kind, err := filetype.Match(data)
	if err != nil {
		return Detection{}, fmt.Errorf("detect content type: %w", err)
	}
	if kind == filetype.Unknown || !filetype.IsImage(data) {
		return Detection{}, fmt.Errorf("%w: unrecognised content", ErrNotAnImage)
	}

	return Detection{
		MIME:      kind.MIME.Value,
		Extension: kind.Extension,
	}, nil
}
