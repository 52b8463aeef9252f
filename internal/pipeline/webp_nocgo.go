//go:build !cgo

package pipeline

import (
	"fmt"
	"image"
	"io"
)

func encodeWebP(_ io.Writer, _ image.Image, _ int) error {
	return fmt.Errorf("%w: webp export requires cgo", ErrUnsupportedFormat)
}
