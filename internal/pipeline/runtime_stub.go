//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// NewTransformer returns the pure Go engine.
func NewTransformer() Transformer {
	return imagingTransformer{}
}
