package id

import (
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Filename returns a fresh identifier carrying the given extension.
func Filename(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return New()
	}
	return New() + "." + ext
}
