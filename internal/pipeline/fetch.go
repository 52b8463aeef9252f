package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/snappy/internal/storage"
)

// Source is a materialised source object.
type Source struct {
	Key          string
	Data         []byte
	Extension    string
	ContentType  string
	CacheControl string
}

type Fetcher interface {
	Fetch(ctx context.Context, key string) (Source, error)
}

type ObjectReader interface {
	ReadObject(ctx context.Context, key string) ([]byte, storage.ObjectInfo, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, key string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, key string) (Source, error) {
	if f.Storage == nil {
		return Source{}, errors.New("storage client is required")
	}
	key, err := cleanKey(key)
	if err != nil {
		return Source{}, err
	}

	data, info, err := f.Storage.ReadObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
		}
		return Source{}, err
	}

	return Source{
		Key:          key,
		Data:         data,
		Extension:    extensionOf(key),
		ContentType:  info.ContentType,
		CacheControl: info.CacheControl,
	}, nil
}

// LocalFileFetcher serves sources from a directory. Keys are confined to
// Root; ".." segments cannot escape it.
type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, key string) (Source, error) {
	if strings.TrimSpace(f.Root) == "" {
		return Source{}, errors.New("local source root is required")
	}
	key, err := cleanKey(key)
	if err != nil {
		return Source{}, err
	}

	select {
	case <-ctx.Done():
		return Source{}, ctx.Err()
	default:
	}

	full := filepath.Join(f.Root, filepath.FromSlash(key))
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Source{}, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
		}
		return Source{}, fmt.Errorf("read source file %s: %w", key, err)
	}

	return Source{
		Key:       key,
		Data:      data,
		Extension: extensionOf(key),
	}, nil
}

// ObjectStoreEmitter writes rendered variants back to object storage.
type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
}

// Emit stores r under <prefix>/<jobID>/<output name> and returns the key.
func (e ObjectStoreEmitter) Emit(ctx context.Context, jobID string, r Rendered) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if strings.TrimSpace(jobID) == "" {
		return "", errors.New("job id is required")
	}

	name := r.OutputName
	if name == "" {
		name = path.Base(r.Key)
	}
	objectKey := path.Join(defaultOutputPrefix(e.OutputPrefix), sanitizePathToken(jobID), name)

	if err := e.Storage.WriteObject(ctx, objectKey, r.Data, r.ContentType); err != nil {
		return "", err
	}
	return objectKey, nil
}

func cleanKey(key string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: empty key", ErrSourceNotFound)
	}
	return cleaned, nil
}

func extensionOf(key string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "renders"
	}
	return prefix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
