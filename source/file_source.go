package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyverse/imagecache/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// FileSource reads images from a local directory. Keys are slash-separated paths relative to the root.
type FileSource struct {
	rootPath string
}

// NewFileSource creates a new FileSource
func NewFileSource(rootPath string) *FileSource {
	return &FileSource{
		rootPath: rootPath,
	}
}

// GetRootPath returns the root directory
func (source *FileSource) GetRootPath() string {
	return source.rootPath
}

// Fetch reads the file for key
func (source *FileSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "source",
		"struct":   "FileSource",
		"function": "Fetch",
	})

	if ctx.Err() != nil {
		return nil, types.NewCanceledError("fetch " + key)
	}

	// keys never escape the root
	cleaned := filepath.Clean("/" + strings.TrimPrefix(key, "file://"))
	path := filepath.Join(source.rootPath, filepath.FromSlash(cleaned))

	logger.Debugf("reading %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewNotFoundError(key)
		}
		return nil, xerrors.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}
