package source

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type mappedSourceEntry struct {
	prefix string
	source ByteSource
}

// MappedSource routes keys to byte sources by the longest matching prefix.
// Keys that are absolute http(s) URLs and match no mapping are fetched directly.
type MappedSource struct {
	entries []mappedSourceEntry
	direct  ByteSource
}

// NewMappedSource creates a new MappedSource from source mappings
func NewMappedSource(mappings []config.SourceMapping, retryMax int, timeout time.Duration) (*MappedSource, error) {
	entries := []mappedSourceEntry{}

	for _, mapping := range mappings {
		err := mapping.Validate()
		if err != nil {
			return nil, xerrors.Errorf("failed to validate source mapping: %w", err)
		}

		var source ByteSource
		switch mapping.Type {
		case config.SourceTypeHTTP:
			source = NewHTTPSource(strings.TrimSuffix(mapping.Location, "/"), retryMax, timeout)
		case config.SourceTypeIRODS:
			irodsSource, err := NewIRODSSource(mapping.Location)
			if err != nil {
				return nil, xerrors.Errorf("failed to make irods source for prefix %q: %w", mapping.Prefix, err)
			}
			source = irodsSource
		default:
			source = NewFileSource(mapping.Location)
		}

		entries = append(entries, mappedSourceEntry{
			prefix: mapping.Prefix,
			source: source,
		})
	}

	sort.SliceStable(entries, func(i int, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})

	return &MappedSource{
		entries: entries,
		direct:  NewHTTPSource("", retryMax, timeout),
	}, nil
}

// Release releases connections held by mapped sources
func (source *MappedSource) Release() {
	for _, entry := range source.entries {
		if releasable, ok := entry.source.(interface{ Release() }); ok {
			releasable.Release()
		}
	}
}

// GetPrefixes returns mapped prefixes, longest first
func (source *MappedSource) GetPrefixes() []string {
	prefixes := []string{}
	for _, entry := range source.entries {
		prefixes = append(prefixes, entry.prefix)
	}
	return prefixes
}

// Fetch fetches key from the source mapped to it
func (source *MappedSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "source",
		"struct":   "MappedSource",
		"function": "Fetch",
	})

	for _, entry := range source.entries {
		if strings.HasPrefix(key, entry.prefix) {
			logger.Debugf("key %s is mapped to prefix %q", key, entry.prefix)
			return entry.source.Fetch(ctx, strings.TrimPrefix(key, entry.prefix))
		}
	}

	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return source.direct.Fetch(ctx, key)
	}

	return nil, types.NewNotFoundError(key)
}
