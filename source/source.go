package source

import (
	"context"
)

// ByteSource produces the raw bytes of an image for a key.
// Implementations return types.NotFoundError when they have nothing for the key
// and types.CanceledError when ctx ends first.
type ByteSource interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}
