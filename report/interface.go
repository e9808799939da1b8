package report

import (
	"time"
)

// Reporter receives load events of the image pipeline
type Reporter interface {
	MemoryHit(key string)
	DiskHit(key string, size int)
	Fetched(key string, size int, elapsed time.Duration)
	Decoded(key string, frames int, elapsed time.Duration)
	Failed(key string, err error)
	Cancelled(key string)
}
