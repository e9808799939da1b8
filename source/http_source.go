package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyverse/imagecache/types"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// responses larger than this are refused
	maxResponseSize int64 = 64 * 1024 * 1024
)

// leveledLogger adapts logrus to retryablehttp.LeveledLogger
type leveledLogger struct {
	entry *log.Entry
}

func toFields(keysAndValues []interface{}) log.Fields {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func (logger *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.entry.WithFields(toFields(keysAndValues)).Error(msg)
}

func (logger *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.entry.WithFields(toFields(keysAndValues)).Info(msg)
}

func (logger *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (logger *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.entry.WithFields(toFields(keysAndValues)).Warn(msg)
}

// HTTPSource fetches images over HTTP with retries. Keys are URLs, or paths joined to the base URL.
type HTTPSource struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPSource creates a new HTTPSource. baseURL may be empty when keys are absolute URLs.
func NewHTTPSource(baseURL string, retryMax int, timeout time.Duration) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = &leveledLogger{
		entry: log.WithFields(log.Fields{
			"package": "source",
			"struct":  "HTTPSource",
		}),
	}

	return &HTTPSource{
		baseURL: baseURL,
		client:  client,
	}
}

// GetBaseURL returns the base URL
func (source *HTTPSource) GetBaseURL() string {
	return source.baseURL
}

func (source *HTTPSource) makeURL(key string) string {
	if source.baseURL == "" {
		return key
	}
	if len(key) > 0 && key[0] == '/' {
		return source.baseURL + key
	}
	return source.baseURL + "/" + key
}

// Fetch downloads the image for key
func (source *HTTPSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "source",
		"struct":   "HTTPSource",
		"function": "Fetch",
	})

	url := source.makeURL(key)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to make request for %s: %w", url, err)
	}

	logger.Debugf("fetching %s", url)

	resp, err := source.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewCanceledError("fetch " + key)
		}
		return nil, xerrors.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, types.NewNotFoundError(key)
	case resp.StatusCode != http.StatusOK:
		return nil, xerrors.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewCanceledError("fetch " + key)
		}
		return nil, xerrors.Errorf("failed to read response of %s: %w", url, err)
	}

	if int64(len(data)) > maxResponseSize {
		return nil, xerrors.Errorf("response of %s exceeds %d bytes", url, maxResponseSize)
	}

	return data, nil
}
