package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imagecache/config"
	"github.com/cyverse/imagecache/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource(t *testing.T) {
	t.Run("test FileSource", testFileSource)
	t.Run("test FileSourceStaysInRoot", testFileSourceStaysInRoot)
	t.Run("test HTTPSource", testHTTPSource)
	t.Run("test HTTPSourceRetry", testHTTPSourceRetry)
	t.Run("test HTTPSourceCanceled", testHTTPSourceCanceled)
	t.Run("test MappedSource", testMappedSource)
}

func testFileSource(t *testing.T) {
	rootPath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootPath, "img"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "img", "a.gif"), []byte("GIF89a"), 0644))

	var source ByteSource = NewFileSource(rootPath)

	data, err := source.Fetch(context.Background(), "img/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)

	data, err = source.Fetch(context.Background(), "file:///img/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)

	_, err = source.Fetch(context.Background(), "img/missing.gif")
	assert.True(t, types.IsNotFoundError(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = source.Fetch(ctx, "img/a.gif")
	assert.True(t, types.IsCanceledError(err))
}

func testFileSourceStaysInRoot(t *testing.T) {
	parent := t.TempDir()
	rootPath := filepath.Join(parent, "root")
	require.NoError(t, os.MkdirAll(rootPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0644))

	source := NewFileSource(rootPath)
	_, err := source.Fetch(context.Background(), "../secret")
	assert.True(t, types.IsNotFoundError(err))
}

func testHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/a.gif":
			w.Write([]byte("GIF89a"))
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, 0, 5*time.Second)

	data, err := source.Fetch(context.Background(), "img/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)

	data, err = source.Fetch(context.Background(), "/img/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)

	_, err = source.Fetch(context.Background(), "img/missing.gif")
	assert.True(t, types.IsNotFoundError(err))

	_, err = source.Fetch(context.Background(), "gone")
	assert.True(t, types.IsNotFoundError(err))

	// absolute URLs without a base
	absolute := NewHTTPSource("", 0, 5*time.Second)
	data, err = absolute.Fetch(context.Background(), server.URL+"/img/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)
}

func testHTTPSourceRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, 3, 5*time.Second)
	data, err := source.Fetch(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, -100)
	noRetry := NewHTTPSource(server.URL, 0, 5*time.Second)
	_, err = noRetry.Fetch(context.Background(), "flaky")
	assert.Error(t, err)
	assert.False(t, types.IsNotFoundError(err))
}

func testHTTPSourceCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	source := NewHTTPSource(server.URL, 2, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := source.Fetch(ctx, "slow")
	assert.True(t, types.IsCanceledError(err))
}

func testMappedSource(t *testing.T) {
	rootPath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootPath, "deep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "a.gif"), []byte("root"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootPath, "deep", "a.gif"), []byte("deep"), 0644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("http:" + r.URL.Path))
	}))
	defer server.Close()

	source, err := NewMappedSource([]config.SourceMapping{
		{Prefix: "local/", Type: config.SourceTypeFile, Location: rootPath},
		{Prefix: "local/deep/", Type: config.SourceTypeFile, Location: filepath.Join(rootPath, "deep")},
		{Prefix: "cdn/", Type: config.SourceTypeHTTP, Location: server.URL + "/"},
	}, 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"local/deep/", "local/", "cdn/"}, source.GetPrefixes())

	data, err := source.Fetch(context.Background(), "local/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("root"), data)

	// longest prefix wins
	data, err = source.Fetch(context.Background(), "local/deep/a.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("deep"), data)

	data, err = source.Fetch(context.Background(), "cdn/img/b.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("http:/img/b.gif"), data)

	data, err = source.Fetch(context.Background(), server.URL+"/direct.gif")
	require.NoError(t, err)
	assert.Equal(t, []byte("http:/direct.gif"), data)

	_, err = source.Fetch(context.Background(), "elsewhere/a.gif")
	assert.True(t, types.IsNotFoundError(err))

	_, err = NewMappedSource([]config.SourceMapping{
		{Prefix: "cdn/", Type: config.SourceTypeHTTP, Location: "cdn.example.com"},
	}, 0, time.Second)
	assert.Error(t, err)
}
