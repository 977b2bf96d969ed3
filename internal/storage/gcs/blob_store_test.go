package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.EqualError(t, err, "storage client is required")

	_, err = Open(context.Background(), Config{})
	require.EqualError(t, err, "bucket name is required")
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
		body  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		raw := new(strings.Builder)
		_, _ = io.Copy(raw, r.Body)
		body = raw.String()
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bucket":"archive","name":"pages/run/a.html"}`))
	}))
	defer srv.Close()

	store, err := Open(context.Background(), Config{Bucket: "archive"},
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	uri, err := store.PutObject(context.Background(), "pages/run/a.html", "text/html", strings.NewReader("<html>a</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/pages/run/a.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, paths)
	require.Contains(t, paths[0], "/b/archive/o")
	require.Contains(t, body, "<html>a</html>")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "b"}
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.EqualError(t, err, "path is required")
}
