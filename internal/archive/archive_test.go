package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/storage/memory"
)

func TestArchiveWritesUnderRunPrefix(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a, err := New(blobs, Config{Prefix: "/pages/"})
	require.NoError(t, err)

	page := &crawler.Page{URL: "https://example.test/marketplace/a", Body: []byte("<html>a</html>")}
	uri, err := a.Archive(context.Background(), "run-1", page)
	require.NoError(t, err)

	path := a.Path("run-1", page.URL)
	require.Regexp(t, `^pages/run-1/[0-9a-f]{64}\.html$`, path)
	require.Equal(t, "memory://"+path, uri)

	got, ok := blobs.Object(path)
	require.True(t, ok)
	require.Equal(t, page.Body, got)
}

func TestPathIsStablePerURL(t *testing.T) {
	t.Parallel()

	a, err := New(memory.NewBlobStore(), Config{})
	require.NoError(t, err)
	require.Equal(t, a.Path("r", "https://x/a"), a.Path("r", "https://x/a"))
	require.NotEqual(t, a.Path("r", "https://x/a"), a.Path("r", "https://x/b"))
	require.Regexp(t, `^[0-9a-f]{64}\.html$`, a.Path("", "https://x/a"))
}

func TestArchiveErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)

	a, err := New(failingStore{}, Config{})
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "r", &crawler.Page{URL: "u"})
	require.EqualError(t, err, "page body is empty")

	_, err = a.Archive(context.Background(), "r", &crawler.Page{URL: "u", Body: []byte("x")})
	require.EqualError(t, err, "put object: bucket unavailable")
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
