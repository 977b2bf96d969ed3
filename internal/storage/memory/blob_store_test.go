package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://path/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored := string(store.data["path/page.html"])
	if stored != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreObjectAndLen(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
	if _, err := store.PutObject(context.Background(), "pages/a.html", "text/html", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	got, ok := store.Object("pages/a.html")
	if !ok || string(got) != "a" {
		t.Fatalf("unexpected object %q (ok=%v)", got, ok)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one object, got %d", store.Len())
	}
}
