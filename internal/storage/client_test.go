package storage

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestNewClient(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: " "}); err == nil {
		t.Fatal("expected error for empty bucket")
	}

	client, err := NewClient(Config{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "imgopt-assets",
	})
	if err != nil {
		t.Fatalf("expected client, got error: %v", err)
	}
	if client.Bucket() != "imgopt-assets" {
		t.Fatalf("expected bucket imgopt-assets, got %s", client.Bucket())
	}
	if client.maxBytes != DefaultMaxObjectBytes {
		t.Fatalf("expected default object limit, got %d", client.maxBytes)
	}
}

func TestUploadKey(t *testing.T) {
	if got := UploadKey("abc"); got != "uploads/abc/source" {
		t.Fatalf("unexpected upload key %q", got)
	}
}

func TestPresignUploadRejectsTTL(t *testing.T) {
	client, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: "imgopt-assets"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	for _, ttl := range []time.Duration{0, -time.Second, 8 * 24 * time.Hour} {
		if _, err := client.PresignUpload(context.Background(), ttl); err == nil {
			t.Fatalf("expected error for ttl %s", ttl)
		}
	}
}

func TestObjectErrorMapsMissingKey(t *testing.T) {
	client := &Client{bucket: "imgopt-assets"}

	missing := client.objectError("get", "uploads/x/source", minio.ErrorResponse{Code: "NoSuchKey"})
	if !errors.Is(missing, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", missing)
	}
	if !strings.Contains(missing.Error(), "imgopt-assets/uploads/x/source") {
		t.Fatalf("expected bucket and key in error, got %q", missing.Error())
	}

	other := client.objectError("put", "images/a.jpg", errors.New("connection refused"))
	if errors.Is(other, fs.ErrNotExist) {
		t.Fatalf("expected transport error to stay distinct, got %v", other)
	}
	var objErr *ObjectError
	if !errors.As(other, &objErr) || objErr.Op != "put" {
		t.Fatalf("expected ObjectError for put, got %v", other)
	}
}
