package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"downloads/a.mp3":    "downloads/a.mp3",
		"/downloads/a.mp3":   "downloads/a.mp3",
		"./downloads//a.mp3": "downloads/a.mp3",
		"downloads\\b.wav":   "downloads/b.wav",
		"downloads/../c.mp4": "c.mp4",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		if err != nil || got != want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", "../etc/passwd", "."} {
		if _, err := sanitizeKey(bad); err == nil {
			t.Fatalf("sanitizeKey(%q) expected error", bad)
		}
	}
}

func TestFileStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	key, err := fs.Put(ctx, "/downloads/song_1.mp3", []byte("data"), "audio/mpeg")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "downloads/song_1.mp3" {
		t.Fatalf("key = %q", key)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "downloads", "song_1.mp3")); err != nil || string(b) != "data" {
		t.Fatalf("file content = %q, %v", b, err)
	}

	ok, err := fs.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok, _ := fs.Exists(ctx, key); ok {
		t.Fatalf("artifact still present")
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" "); err == nil {
		t.Fatalf("expected error for empty base path")
	}
}

type fakeObjects struct {
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf := make([]byte, 0)
	tmp := make([]byte, 512)
	for {
		n, err := in.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	f.objects[*in.Key] = buf
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
	st := &S3Store{client: fake, bucket: "media"}

	key, err := st.Put(ctx, "downloads/clip.mp4", []byte("video"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if string(fake.objects[key]) != "video" || fake.types[key] != "application/octet-stream" {
		t.Fatalf("stored %q as %q", fake.objects[key], fake.types[key])
	}
	if ok, err := st.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if err := st.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := st.Exists(ctx, key); err != nil || ok {
		t.Fatalf("exists after delete = %v, %v", ok, err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) {
		t.Fatalf("NoSuchKey should be not found")
	}
	if isNotFound(errors.New("boom")) {
		t.Fatalf("plain error is not a not-found")
	}
}
