package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

func TestInMemory_PutGet(t *testing.T) {
	store := NewInMemoryBlobStore()
	content := "%PDF-1.4 report"

	meta, err := store.Put(context.Background(), BlobMetadata{
		Key:         "reports/a.pdf",
		ContentType: "application/pdf",
		Tags:        map[string]string{"recordId": "r1"},
	}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), meta.Size)
	}
	if want := fmt.Sprintf("%x", sha256.Sum256([]byte(content))); meta.Hash != want {
		t.Errorf("expected hash %s, got %s", want, meta.Hash)
	}
	if meta.CreatedAt.IsZero() {
		t.Error("expected CreatedAt")
	}

	rc, got, err := store.Get(context.Background(), "reports/a.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != content {
		t.Errorf("unexpected body %q", body)
	}
	if got.Tags["recordId"] != "r1" {
		t.Errorf("expected tags preserved, got %v", got.Tags)
	}
}

func TestInMemory_MissingKey(t *testing.T) {
	store := NewInMemoryBlobStore()
	if _, err := store.Put(context.Background(), BlobMetadata{}, strings.NewReader("x")); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
	if _, _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
	if err := store.Delete(context.Background(), "nope"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemory_ListAndDelete(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	for _, key := range []string{"reports/b.pdf", "reports/a.pdf", "other/c.pdf"} {
		if _, err := store.Put(ctx, BlobMetadata{Key: key}, strings.NewReader(key)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Key != "reports/a.pdf" {
		t.Errorf("unexpected listing %v", list)
	}

	if err := store.Delete(ctx, "reports/a.pdf"); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 blobs left, got %d", store.Len())
	}
}

func TestInMemory_TooLarge(t *testing.T) {
	store := NewInMemoryBlobStore()
	big := io.LimitReader(zeroReader{}, MaxFileSize+1)
	if _, err := store.Put(context.Background(), BlobMetadata{Key: "big"}, big); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestInMemory_ConcurrentPut(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Put(context.Background(), BlobMetadata{Key: fmt.Sprintf("k%d", i)}, strings.NewReader("v"))
		}(i)
	}
	wg.Wait()
	if store.Len() != 20 {
		t.Errorf("expected 20 blobs, got %d", store.Len())
	}
}

// ---------------------------------------------------------------------------
// S3 store against a fake client
// ---------------------------------------------------------------------------

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string]fakeObject)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = fakeObject{
		body:        body,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modified:    time.Now().UTC(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentType:   aws.String(obj.contentType),
		ContentLength: aws.Int64(int64(len(obj.body))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	out := &s3.ListObjectsV2Output{}
	for full, obj := range f.objects {
		key := strings.TrimPrefix(full, bucket)
		if key == full || !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.body))),
			LastModified: aws.Time(obj.modified),
		})
	}
	return out, nil
}

func TestS3_PutGet(t *testing.T) {
	fake := newFakeS3()
	store := NewS3BlobStoreWithClient(fake, "archive")
	ctx := context.Background()

	meta, err := store.Put(ctx, BlobMetadata{
		Key:         "reports/r1.pdf",
		ContentType: "application/pdf",
		Tags:        map[string]string{"patientid": "p1"},
	}, strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, ok := fake.objects["archive/reports/r1.pdf"]
	if !ok {
		t.Fatal("expected object in bucket")
	}
	if obj.contentType != "application/pdf" || obj.metadata[hashMetadataKey] != meta.Hash {
		t.Errorf("unexpected object attributes: %+v", obj)
	}

	rc, got, err := store.Get(ctx, "reports/r1.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if got.Hash != meta.Hash || got.Size != 4 || got.Tags["patientid"] != "p1" {
		t.Errorf("unexpected metadata %+v", got)
	}
	if _, ok := got.Tags[hashMetadataKey]; ok {
		t.Error("hash must not leak into tags")
	}
}

func TestS3_GetMissing(t *testing.T) {
	store := NewS3BlobStoreWithClient(newFakeS3(), "archive")
	if _, _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestS3_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	store := NewS3BlobStoreWithClient(fake, "archive")
	_, err := store.Put(context.Background(), BlobMetadata{Key: "k"}, strings.NewReader("x"))
	if err == nil || !strings.Contains(err.Error(), "s3://archive/k") {
		t.Errorf("expected wrapped put error, got %v", err)
	}
}

func TestS3_ListAndDelete(t *testing.T) {
	fake := newFakeS3()
	store := NewS3BlobStoreWithClient(fake, "archive")
	ctx := context.Background()
	for _, key := range []string{"reports/a.pdf", "reports/b.pdf", "tmp/c"} {
		if _, err := store.Put(ctx, BlobMetadata{Key: key}, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 objects, got %d", len(list))
	}

	if err := store.Delete(ctx, "reports/a.pdf"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["archive/reports/a.pdf"]; ok {
		t.Error("expected object deleted")
	}
}
