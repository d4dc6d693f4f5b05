package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
)

func TestFSStore_PutAndOpen(t *testing.T) {
	s := NewFSStore(t.TempDir(), 0, 0)
	ctx := context.Background()

	if err := s.Put(ctx, "processed", "features/turbine_1_features.csv", []byte("a,b\n1,2\n"), "text/csv"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := ReadAll(ctx, s, "processed", "features/turbine_1_features.csv")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("Unexpected content: %q", data)
	}

	// Overwrite replaces content and leaves no temp files behind
	if err := s.Put(ctx, "processed", "features/turbine_1_features.csv", []byte("new"), ""); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.Root(), "processed", "features"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 file after overwrite, got %d", len(entries))
	}
}

func TestFSStore_NotFound(t *testing.T) {
	s := NewFSStore(t.TempDir(), 0, 0)

	_, err := s.Open(context.Background(), "raw", "missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	s := NewFSStore(t.TempDir(), 0, 0)
	ctx := context.Background()

	tests := []struct {
		name   string
		bucket string
		key    string
	}{
		{"parent key", "raw", "../secret"},
		{"nested parent key", "raw", "a/../../secret"},
		{"bucket with slash", "raw/x", "k"},
		{"empty key", "raw", ""},
		{"empty bucket", "", "k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Put(ctx, tt.bucket, tt.key, []byte("x"), ""); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestFSStore_EmptyRootUsesTmpDir(t *testing.T) {
	s := NewFSStore("", 0, 0)
	if s.Root() != filepath.Join(os.TempDir(), "turbineoracle") {
		t.Errorf("Unexpected root: %s", s.Root())
	}
}

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	putErr  error
	lastPut *s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.lastPut = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := NewS3StoreWithClient(fake)
	ctx := context.Background()

	if err := s.Put(ctx, "models", "notebooks/model_columns.json", []byte(`["a"]`), "application/json"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if aws.ToString(fake.lastPut.ContentType) != "application/json" {
		t.Errorf("Unexpected content type: %v", aws.ToString(fake.lastPut.ContentType))
	}

	data, err := ReadAll(ctx, s, "models", "notebooks/model_columns.json")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != `["a"]` {
		t.Errorf("Unexpected content: %s", data)
	}

	if _, err := s.Open(ctx, "models", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	fake.getErr = errors.New("connection reset")
	if _, err := s.Open(ctx, "models", "notebooks/model_columns.json"); !errors.Is(err, ErrIOUnavailable) {
		t.Errorf("Expected ErrIOUnavailable, got %v", err)
	}

	fake.putErr = errors.New("throttled")
	if err := s.Put(ctx, "models", "k", nil, ""); !errors.Is(err, ErrIOUnavailable) {
		t.Errorf("Expected ErrIOUnavailable, got %v", err)
	}
}

func TestClassifyMinioError(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}
	if err := classifyMinioError(notFound, "raw", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	denied := minio.ErrorResponse{Code: "AccessDenied"}
	if err := classifyMinioError(denied, "raw", "k"); !errors.Is(err, ErrIOUnavailable) {
		t.Errorf("Expected ErrIOUnavailable, got %v", err)
	}
}
