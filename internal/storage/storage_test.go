package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// apiError implements smithy.APIError for test assertions.
type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// fakeS3 is an in-memory S3 backend.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &apiError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

// exercise runs the behaviour shared by every Store implementation.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "runs/a/model.msgpack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
	if ok, err := s.Exists(ctx, "runs/a/model.msgpack"); err != nil || ok {
		t.Fatalf("Exists missing: got %v, %v", ok, err)
	}

	if err := s.Put(ctx, "runs/a/model.msgpack", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "runs/a/model.msgpack", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, "runs/a/model.msgpack")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get: got %q, want v2", got)
	}
	if ok, err := s.Exists(ctx, "runs/a/model.msgpack"); err != nil || !ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}

	if err := s.Delete(ctx, "runs/a/model.msgpack"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "runs/a/model.msgpack"); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if ok, _ := s.Exists(ctx, "runs/a/model.msgpack"); ok {
		t.Error("blob still exists after Delete")
	}
}

func TestLocal(t *testing.T) {
	s, err := NewLocal(filepath.Join(t.TempDir(), "models"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	exercise(t, s)
}

func TestLocal_PutLeavesNoTempFiles(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "current.json", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "current.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("root entries: got %v, want [current.json]", names)
	}
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../x", "/etc/passwd", "", "a/../../x"} {
		if err := s.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestS3Store(t *testing.T) {
	exercise(t, NewS3(newFakeS3(), "bucket", ""))
}

func TestS3Store_Prefix(t *testing.T) {
	fake := newFakeS3()
	s := NewS3(fake, "bucket", "/telepathy/")
	if err := s.Put(context.Background(), "current.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["telepathy/current.json"]; !ok {
		t.Errorf("object keys: %v", fake.objects)
	}
}

func TestS3Store_OtherErrors(t *testing.T) {
	fake := newFakeS3()
	fake.failAll = errors.New("network timeout")
	s := NewS3(fake, "bucket", "")
	ctx := context.Background()

	if _, err := s.Get(ctx, "x"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get: got %v, want a non-NotFound error", err)
	}
	if _, err := s.Exists(ctx, "x"); err == nil {
		t.Error("Exists: expected error")
	}
	if err := s.Put(ctx, "x", nil); err == nil {
		t.Error("Put: expected error")
	}
}
