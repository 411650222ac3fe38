package remote

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/sizif/internal/store"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	short   bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) PutObject(ctx context.Context, key string, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	if b.short {
		blob = blob[:len(blob)/2]
	}
	b.objects[key] = append([]byte(nil), blob...)
	return nil
}

func (b *fakeBucket) ObjectSize(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return int64(len(data)), nil
}

func (b *fakeBucket) GetObject(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return data, nil
}

func (b *fakeBucket) RemoveObject(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *fakeBucket) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func TestNewS3Store_Validation(t *testing.T) {
	_, err := NewS3Store(S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)
	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)
	_, err = NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)

	s, err := NewS3Store(S3Config{Endpoint: "https://s3.example.com", Bucket: "b", AccessKey: "a", SecretKey: "s", Folder: "/runs/"})
	require.NoError(t, err)
	assert.Equal(t, "runs/", s.prefix)
}

func TestS3Store_RoundTrip(t *testing.T) {
	bucket := newFakeBucket()
	s := newS3Store(bucket, "runs/mnist")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "model_1_0003", []byte("weights")))
	assert.Contains(t, bucket.objects, "runs/mnist/model_1_0003")

	data, err := s.Get(ctx, "model_1_0003")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"model_1_0003"}, ids)
}

func TestS3Store_ListSkipsNestedAndHidden(t *testing.T) {
	bucket := newFakeBucket()
	bucket.objects["p/a"] = nil
	bucket.objects["p/.hidden"] = nil
	bucket.objects["p/sub/b"] = nil
	bucket.objects["other/c"] = nil
	s := newS3Store(bucket, "p")

	ids, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestS3Store_VerifyFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.short = true
	s := newS3Store(bucket, "")

	err := s.Put(context.Background(), "a", []byte("weights"))
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Empty(t, bucket.objects, "short object must be removed")
}

func TestS3Store_GetMissing(t *testing.T) {
	s := newS3Store(newFakeBucket(), "")

	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestS3Store_DeleteIdempotent(t *testing.T) {
	s := newS3Store(newFakeBucket(), "")
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "nope"))
	require.NoError(t, s.Delete(ctx, "nope"))
}

func TestS3Store_AccessDeniedIsFatal(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	s := newS3Store(bucket, "")

	err := s.Put(context.Background(), "a", []byte("x"))
	var fatal *store.RemoteFatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestClassifyS3Error(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"slow down", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, true},
		{"server error", minio.ErrorResponse{Code: "Whatever", StatusCode: 500}, true},
		{"throttled", minio.ErrorResponse{StatusCode: 429}, true},
		{"network", errors.New("dial tcp: connection reset by peer"), true},
		{"bad signature", minio.ErrorResponse{Code: "SignatureDoesNotMatch", StatusCode: 403}, false},
		{"no bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}, false},
		{"bad request", minio.ErrorResponse{Code: "InvalidArgument", StatusCode: 400}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyS3Error("put", "a", tc.err)
			assert.True(t, store.IsRemote(err))
			assert.Equal(t, tc.transient, store.IsTransient(err))
		})
	}

	assert.True(t, store.IsNotFound(classifyS3Error("get", "a", minio.ErrorResponse{Code: "NoSuchKey"})))
}
