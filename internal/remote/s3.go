package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cwbudde/sizif/internal/store"
)

// S3Config holds the connection parameters of an S3/MinIO remote store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Folder is used as key prefix. Snapshots are stored flat below it.
	Folder string
	Region string
	UseSSL bool
}

// objectAPI is the subset of object store calls the store needs.
type objectAPI interface {
	PutObject(ctx context.Context, key string, blob []byte) error
	ObjectSize(ctx context.Context, key string) (int64, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	RemoveObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

type minioAPI struct {
	client *minio.Client
	bucket string
}

func (m *minioAPI) PutObject(ctx context.Context, key string, blob []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (m *minioAPI) ObjectSize(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (m *minioAPI) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (m *minioAPI) RemoveObject(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *minioAPI) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// S3Store implements store.Backend on an S3-compatible bucket.
type S3Store struct {
	api    objectAPI
	prefix string
}

// NewS3Store creates a minio client for cfg. The bucket must already exist.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return newS3Store(&minioAPI{client: client, bucket: cfg.Bucket}, cfg.Folder), nil
}

func newS3Store(api objectAPI, folder string) *S3Store {
	prefix := strings.Trim(folder, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{api: api, prefix: prefix}
}

// Name implements store.Named.
func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) key(id string) string { return s.prefix + id }

// Put uploads blob and checks the stored object size.
func (s *S3Store) Put(ctx context.Context, id string, blob []byte) error {
	key := s.key(id)
	if err := s.api.PutObject(ctx, key, blob); err != nil {
		return classifyS3Error("put", id, err)
	}

	size, err := s.api.ObjectSize(ctx, key)
	if err != nil {
		return classifyS3Error("put", id, fmt.Errorf("verify failed: %w", err))
	}
	if size != int64(len(blob)) {
		// Remove the bad object so a later retry starts clean.
		_ = s.api.RemoveObject(ctx, key)
		return &store.RemoteTransientError{Backend: s.Name(), Op: "put", ID: id,
			Err: &sizeMismatchError{want: int64(len(blob)), got: size}}
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.api.GetObject(ctx, s.key(id))
	if err != nil {
		return nil, classifyS3Error("get", id, err)
	}
	return data, nil
}

// Delete removes id. S3 reports success for absent keys.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	err := classifyS3Error("delete", id, s.api.RemoveObject(ctx, s.key(id)))
	if store.IsNotFound(err) {
		return nil
	}
	return err
}

// List returns the identifiers directly below the prefix. Hidden names and
// nested keys are skipped.
func (s *S3Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.api.ListObjects(ctx, s.prefix)
	if err != nil {
		return nil, classifyS3Error("list", "", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, s.prefix)
		if id == "" || strings.HasPrefix(id, ".") || strings.Contains(id, "/") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
