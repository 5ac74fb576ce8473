// Package archive keeps a copy of every outbound registry payload and the
// raw registry response.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object is one archived document.
type Object struct {
	ReportID     string
	SubmissionID string
	Kind         string // "request" or "response"
	ContentType  string
	Body         []byte
	StoredAt     time.Time
}

// Key is the object name: <report>/<submission>/<kind>.
func (o *Object) Key() string {
	return path.Join(o.ReportID, o.SubmissionID, o.Kind)
}

// Store persists archived objects.
type Store interface {
	Put(ctx context.Context, obj *Object) error
}

// NopStore discards everything.
type NopStore struct{}

func (NopStore) Put(context.Context, *Object) error { return nil }

// MinioConfig holds the S3-compatible connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore writes objects into a single bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object store and makes sure the bucket
// exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, obj *Object) error {
	_, err := s.client.PutObject(ctx, s.bucket, obj.Key(), bytes.NewReader(obj.Body), int64(len(obj.Body)),
		minio.PutObjectOptions{
			ContentType: obj.ContentType,
			UserMetadata: map[string]string{
				"report-id":     obj.ReportID,
				"submission-id": obj.SubmissionID,
			},
		})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", obj.Key(), err)
	}
	return nil
}

// MemoryStore keeps objects in memory. Used by tests and the memory store mode.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]*Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object)}
}

func (s *MemoryStore) Put(_ context.Context, obj *Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *obj
	cp.Body = append([]byte(nil), obj.Body...)
	s.objects[obj.Key()] = &cp
	return nil
}

// Get returns a stored object by key.
func (s *MemoryStore) Get(key string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Len is the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
