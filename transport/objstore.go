package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	qrmiconfig "github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

// ObjectStore is the object-storage surface needed by the staged
// transport. The S3 implementation is used in production; MemStore backs
// tests and the provider stubs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignGet and PresignPut return URLs the backend can use to read
	// the input object and write the results object directly.
	PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// S3Store is an ObjectStore over one S3-compatible bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Store builds an S3Store from a resolved descriptor's S3 block.
// Path-style addressing is forced for S3-compatible object stores that
// do not support virtual-hosted buckets.
func NewS3Store(ctx context.Context, cfg qrmiconfig.S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrTransport, err, "configure", cfg.Bucket)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return qerrors.Wrap(qerrors.ErrTransport, err, "put", key)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrTransport, err, "get", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrTransport, err, "get", key)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return qerrors.Wrap(qerrors.ErrTransport, err, "delete", key)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", qerrors.Wrap(qerrors.ErrTransport, err, "presign-get", key)
	}
	return req.URL, nil
}

func (s *S3Store) PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", qerrors.Wrap(qerrors.ErrTransport, err, "presign-put", key)
	}
	return req.URL, nil
}

// MemStore is an in-memory ObjectStore for tests and local stubs.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, qerrors.ErrTransport.GenWithStackByArgs("get", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "mem://get/" + key, nil
}

func (m *MemStore) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "mem://put/" + key, nil
}

// Keys returns a snapshot of the stored keys, for assertions in tests.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
