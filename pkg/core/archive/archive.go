package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotArchived is returned when no raw facts were kept for a file.
var ErrNotArchived = errors.New("raw facts not archived")

// Archive keeps the parser output of each file so it can be reprocessed.
type Archive interface {
	Put(ctx context.Context, fileID uuid.UUID, facts []models.RawFact) error
	Get(ctx context.Context, fileID uuid.UUID) ([]models.RawFact, error)
}

// Key is the object name of a file's raw facts.
func Key(fileID uuid.UUID) string {
	return "raw-facts/" + fileID.String() + ".json"
}

// MemoryArchive keeps raw facts in memory.
type MemoryArchive struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

func (a *MemoryArchive) Put(_ context.Context, fileID uuid.UUID, facts []models.RawFact) error {
	b, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal raw facts: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[Key(fileID)] = b
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, fileID uuid.UUID) ([]models.RawFact, error) {
	a.mu.RLock()
	b, ok := a.objects[Key(fileID)]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotArchived)
	}
	var facts []models.RawFact
	if err := json.Unmarshal(b, &facts); err != nil {
		return nil, fmt.Errorf("unmarshal raw facts: %w", err)
	}
	return facts, nil
}

// MinioConfig locates the bucket holding raw facts.
type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioArchive stores raw facts as JSON objects in S3-compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects and creates the bucket when missing.
func NewMinioArchive(ctx context.Context, cfg MinioConfig) (*MinioArchive, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchive{client: cli, bucket: cfg.Bucket}, nil
}

func (a *MinioArchive) Put(ctx context.Context, fileID uuid.UUID, facts []models.RawFact) error {
	b, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("marshal raw facts: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, Key(fileID), bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload raw facts: %w", err)
	}
	return nil
}

func (a *MinioArchive) Get(ctx context.Context, fileID uuid.UUID) ([]models.RawFact, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, Key(fileID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch raw facts: %w", err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("file %s: %w", fileID, ErrNotArchived)
		}
		return nil, fmt.Errorf("read raw facts: %w", err)
	}
	var facts []models.RawFact
	if err := json.Unmarshal(b, &facts); err != nil {
		return nil, fmt.Errorf("unmarshal raw facts: %w", err)
	}
	return facts, nil
}
