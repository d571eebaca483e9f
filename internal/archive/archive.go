// Package archive keeps a copy of every delivered submission in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Idosegev23/internalMettingLeaders/internal/config"
	"github.com/Idosegev23/internalMettingLeaders/internal/delivery"
)

type Archive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// New connects to the bucket described by cfg, creating it when missing.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	a := &Archive{client: client, bucket: cfg.Bucket, now: time.Now}
	if err := a.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context, region string) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create archive bucket: %w", err)
	}
	return nil
}

// ObjectKey is where the submission of draftID made at t is stored.
func ObjectKey(draftID string, t time.Time) string {
	return fmt.Sprintf("submissions/%s/%s.json", draftID, t.UTC().Format("20060102T150405.000Z"))
}

// Put stores payload as JSON under ObjectKey.
func (a *Archive) Put(ctx context.Context, draftID string, payload delivery.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode archived submission: %w", err)
	}
	key := ObjectKey(draftID, a.now())
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put archived submission %s: %w", key, err)
	}
	return nil
}
