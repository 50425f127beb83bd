// Package archive stores raw model responses in a GCS bucket for later audit.
package archive

import (
	"context"
	"fmt"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const uploadTimeout = 30 * time.Second

// GCS writes model outputs under model-outputs/<account>/<kind>/<timestamp>.json
type GCS struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// NewGCS opens a storage client using Application Default Credentials
// unless opts say otherwise.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, now: time.Now}, nil
}

// ObjectName builds the object path for one archived response
func ObjectName(accountID, kind string, at time.Time) string {
	if accountID == "" {
		accountID = "unknown"
	}
	return path.Join("model-outputs", accountID, kind, at.UTC().Format("20060102T150405.000000000Z")+".json")
}

// Archive uploads raw as a single JSON object
func (a *GCS) Archive(ctx context.Context, accountID, kind string, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	name := ObjectName(accountID, kind, a.now())
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}

func (a *GCS) Close() error {
	return a.client.Close()
}
