package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig configures an S3-compatible checkpoint bucket
type ObjectStoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
	Prefix    string `koanf:"prefix"`
}

// Validate checks required fields
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// ObjectStore writes one JSON object per checkpoint under <prefix><run_id>/<seq>.json
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStore connects to the endpoint and creates the bucket if it is missing
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "checkpoints/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (o *ObjectStore) key(runID string, seq int64) string {
	return fmt.Sprintf("%s%s/%020d.json", o.prefix, runID, seq)
}

// Append implements Store
func (o *ObjectStore) Append(ctx context.Context, cp Checkpoint) error {
	keys, err := o.listKeys(ctx, cp.RunID)
	if err != nil {
		return err
	}
	if n := len(keys); n > 0 && keys[n-1] >= o.key(cp.RunID, cp.Seq) {
		return fmt.Errorf("run %s seq %d: %w", cp.RunID, cp.Seq, ErrSequenceConflict)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = o.client.PutObject(ctx, o.bucket, o.key(cp.RunID, cp.Seq), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store
func (o *ObjectStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	keys, err := o.listKeys(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return o.get(ctx, keys[len(keys)-1])
}

// History implements Store
func (o *ObjectStore) History(ctx context.Context, runID string) ([]Checkpoint, error) {
	keys, err := o.listKeys(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]Checkpoint, 0, len(keys))
	for _, key := range keys {
		cp, err := o.get(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

// Runs implements Store
func (o *ObjectStore) Runs(ctx context.Context) ([]Checkpoint, error) {
	var runIDs []string
	for obj := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: o.prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			runIDs = append(runIDs, strings.TrimSuffix(strings.TrimPrefix(obj.Key, o.prefix), "/"))
		}
	}
	out := make([]Checkpoint, 0, len(runIDs))
	for _, runID := range runIDs {
		cp, err := o.Latest(ctx, runID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *cp)
	}
	sortNewestFirst(out)
	return out, nil
}

// Close implements Store
func (o *ObjectStore) Close() error { return nil }

func (o *ObjectStore) listKeys(ctx context.Context, runID string) ([]string, error) {
	var keys []string
	opts := minio.ListObjectsOptions{Prefix: o.prefix + runID + "/", Recursive: true}
	for obj := range o.client.ListObjects(ctx, o.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".json") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (o *ObjectStore) get(ctx context.Context, key string) (*Checkpoint, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
