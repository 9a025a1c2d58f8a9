//go:build integration

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}

	store, err := NewObjectStore(context.Background(), ObjectStoreConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "survey-agent-test",
		Prefix:    fmt.Sprintf("it-%d/", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	exerciseStore(t, store)
}
