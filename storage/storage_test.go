package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	key := Key("ops@example.com", "a1b2c3d4e5f6")
	assert.Equal(t, "ops@example.com/a1b2c3d4e5f6", key)
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	_, err := New("", "ak", "sk", "bucket", true, false)
	require.Error(t, err)

	_, err = New("s3.example.com", "ak", "sk", "", true, false)
	require.Error(t, err)
}

func TestNewBuildsClient(t *testing.T) {
	// minio.New does not dial; constructing against a fake endpoint is fine.
	s, err := New("s3.example.com", "ak", "sk", "archive", true, false)
	require.NoError(t, err)
	assert.Equal(t, "archive", s.Bucket)
	assert.NotNil(t, s.Client)
}

func TestArchiveObjectStructure(t *testing.T) {
	now := time.Now()
	obj := ArchiveObject{
		Key:          "ops@example.com/abc123",
		Size:         2048,
		LastModified: now,
		ETag:         "d41d8cd98f00b204e9800998ecf8427e",
	}

	assert.Equal(t, "ops@example.com/abc123", obj.Key)
	assert.Equal(t, int64(2048), obj.Size)
	assert.Equal(t, now, obj.LastModified)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", obj.ETag)
}
