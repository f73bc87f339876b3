package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

func openBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })
	return bucket
}

func testResults(n int) map[string][]byte {
	results := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		u := fmt.Sprintf("http://example.com/%03d.xml", i)
		results[u] = []byte(fmt.Sprintf("<urlset>%d</urlset>", i))
	}
	return results
}

func TestWriteAndReadManifest(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	results := testResults(20)
	missing := []string{"http://example.com/z.xml", "http://example.com/y.xml"}

	manifest, err := Write(ctx, bucket, "batch/", "batch-1", results, missing,
		WithWorkers(4),
		WithMetadata(map[string]string{"proxies": "2"}),
	)
	require.NoError(t, err)

	require.Len(t, manifest.Objects, 20)
	assert.Equal(t, []string{"http://example.com/y.xml", "http://example.com/z.xml"}, manifest.Missing)
	assert.False(t, manifest.CompletedAt.IsZero())

	var total int64
	for i, obj := range manifest.Objects {
		if i > 0 {
			assert.Less(t, manifest.Objects[i-1].URL, obj.URL, "objects sorted by URL")
		}
		assert.Equal(t, ObjectName(obj.URL), obj.Object)

		data, err := bucket.ReadAll(ctx, "batch/"+obj.Object)
		require.NoError(t, err)
		assert.Equal(t, results[obj.URL], data)

		sum := sha256.Sum256(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), obj.Checksum)

		attrs, err := bucket.Attributes(ctx, "batch/"+obj.Object)
		require.NoError(t, err)
		assert.Equal(t, obj.URL, attrs.Metadata["source_url"])

		total += obj.Size
	}
	assert.Equal(t, total, manifest.TotalSize)

	read, err := ReadManifest(ctx, bucket, "batch/")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", read.BatchID)
	assert.Equal(t, "batch/", read.Prefix)
	assert.Equal(t, manifest.Objects, read.Objects)
	assert.Equal(t, "2", read.Metadata["proxies"])
}

func TestWriteWithoutChecksum(t *testing.T) {
	bucket := openBucket(t)

	manifest, err := Write(context.Background(), bucket, "", "b", testResults(3), nil, WithChecksum(false))
	require.NoError(t, err)
	for _, obj := range manifest.Objects {
		assert.Empty(t, obj.Checksum)
	}
	assert.Empty(t, manifest.Missing)
}

func TestWriteEmptyBatch(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	manifest, err := Write(ctx, bucket, "empty/", "b", nil, []string{"http://example.com/a"})
	require.NoError(t, err)
	assert.Empty(t, manifest.Objects)
	assert.Equal(t, int64(0), manifest.TotalSize)

	exists, err := bucket.Exists(ctx, "empty/"+ManifestName)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWritePrunesPreviousBatch(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	first := map[string][]byte{
		"http://example.com/keep": []byte("old"),
		"http://example.com/drop": []byte("gone"),
	}
	_, err := Write(ctx, bucket, "p/", "first", first, nil)
	require.NoError(t, err)

	second := map[string][]byte{
		"http://example.com/keep": []byte("new"),
		"http://example.com/add":  []byte("fresh"),
	}
	manifest, err := Write(ctx, bucket, "p/", "second", second, []string{"http://example.com/drop"})
	require.NoError(t, err)
	assert.Equal(t, "second", manifest.BatchID)

	exists, err := bucket.Exists(ctx, "p/"+ObjectName("http://example.com/drop"))
	require.NoError(t, err)
	assert.False(t, exists, "stale object removed")

	data, err := bucket.ReadAll(ctx, "p/"+ObjectName("http://example.com/keep"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	result, err := Validate(ctx, bucket, "p/")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.ObjectCount)
	assert.Equal(t, 1, result.MissingURLs)
}

func TestWriteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Write(ctx, openBucket(t), "c/", "b", testResults(5), nil)
	assert.Error(t, err)
}

func TestReadManifestNotFound(t *testing.T) {
	_, err := ReadManifest(context.Background(), openBucket(t), "nothing/")
	require.Error(t, err)
	assert.Equal(t, gcerrors.NotFound, gcerrors.Code(err))
}

func TestReadManifestMalformed(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)
	require.NoError(t, bucket.WriteAll(ctx, "bad/"+ManifestName, []byte("{not json"), nil))

	_, err := ReadManifest(ctx, bucket, "bad/")
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	a := ObjectName("http://example.com/a")
	assert.Equal(t, a, ObjectName("http://example.com/a"))
	assert.NotEqual(t, a, ObjectName("http://example.com/b"))
	assert.Len(t, a, len("objects/")+64)
}

func TestWriteNormalizesPrefix(t *testing.T) {
	ctx := context.Background()
	bucket := openBucket(t)

	manifest, err := Write(ctx, bucket, "batch", "batch-1", testResults(2), nil)
	require.NoError(t, err)
	assert.Equal(t, "batch/", manifest.Prefix)

	exists, err := bucket.Exists(ctx, "batch/"+ManifestName)
	require.NoError(t, err)
	assert.True(t, exists, "manifest must be written inside the prefix directory")

	exists, err = bucket.Exists(ctx, "batch"+ManifestName)
	require.NoError(t, err)
	assert.False(t, exists)

	for _, obj := range manifest.Objects {
		exists, err := bucket.Exists(ctx, "batch/"+obj.Object)
		require.NoError(t, err)
		assert.True(t, exists, obj.Object)
	}

	read, err := ReadManifest(ctx, bucket, "batch")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", read.BatchID)

	result, err := Validate(ctx, bucket, "batch")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", NormalizePrefix(""))
	assert.Equal(t, "a/", NormalizePrefix("a"))
	assert.Equal(t, "a/", NormalizePrefix("a/"))
	assert.Equal(t, "a/b/", NormalizePrefix("a/b"))
}
