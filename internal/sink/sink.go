package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ManifestName is the object, relative to the batch prefix, holding the
// batch manifest.
const ManifestName = "manifest.json"

// Manifest describes a persisted batch.
type Manifest struct {
	BatchID     string            `json:"batch_id"`
	Prefix      string            `json:"prefix"`
	Objects     []ObjectInfo      `json:"objects"`
	Missing     []string          `json:"missing,omitempty"`
	TotalSize   int64             `json:"total_size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// ObjectInfo describes the stored content of one URL.
type ObjectInfo struct {
	URL      string `json:"url"`
	Object   string `json:"object"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// Options configures a sink write.
type Options struct {
	Workers         int
	ComputeChecksum bool
	Metadata        map[string]string
}

// Option is a functional option for configuring sink writes.
type Option func(*Options)

// WithWorkers sets how many objects are uploaded in parallel.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.Workers = n
	}
}

// WithChecksum enables or disables SHA256 checksums in the manifest.
// Default is true.
func WithChecksum(compute bool) Option {
	return func(o *Options) {
		o.ComputeChecksum = compute
	}
}

// WithMetadata sets caller-defined metadata stored in the manifest.
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// ObjectName returns the object name, relative to the batch prefix, used
// for the content of rawURL.
func ObjectName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "objects/" + hex.EncodeToString(sum[:])
}

// Write stores every result under prefix and then writes the manifest.
// missing lists URLs of the batch that have no content.
//
// Objects listed by a previous manifest at the same prefix that are not
// part of this batch are removed once the new manifest is written.
func Write(ctx context.Context, bucket *blob.Bucket, prefix, batchID string, results map[string][]byte, missing []string, options ...Option) (*Manifest, error) {
	opts := Options{
		Workers:         16,
		ComputeChecksum: true,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	prefix = NormalizePrefix(prefix)

	previous, err := ReadManifest(ctx, bucket, prefix)
	if err != nil && !isNotExist(err) {
		return nil, err
	}

	urls := make([]string, 0, len(results))
	for u := range results {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	manifest := &Manifest{
		BatchID:  batchID,
		Prefix:   prefix,
		Objects:  make([]ObjectInfo, len(urls)),
		Missing:  append([]string(nil), missing...),
		Metadata: opts.Metadata,
	}
	sort.Strings(manifest.Missing)

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errMu    sync.Mutex
		firstErr error
	)

	jobs := make(chan int, opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				info, err := writeObject(writeCtx, bucket, prefix, urls[idx], results[urls[idx]], opts.ComputeChecksum)
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					errMu.Unlock()
					continue
				}
				manifest.Objects[idx] = info
			}
		}()
	}

	for i := range urls {
		select {
		case jobs <- i:
		case <-writeCtx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for _, obj := range manifest.Objects {
		manifest.TotalSize += obj.Size
	}
	manifest.CompletedAt = time.Now()

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sink: marshal manifest: %w", err)
	}
	if err := bucket.WriteAll(ctx, prefix+ManifestName, data, nil); err != nil {
		return nil, fmt.Errorf("sink: write manifest: %w", err)
	}

	if previous != nil {
		if err := prune(ctx, bucket, previous, manifest); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func writeObject(ctx context.Context, bucket *blob.Bucket, prefix, rawURL string, content []byte, checksum bool) (ObjectInfo, error) {
	info := ObjectInfo{
		URL:    rawURL,
		Object: ObjectName(rawURL),
		Size:   int64(len(content)),
	}
	if checksum {
		sum := sha256.Sum256(content)
		info.Checksum = hex.EncodeToString(sum[:])
	}

	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"source_url": rawURL},
	}
	if err := bucket.WriteAll(ctx, prefix+info.Object, content, opts); err != nil {
		return ObjectInfo{}, fmt.Errorf("sink: write %s: %w", rawURL, err)
	}
	return info, nil
}

// prune deletes objects of the previous batch that the current one did
// not rewrite.
func prune(ctx context.Context, bucket *blob.Bucket, previous, current *Manifest) error {
	keep := make(map[string]bool, len(current.Objects))
	for _, obj := range current.Objects {
		keep[obj.Object] = true
	}
	for _, obj := range previous.Objects {
		if keep[obj.Object] {
			continue
		}
		path := current.Prefix + obj.Object
		if err := bucket.Delete(ctx, path); err != nil && !isNotExist(err) {
			return fmt.Errorf("sink: delete stale object %s: %w", path, err)
		}
	}
	return nil
}

// NormalizePrefix makes a non-empty prefix end in "/" so objects land in a
// directory rather than sharing a name stem.
func NormalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// ReadManifest loads the manifest stored under prefix.
//
// Returns an error wrapping gcerrors.NotFound if no batch was written
// there.
func ReadManifest(ctx context.Context, bucket *blob.Bucket, prefix string) (*Manifest, error) {
	data, err := bucket.ReadAll(ctx, NormalizePrefix(prefix)+ManifestName)
	if err != nil {
		return nil, fmt.Errorf("sink: read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("sink: unmarshal manifest: %w", err)
	}
	return &manifest, nil
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
