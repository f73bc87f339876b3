// Package proxylist loads proxy endpoints from a blob bucket object.
//
// The object is plain text with one proxy URL per line. Blank lines and
// lines starting with '#' are skipped:
//
//	# datacenter A
//	http://10.0.0.1:3128
//	socks5://10.0.0.2:1080
//
// Buckets are opened with gocloud.dev/blob, so the list can live on local
// disk (file://), in memory (mem://), S3 (s3://) or GCS (gs://) depending
// on which drivers the binary links in.
package proxylist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/proxyfetch/pkg/proxypool"
)

// ErrNotFound is returned when the proxy list object does not exist.
var ErrNotFound = errors.New("proxylist: object not found")

// Load reads and validates the proxy list stored at key.
func Load(ctx context.Context, bucket *blob.Bucket, key string) ([]*url.URL, error) {
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("proxylist: read %s: %w", key, err)
	}

	lines, err := ReadLines(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("proxylist: scan %s: %w", key, err)
	}

	proxies, err := proxypool.ParseProxies(lines)
	if err != nil {
		return nil, fmt.Errorf("proxylist: %s: %w", key, err)
	}
	return proxies, nil
}

// Open opens the bucket at bucketURL and loads the proxy list stored at key.
func Open(ctx context.Context, bucketURL, key string) ([]*url.URL, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("proxylist: open bucket: %w", err)
	}
	defer bucket.Close()

	return Load(ctx, bucket, key)
}

// ReadLines returns the trimmed, non-empty lines of r that are not
// '#' comments.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
