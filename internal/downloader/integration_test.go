//go:build integration

package downloader_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/proxyfetch/internal/config"
	"github.com/ligustah/proxyfetch/internal/downloader"
	"github.com/ligustah/proxyfetch/internal/sink"
	"github.com/ligustah/proxyfetch/internal/testutils"
)

func originPort(t *testing.T, origin *testutils.Origin) int {
	t.Helper()
	u, err := url.Parse(origin.URL("/"))
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split origin host: %v", err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("parse origin port: %v", err)
	}
	return n
}

func TestIntegrationFetchThroughSquidToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// Mix of plain, gzip and flaky resources
	var resources []testutils.Resource
	for i := 0; i < 50; i++ {
		body := make([]byte, 1024*(i+1))
		if _, err := rand.Read(body); err != nil {
			t.Fatalf("generate body: %v", err)
		}
		body[0] = 0 // never looks like gzip
		resources = append(resources, testutils.Resource{
			Path:      fmt.Sprintf("/sitemap-%02d.xml", i),
			Body:      body,
			Gzip:      i%3 == 0,
			FailTimes: i % 4,
		})
	}

	t.Log("Starting origin...")
	origin := testutils.StartOrigin(t, resources...)

	t.Log("Starting squid container...")
	squid := testutils.StartSquidContainer(t, ctx, originPort(t, origin))
	defer func() {
		if err := squid.Close(ctx); err != nil {
			t.Logf("failed to terminate squid container: %v", err)
		}
	}()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "results")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	bucket, err := minio.OpenBucket(ctx)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	cfg := config.Default()
	cfg.Proxies = []string{squid.ProxyURL.String()}
	cfg.Workers = 8
	cfg.Throttle.Budget = 10 * time.Second
	cfg.Output.Prefix = "integration/"
	for _, r := range resources {
		cfg.URLs = append(cfg.URLs, testutils.ContainerURL(t, origin.URL(r.Path)))
	}

	start := time.Now()
	res, err := downloader.Run(ctx, bucket, downloader.Options{
		Config: cfg,
		Logger: zerolog.New(zerolog.NewTestWriter(t)),
		Verify: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Logf("Fetched %d URLs in %v", len(res.Results), time.Since(start))

	for i, r := range resources {
		u := cfg.URLs[i]
		if !bytes.Equal(res.Results[u], r.Body) {
			t.Errorf("%s: content mismatch", r.Path)
		}
		if want := r.FailTimes + 1; origin.Hits(r.Path) < want {
			t.Errorf("%s: expected at least %d hits, got %d", r.Path, want, origin.Hits(r.Path))
		}
	}

	manifest, err := sink.ReadManifest(ctx, bucket, "integration/")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(manifest.Objects) != len(resources) {
		t.Errorf("expected %d objects, got %d", len(resources), len(manifest.Objects))
	}
	if manifest.BatchID != res.BatchID {
		t.Errorf("manifest batch %s, run batch %s", manifest.BatchID, res.BatchID)
	}
}
