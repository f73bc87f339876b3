//go:build integration

package main

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/proxyfetch/internal/sink"
	"github.com/ligustah/proxyfetch/internal/testutils"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Log("Starting origin...")
	origin := testutils.StartOrigin(t,
		testutils.Resource{Path: "/plain.xml", Body: []byte("<urlset>plain</urlset>")},
		testutils.Resource{Path: "/gzip.xml", Body: []byte("<urlset>gzip</urlset>"), Gzip: true},
		testutils.Resource{Path: "/flaky.xml", Body: []byte("<urlset>flaky</urlset>"), FailTimes: 3},
	)

	u, err := url.Parse(origin.URL("/"))
	if err != nil {
		t.Fatalf("parse origin url: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	t.Log("Starting squid container...")
	squid := testutils.StartSquidContainer(t, ctx, port)
	defer func() {
		if err := squid.Close(ctx); err != nil {
			t.Logf("failed to terminate squid container: %v", err)
		}
	}()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "cli-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	urls := []string{
		testutils.ContainerURL(t, origin.URL("/plain.xml")),
		testutils.ContainerURL(t, origin.URL("/gzip.xml")),
		testutils.ContainerURL(t, origin.URL("/flaky.xml")),
	}

	t.Run("proxies", func(t *testing.T) {
		exitCode := runProxies([]string{"--proxy", squid.ProxyURL.String()})
		if exitCode != ExitSuccess {
			t.Fatalf("proxies failed with exit code %d", exitCode)
		}
	})

	t.Run("fetch_without_retries", func(t *testing.T) {
		args := []string{
			"--proxy", squid.ProxyURL.String(),
			"--no-retries",
			"--url", testutils.ContainerURL(t, origin.URL("/missing.xml")),
		}
		exitCode := runFetch(args)
		if exitCode != ExitPartial {
			t.Fatalf("expected exit code %d, got %d", ExitPartial, exitCode)
		}
	})

	t.Run("fetch", func(t *testing.T) {
		args := []string{
			"--proxy", squid.ProxyURL.String(),
			"--output-bucket", minio.BucketURL,
			"--output-prefix", "cli/",
			"--workers", "4",
			"--budget", "10s",
			"--verify",
		}
		exitCode := runFetch(append(args, urls...))
		if exitCode != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d", exitCode)
		}
	})

	t.Run("validate", func(t *testing.T) {
		exitCode := runValidate([]string{
			"--bucket", minio.BucketURL,
			"--prefix", "cli/",
		})
		if exitCode != ExitSuccess {
			t.Fatalf("validate failed with exit code %d", exitCode)
		}
	})

	t.Run("read_back", func(t *testing.T) {
		bucket, err := minio.OpenBucket(ctx)
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		defer bucket.Close()

		data, err := bucket.ReadAll(ctx, "cli/"+sink.ObjectName(urls[1]))
		if err != nil {
			t.Fatalf("read object: %v", err)
		}
		if string(data) != "<urlset>gzip</urlset>" {
			t.Fatalf("unexpected content %q", data)
		}
	})
}
