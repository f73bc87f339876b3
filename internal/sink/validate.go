package sink

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
)

// ValidationResult contains the results of validating a persisted batch.
type ValidationResult struct {
	Valid          bool     // true if all objects exist and sizes match
	ObjectCount    int      // number of objects in manifest
	MissingURLs    int      // URLs the batch never fetched
	MissingObjects int      // manifest objects absent from the bucket
	SizeMismatches int      // objects with wrong size
	Errors         []string // detailed error messages
}

// Validate checks that every object listed by the manifest under prefix
// exists with the recorded size. It reads attributes only.
//
// URLs the batch failed to fetch are counted in MissingURLs but do not
// make the result invalid.
func Validate(ctx context.Context, bucket *blob.Bucket, prefix string) (*ValidationResult, error) {
	prefix = NormalizePrefix(prefix)
	manifest, err := ReadManifest(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Valid:       true,
		ObjectCount: len(manifest.Objects),
		MissingURLs: len(manifest.Missing),
		Errors:      make([]string, 0),
	}

	for _, obj := range manifest.Objects {
		path := prefix + obj.Object

		attrs, err := bucket.Attributes(ctx, path)
		if err != nil {
			if isNotExist(err) {
				result.Valid = false
				result.MissingObjects++
				result.Errors = append(result.Errors,
					fmt.Sprintf("object for %s missing: %s", obj.URL, path))
				continue
			}
			return nil, fmt.Errorf("sink: check %s: %w", obj.URL, err)
		}

		if attrs.Size != obj.Size {
			result.Valid = false
			result.SizeMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("object for %s size mismatch: expected %d, got %d",
					obj.URL, obj.Size, attrs.Size))
		}
	}

	return result, nil
}
