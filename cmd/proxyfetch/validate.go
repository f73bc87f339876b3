package main

import (
	"fmt"
	"os"

	"gocloud.dev/blob"

	"github.com/ligustah/proxyfetch/internal/sink"
)

type validateOptions struct {
	Bucket string `short:"b" long:"bucket" description:"Bucket URL" required:"true"`
	Prefix string `long:"prefix" description:"Batch prefix inside the bucket"`
}

// runValidate checks that every object listed in a batch manifest exists
// with the recorded size. Reports validation status without reading data.
func runValidate(args []string) int {
	var opts validateOptions
	if _, code, ok := parseArgs("validate", "[OPTIONS]", &opts, args); !ok {
		return code
	}

	ctx, cancel := signalContext(nil)
	defer cancel()

	bkt, err := blob.OpenBucket(ctx, opts.Bucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	result, err := sink.Validate(ctx, bkt, opts.Prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Printf("Prefix: %s\n", opts.Prefix)
	fmt.Printf("Objects: %d\n", result.ObjectCount)
	fmt.Printf("Missing URLs: %d\n", result.MissingURLs)

	if result.Valid {
		fmt.Println("Status: VALID")
		return ExitSuccess
	}

	fmt.Println("Status: INVALID")
	fmt.Printf("Missing objects: %d\n", result.MissingObjects)
	fmt.Printf("Size mismatches: %d\n", result.SizeMismatches)

	if len(result.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	return ExitValidationFailed
}
