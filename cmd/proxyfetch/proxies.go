package main

import (
	"fmt"
	"os"

	"github.com/ligustah/proxyfetch/internal/config"
	"github.com/ligustah/proxyfetch/internal/downloader"
)

type proxiesOptions struct {
	commonOptions
	proxyOptions
}

// runProxies loads and validates the proxy pool and prints one endpoint
// per line with credentials redacted.
func runProxies(args []string) int {
	var opts proxiesOptions
	if _, code, ok := parseArgs("proxies", "[OPTIONS]", &opts, args); !ok {
		return code
	}

	var override config.Config
	opts.proxyOptions.apply(&override)

	cfg, err := loadConfig(opts.commonOptions, override)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext(nil)
	defer cancel()

	proxies, err := downloader.LoadProxies(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading proxies: %v\n", err)
		return ExitProxyListError
	}

	for _, p := range proxies {
		fmt.Println(p.Redacted())
	}
	fmt.Fprintf(os.Stderr, "[proxyfetch] %d proxies\n", len(proxies))
	return ExitSuccess
}
