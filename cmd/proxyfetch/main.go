package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/ligustah/proxyfetch/internal/config"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitProxyListError   = 3
	ExitStorageError     = 5
	ExitPartial          = 6
	ExitValidationFailed = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "proxies":
		return runProxies(cmdArgs)
	case "validate":
		return runValidate(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: proxyfetch <command> [options]

Commands:
  fetch     Download a batch of URLs through a random proxy pool
  proxies   Print the configured proxy pool after validation
  validate  Verify a persisted batch against its manifest

Run 'proxyfetch <command> -h' for command-specific help.`)
}

// commonOptions are shared by every command.
type commonOptions struct {
	Config  string `short:"c" long:"config" description:"YAML config file"`
	Verbose bool   `short:"v" long:"verbose" description:"Log retries and per-proxy stats"`
	Quiet   bool   `short:"q" long:"quiet" description:"Only log warnings and errors"`
}

// proxyOptions select the proxy pool.
type proxyOptions struct {
	Proxies     []string `short:"p" long:"proxy" description:"Proxy endpoint scheme://host:port (repeatable)"`
	ProxyBucket string   `long:"proxy-bucket" description:"Bucket URL holding the proxy list"`
	ProxyObject string   `long:"proxy-object" description:"Proxy list object in --proxy-bucket"`
}

func (o proxyOptions) apply(c *config.Config) {
	c.Proxies = o.Proxies
	c.ProxyList = config.ObjectRef{Bucket: o.ProxyBucket, Object: o.ProxyObject}
}

// parseArgs parses args into data. It returns ok=false with the exit
// code to use when the command must stop.
func parseArgs(name, usage string, data interface{}, args []string) ([]string, int, bool) {
	parser := flags.NewParser(data, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "proxyfetch " + name
	parser.Usage = usage

	rest, err := parser.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && errors.Is(flagsErr.Type, flags.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			return nil, ExitSuccess, false
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		parser.WriteHelp(os.Stderr)
		return nil, ExitInvalidArgs, false
	}
	return rest, ExitSuccess, true
}

// loadConfig layers defaults, the config file, PROXYFETCH_ environment
// variables and finally command-line overrides.
func loadConfig(common commonOptions, override config.Config) (config.Config, error) {
	cfg := config.Default()
	if common.Config != "" {
		var err error
		cfg, err = config.LoadFromFile(common.Config)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg.Merge(override), nil
}

func newLogger(w io.Writer, common commonOptions) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case common.Verbose:
		level = zerolog.DebugLevel
	case common.Quiet:
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(onSignal func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			if onSignal != nil {
				onSignal()
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
