// Package main provides the usage-sentinel daemon.
//
// Usage Sentinel watches session JSONL logs, tracks quota windows and
// burn rates in real time, and pushes alerts and live status to
// websocket observers.
package main

import (
	"flag"
	"fmt"
	"os"
)

// version is set during build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the main application logic.
func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	listenAddr := flag.String("listen", "", "websocket listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	tokenBudget := flag.Int64("budget", 0, "per-session token budget (overrides config)")
	showVersion := flag.Bool("version", false, "show version information")

	flag.Parse()

	if *showVersion {
		fmt.Printf("usage-sentinel %s\n", version)
		return nil
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		return runServe(serveOptions{
			configPath:  *configPath,
			listenAddr:  *listenAddr,
			logLevel:    *logLevel,
			tokenBudget: *tokenBudget,
		})
	case "help":
		return showUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return showUsage()
	}
}

// showUsage displays help information.
func showUsage() error {
	fmt.Println(`usage-sentinel - real-time token usage monitoring and alerting

Usage:
  usage-sentinel [flags] [command]

Commands:
  serve         Run the monitoring daemon (default)
  help          Show this help

Flags:
  -config path      Path to configuration file
  -listen addr      Websocket listen address (overrides config)
  -log-level level  Log level: debug, info, warn, error
  -budget n         Per-session token budget
  -version          Show version information

The daemon watches the configured log directories for session JSONL
files, tracks quota windows and burn rates, and serves live updates
over websocket at /ws plus Prometheus metrics at /metrics.`)
	return nil
}
