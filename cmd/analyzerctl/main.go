// Package main is a diagnostic CLI for the analyzer library: it starts a
// configured analysis server, optionally sends a command, and streams state
// changes and server events to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/analyzer"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	config, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: opts.logLevel,
	}))

	ctrl, err := analyzer.NewController(config, analyzer.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: close: %v\n", err)
		}
	}()

	states, cancelStates := ctrl.StateChanges()
	defer cancelStates()
	go func() {
		for st := range states {
			fmt.Printf("state: %s\n", st)
		}
	}()

	ctrl.Subscribe(analyzer.WildcardEvent, func(evt *analyzer.Event) {
		fmt.Printf("event: %s %s\n", evt.Event, string(evt.Body))
	})
	go func() {
		for evt := range ctrl.Events() {
			if evt.Err != nil {
				fmt.Printf("lifecycle: %s (%v)\n", evt.Type, evt.Err)
				continue
			}
			fmt.Printf("lifecycle: %s\n", evt.Type)
		}
	}()

	if err := ctrl.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start: %v\n", err)
		return 1
	}

	if opts.command != "" {
		var args any
		if opts.args != "" {
			args = json.RawMessage(opts.args)
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		resp, err := ctrl.Request(ctx, opts.command, args, 0)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", opts.command, err)
			return 1
		}
		fmt.Printf("response: success=%v %s\n", resp.Success, string(resp.Body))
		if !opts.watch {
			return 0
		}
	}

	// Stream until interrupted.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if err := ctrl.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: stop: %v\n", err)
		return 1
	}
	return 0
}

type options struct {
	configPath string
	serverCmd  string
	command    string
	args       string
	watch      bool
	logLevel   slog.Level
}

func parseFlags() options {
	var opts options
	var logLevel string

	flag.StringVar(&opts.configPath, "config", "", "Path to TOML configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to TOML configuration file (shorthand)")
	flag.StringVar(&opts.serverCmd, "server", "", "Server executable (overrides config)")
	flag.StringVar(&opts.command, "command", "", "Command to send after startup")
	flag.StringVar(&opts.args, "args", "", "JSON arguments for the command")
	flag.BoolVar(&opts.watch, "watch", false, "Keep streaming events after the command")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "analyzerctl - analysis server diagnostic tool\n\n")
		fmt.Fprintf(os.Stderr, "Usage: analyzerctl [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  analyzerctl -c analyzer.toml -watch\n")
		fmt.Fprintf(os.Stderr, "  analyzerctl -server ./srv -command status\n")
	}

	flag.Parse()

	switch logLevel {
	case "debug":
		opts.logLevel = slog.LevelDebug
	case "info":
		opts.logLevel = slog.LevelInfo
	case "warn":
		opts.logLevel = slog.LevelWarn
	case "error":
		opts.logLevel = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", logLevel)
		os.Exit(1)
	}

	return opts
}

func loadConfig(opts options) (analyzer.Config, error) {
	config := analyzer.DefaultConfig()

	if opts.configPath != "" {
		loaded, err := analyzer.LoadConfig(opts.configPath)
		if err != nil {
			return config, err
		}
		config = loaded
	}
	if opts.serverCmd != "" {
		config.Process.Command = opts.serverCmd
	}
	if config.Process.Command == "" {
		return config, fmt.Errorf("no server executable: use -server or a config file")
	}

	return config, nil
}
