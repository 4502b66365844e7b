// Command hiboss is the Hi-Boss daemon: it loads/creates the data
// directory, wires every component, and serves the JSON-RPC socket
// until interrupted (§5, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evilpsycho42/hi-boss/internal/adapter"
	"github.com/evilpsycho42/hi-boss/internal/config"
	"github.com/evilpsycho42/hi-boss/internal/daemon"
	"github.com/evilpsycho42/hi-boss/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	cfg := config.DefineFlags()
	console := flag.Bool("console", false, "read/write the console adapter on stdin/stdout, for local testing")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}

	logging.PrintBanner(version, cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, version)
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}

	if *console {
		ch := adapter.NewConsoleChannel("console", d.Bridge(), os.Stdout)
		d.RegisterChannel(ch)
		go func() {
			if err := ch.Run(ctx, os.Stdin); err != nil {
				slog.Error("console adapter: read loop", "error", err)
			}
		}()
	}

	if err := d.Run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
