package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/habrelay/habrelay/internal/logging"
	"github.com/habrelay/habrelay/internal/relay/config"
	"github.com/habrelay/habrelay/relay"
)

var version = "dev"

func main() {
	logging.Setup()

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.DefineFlags()
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	} else {
		slog.Warn("unknown log level, using info", "level", cfg.LogLevel)
	}

	server, err := relay.NewServer(cfg, relay.Collaborators{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
