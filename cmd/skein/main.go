// Command skein is the command line front end of the skein cache core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/skein/internal/cli"
)

func main() {
	if err := run(); err != nil {
		slog.Error("skein exited with error", "error", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.NewRootCommand().ExecuteContext(ctx)
}
