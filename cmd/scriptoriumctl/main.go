package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashita-ai/scriptorium/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	cancel()
	os.Exit(cli.GetExitCode(err))
}
