package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockyard/dockyard"
	"tangled.sh/tangled.sh/dockyard/hook"
	"tangled.sh/tangled.sh/dockyard/log"
)

func main() {
	cmd := &cli.Command{
		Name:     "dockyard",
		Usage:    "build container images and push them to registries",
		Commands: append(dockyard.Commands(), hook.Command()),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.NewContext(ctx, "dockyard")

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.FromContext(ctx).Error(err.Error())
		stop()
		os.Exit(-1)
	}
}
