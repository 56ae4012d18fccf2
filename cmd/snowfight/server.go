package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snowfight/snowfight/internal"
	"github.com/snowfight/snowfight/internal/core"
)

// ServerCommand is the main entrypoint for running the game server. It loads
// the configuration and hands everything else to the Controller.
func ServerCommand(cmd *cobra.Command, args []string) error {
	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	fmt.Println("using configuration directory:", ConfigFlag)

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("shut down")
	return nil
}
