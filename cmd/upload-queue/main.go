package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wb-go/wbf/zlog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		zlog.Logger.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "upload-queue",
		Short:         "Media upload queue service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config/config.yml", "path to the config file")

	serve := newServeCommand(&configPath)
	root.AddCommand(serve, newVersionCommand())
	root.RunE = serve.RunE

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
