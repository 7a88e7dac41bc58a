package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattscamp/neovim-serenade/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// stdout belongs to the editor.
		fmt.Fprintln(os.Stderr, "serenade-nvim:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts app.Options
	root := &cobra.Command{
		Use:           "serenade-nvim",
		Short:         "Bridge between the Serenade voice assistant and Neovim",
		Long:          "serenade-nvim is started by Neovim as an RPC job and talks msgpack-RPC over stdin/stdout.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.New(opts).Run(cmd.Context())
		},
	}
	root.SetOut(os.Stderr)

	flags := root.Flags()
	flags.StringVar(&opts.ConfigPath, "config", "", "path to config.toml (default: $XDG_CONFIG_HOME/serenade-nvim/config.toml)")
	flags.StringVar(&opts.Endpoint, "endpoint", "", "Serenade websocket endpoint (default ws://localhost:17373)")
	flags.StringVar(&opts.LogFile, "log-file", "", "log file path; NVIM_SERENADE_LOG_FILE takes precedence")
	flags.BoolVar(&opts.Debug, "debug", false, "log at debug level")
	return root
}
