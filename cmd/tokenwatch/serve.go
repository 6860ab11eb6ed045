package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/tokenwatch/internal/config"
	"github.com/janekbaraniewski/tokenwatch/internal/daemon"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		watchRoot  string
		listenAddr string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPath
			if path == "" {
				path = config.ConfigPath()
			}
			cfg, err := config.LoadFrom(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", path, err)
				return err
			}

			if watchRoot != "" {
				cfg.WatchRoot = watchRoot
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if verbose {
				cfg.Verbose = true
			}

			return daemon.Run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&watchRoot, "root", "", "directory to watch (overrides config)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log daemon activity to stderr")
	return cmd
}
