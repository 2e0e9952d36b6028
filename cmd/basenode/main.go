// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ferrypost/ferrypost/base"
	"github.com/ferrypost/ferrypost/base/config"
)

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:   "basenode",
		Short: "The ferrypost base node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
			}

			// Setup the signal handling before bringing up the server so
			// a rapid SIGINT on startup is not lost.
			haltCh := make(chan os.Signal, 1)
			signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
			rotateCh := make(chan os.Signal, 1)
			signal.Notify(rotateCh, syscall.SIGHUP)

			svr, err := base.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to spawn server instance: %v", err)
			}
			defer svr.Shutdown()

			go func() {
				for {
					select {
					case <-haltCh:
						svr.Shutdown()
						return
					case <-rotateCh:
						svr.RotateLog()
					}
				}
			}()

			svr.Wait()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "basenode.toml", "path to the config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
