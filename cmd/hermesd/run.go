package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hermes/internal/config"
	"hermes/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the protocol stack daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		log := logger.WithField("component", "cmd.run")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := buildStack(ctx, cfg, log)
		if err != nil {
			return err
		}

		for i, ifcfg := range cfg.Interfaces {
			logger.Infof("interface %d (%s) up: %s", i, ifcfg.Name, s.IP.Local[i])
		}

		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	},
}
