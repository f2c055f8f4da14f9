package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/config"
	"hermes/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var pingIface int

var pingCmd = &cobra.Command{
	Use:   "ping <address>",
	Short: "send up to five ICMP echo requests and report whether one was answered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, err := netip.ParseAddr(args[0])
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		log := logger.WithField("component", "cmd.ping")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := buildStack(ctx, cfg, log)
		if err != nil {
			return err
		}

		if s.ICMP.Ping(ctx, dest, bufpool.InterfaceID(pingIface)) {
			fmt.Printf("reply from %s\n", dest)
			return nil
		}
		return fmt.Errorf("no reply from %s", dest)
	},
}

func init() {
	pingCmd.Flags().IntVar(&pingIface, "iface", 0, "interface index to ping from")
}
