package main

import (
	"context"
	"fmt"
	"time"

	"hermes/internal/config"
	"hermes/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var dhcpIface int

var dhcpCmd = &cobra.Command{
	Use:   "dhcp",
	Short: "acquire a DHCP lease on one configured interface and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		if dhcpIface < 0 || dhcpIface >= len(cfg.Interfaces) {
			return fmt.Errorf("interface index %d out of range (%d configured)", dhcpIface, len(cfg.Interfaces))
		}

		log := logger.WithField("component", "cmd.dhcp")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// force the chosen interface into DHCP mode for this one-shot
		// lease acquisition regardless of its static config.
		cfg.Interfaces[dhcpIface].DHCP = true

		s, err := buildStack(ctx, cfg, log)
		if err != nil {
			return err
		}

		fmt.Printf("address: %s\n", s.IP.Local[dhcpIface])
		fmt.Printf("mask:    %s\n", s.IP.Mask[dhcpIface])
		fmt.Printf("gateway: %s\n", s.IP.Gateway[dhcpIface])
		return nil
	},
}

func init() {
	dhcpCmd.Flags().IntVar(&dhcpIface, "iface", 0, "interface index to acquire a lease on")
}
