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

var resolveIface int
var resolveServer string

var resolveCmd = &cobra.Command{
	Use:   "resolve <hostname>",
	Short: "resolve a hostname via the configured DNS server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host := args[0]

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		server := resolveServer
		if server == "" {
			server = cfg.DNS.Server
		}
		serverAddr, err := netip.ParseAddr(server)
		if err != nil {
			return fmt.Errorf("invalid dns server %q: %w", server, err)
		}

		log := logger.WithField("component", "cmd.resolve")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := buildStack(ctx, cfg, log)
		if err != nil {
			return err
		}

		dns := s.WithDNS(serverAddr, bufpool.InterfaceID(resolveIface))
		addr, err := dns.Resolve(ctx, host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}

		fmt.Printf("%s -> %s\n", host, addr)
		return nil
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveIface, "iface", 0, "interface index to resolve over")
	resolveCmd.Flags().StringVar(&resolveServer, "server", "", "DNS server address (default: config dns.server)")
}
