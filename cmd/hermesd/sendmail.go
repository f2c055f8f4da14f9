package main

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"hermes/internal/bufpool"
	"hermes/internal/config"
	"hermes/internal/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	mailIface  int
	mailServer string
	mailFrom   string
	mailTo     string
)

var sendMailCmd = &cobra.Command{
	Use:   "send-mail",
	Short: "send one message body (read from stdin) via the SMTP client",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mailFrom == "" || mailTo == "" {
			return fmt.Errorf("--from and --to are required")
		}

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		server := mailServer
		if server == "" {
			server = cfg.SMTP.Server
		}
		serverAddr, err := netip.ParseAddr(server)
		if err != nil {
			return fmt.Errorf("invalid smtp server %q: %w", server, err)
		}

		log := logger.WithField("component", "cmd.send-mail")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := buildStack(ctx, cfg, log)
		if err != nil {
			return err
		}

		mail := s.WithSMTP()
		if err := mail.Connect(ctx, serverAddr, bufpool.InterfaceID(mailIface)); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := mail.From(ctx, mailFrom); err != nil {
			return fmt.Errorf("mail from: %w", err)
		}
		if err := mail.To(ctx, mailTo); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := mail.Data(ctx, scanner.Text()); err != nil {
				return fmt.Errorf("data: %w", err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading message body: %w", err)
		}

		if err := mail.Send(ctx); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		mail.Quit(ctx)

		fmt.Println("mail sent")
		return nil
	},
}

func init() {
	sendMailCmd.Flags().IntVar(&mailIface, "iface", 0, "interface index to send over")
	sendMailCmd.Flags().StringVar(&mailServer, "server", "", "SMTP server address (default: config smtp.server)")
	sendMailCmd.Flags().StringVar(&mailFrom, "from", "", "envelope sender address")
	sendMailCmd.Flags().StringVar(&mailTo, "to", "", "envelope recipient address")
}
