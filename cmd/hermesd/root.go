package main

import (
	"fmt"
	"os"

	"hermes/internal/config"
	"hermes/internal/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd is the base command when hermesd is invoked with no
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "hermesd",
	Short: "hermesd is a small-footprint, cooperative TCP/IP stack",
	Long: `hermesd hosts a self-contained TCP/IP protocol stack — ARP, IPv4,
ICMP, UDP, TCP, plus DHCP/DNS/SMTP clients — over a link driver that
doesn't require a real NIC or root privileges.

Examples:
  1. Run the stack daemon
     hermesd run
  2. Ping a peer over the configured interface
     hermesd ping 10.0.0.2
  3. Acquire a DHCP lease
     hermesd dhcp
  4. Resolve a hostname
     hermesd resolve example.com
  5. Send one piece of mail
     hermesd send-mail --to root@example.com --from daemon@example.com
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initCLILogger(cmd)
	},
}

// Execute runs the root command, recovering from any panic so a bug
// in one layer doesn't take down the whole process without a message.
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n[FATAL] hermesd crashed unexpectedly: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(dhcpCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sendMailCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig primes viper's search path; each subcommand's call to
// config.LoadConfig does the actual load/default/validate.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// initCLILogger sets up logging for the CLI itself, defaulting to
// "fatal" so a ping/resolve/send-mail one-shot stays quiet unless
// --log-level is given explicitly.
func initCLILogger(cmd *cobra.Command) {
	flag := cmd.Flags().Lookup("log-level")
	level := "fatal"
	if flag != nil && flag.Changed {
		level = flag.Value.String()
	}

	logConfig := &config.LogConfig{
		Level:  level,
		Format: "text",
		Output: "stdout",
		Caller: false,
	}

	if _, err := logger.InitLogger(logConfig); err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
	}
}
