package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/telemetry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/clawgate/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"       _                             _\n" +
		"   ___| | __ ___      ____ _  __ _| |_ ___\n" +
		"  / __| |/ _` \\ \\ /\\ / / _` |/ _` | __/ _ \\\n" +
		" | (__| | (_| |\\ V  V / (_| | (_| | ||  __/\n" +
		"  \\___|_|\\__,_| \\_/\\_/ \\__, |\\__,_|\\__\\___|\n" +
		"                       |___/\n"
)

var rootCmd = &cobra.Command{
	Use:           "clawgate",
	Short:         "Clawgate - control plane for multi-channel agent gateways",
	Long:          color.CyanString(logo) + "\nPairing, node command policy, and cron scheduling for chat agents.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
	}
	return err
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(pairingCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(nodesCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// loadConfig loads the config and installs the process logger it describes.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(telemetry.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}
