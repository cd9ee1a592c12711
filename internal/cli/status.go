package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/pairing"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawgate %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, cron store, and pairing status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ok := color.GreenString("✓")
	bad := color.RedString("✗")
	printHeader(out, "📊 Clawgate Status")
	fmt.Fprintf(out, "Version: %s\n", version)

	if path, err := config.ConfigPath(); err == nil {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Config:  %s Found (%s)\n", ok, path)
		} else {
			fmt.Fprintf(out, "Config:  %s Not found (%s), using defaults\n", bad, path)
		}
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config:  %s Unable to load: %v\n", bad, err)
		return err
	}
	fmt.Fprintf(out, "Gateway: %s\n", gatewayEndpoint(cfg))
	if cfg.Gateway.AuthToken == "" {
		fmt.Fprintf(out, "Auth:    %s No token configured\n", bad)
	} else {
		fmt.Fprintf(out, "Auth:    %s Token configured\n", ok)
	}

	rc := config.ResolveCron(cfg.Cron)
	if path, err := cron.ResolveStorePath(rc.StorePath); err == nil {
		if sf, err := cron.Load(path); err == nil {
			enabled := 0
			for _, j := range sf.Jobs {
				if j.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(out, "Cron:    %s %d jobs (%d enabled), scheduler enabled=%v\n", ok, len(sf.Jobs), enabled, rc.Enabled)
		} else {
			fmt.Fprintf(out, "Cron:    %s %v\n", bad, err)
		}
	}

	pc := config.ResolvePairing(cfg.Pairing)
	if dbPath, err := config.ExpandHome(pc.DBPath); err == nil {
		if _, err := os.Stat(dbPath); err != nil {
			fmt.Fprintf(out, "Pairing: no store yet (%s)\n", dbPath)
		} else if store, err := pairing.OpenStore(dbPath); err == nil {
			defer store.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			m := pairing.NewManager(store, pairing.Options{TTL: pc.CodeTTL})
			pending, _ := m.ListPending(ctx, "")
			approved, _ := m.ListApproved(ctx, "")
			fmt.Fprintf(out, "Pairing: %s %d pending, %d approved\n", ok, len(pending), len(approved))
		} else {
			fmt.Fprintf(out, "Pairing: %s %v\n", bad, err)
		}
	}
	return nil
}
