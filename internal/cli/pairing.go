package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/pairing"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	pairingJSON     bool
	setupCodeURL    string
	setupCodeToken  string
	setupCodePNG    string
	setupCodeNoQR   bool
	setupCodePNGDim int
)

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Review and approve pairing requests",
}

var pairingListCmd = &cobra.Command{
	Use:   "list [channel]",
	Short: "List pending pairing requests",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openPairing()
		if err != nil {
			return err
		}
		defer closeStore()
		channel := ""
		if len(args) == 1 {
			channel = args[0]
		}
		reqs, err := m.ListPending(cmd.Context(), channel)
		if err != nil {
			return err
		}
		if pairingJSON {
			return writeJSON(cmd, reqs)
		}
		out := cmd.OutOrStdout()
		if len(reqs) == 0 {
			fmt.Fprintln(out, "No pending pairing requests.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHANNEL\tSENDER\tCODE\tEXPIRES")
		for _, r := range reqs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Channel, r.SenderID, r.Code, time.Until(r.ExpiresAt).Round(time.Second))
		}
		return tw.Flush()
	},
}

var pairingApproveCmd = &cobra.Command{
	Use:   "approve <channel> <code>",
	Short: "Approve a pairing code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolvePairing(cmd, args[0], args[1], true)
	},
}

var pairingDenyCmd = &cobra.Command{
	Use:   "deny <channel> <code>",
	Short: "Deny a pairing code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolvePairing(cmd, args[0], args[1], false)
	},
}

var pairingApprovedCmd = &cobra.Command{
	Use:   "approved [channel]",
	Short: "List approved senders",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openPairing()
		if err != nil {
			return err
		}
		defer closeStore()
		channel := ""
		if len(args) == 1 {
			channel = args[0]
		}
		list, err := m.ListApproved(cmd.Context(), channel)
		if err != nil {
			return err
		}
		if pairingJSON {
			return writeJSON(cmd, list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHANNEL\tSENDER\tAPPROVED")
		for _, a := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Channel, a.SenderID, a.ApprovedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var pairingRevokeCmd = &cobra.Command{
	Use:   "revoke <channel> <sender>",
	Short: "Revoke an approved sender",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openPairing()
		if err != nil {
			return err
		}
		defer closeStore()
		removed, err := m.Revoke(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%s is not approved on %s", args[1], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s on %s\n", args[1], args[0])
		return nil
	},
}

var pairingSetupCodeCmd = &cobra.Command{
	Use:   "setup-code",
	Short: "Print a setup code (and QR) a device node can connect with",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url := strings.TrimSpace(setupCodeURL)
		if url == "" {
			url = strings.TrimSpace(cfg.Gateway.PublicURL)
		}
		if url == "" {
			url = gatewayEndpoint(cfg)
		}
		token := setupCodeToken
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
		code, err := pairing.EncodeSetupCode(pairing.SetupPayload{URL: url, Token: token})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Setup code: %s\n", code)
		fmt.Fprintf(out, "Gateway:    %s\n", url)
		if !setupCodeNoQR {
			qr, err := pairing.RenderSetupQR(code)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, qr)
		}
		if setupCodePNG != "" {
			path, err := config.ExpandHome(setupCodePNG)
			if err != nil {
				return err
			}
			if err := pairing.WriteSetupQRPNG(code, path, setupCodePNGDim); err != nil {
				return err
			}
			fmt.Fprintf(out, "QR image:   %s\n", path)
		}
		fmt.Fprintln(out, "After the node connects, approve it with: clawgate pairing approve node <code>")
		return nil
	},
}

func init() {
	pairingListCmd.Flags().BoolVar(&pairingJSON, "json", false, "Output JSON")
	pairingApprovedCmd.Flags().BoolVar(&pairingJSON, "json", false, "Output JSON")
	pairingSetupCodeCmd.Flags().StringVar(&setupCodeURL, "url", "", "Gateway URL the node should dial (default gateway.publicUrl)")
	pairingSetupCodeCmd.Flags().StringVar(&setupCodeToken, "token", "", "Token to embed (default gateway.authToken)")
	pairingSetupCodeCmd.Flags().StringVar(&setupCodePNG, "png", "", "Also write the QR code as a PNG to this path")
	pairingSetupCodeCmd.Flags().IntVar(&setupCodePNGDim, "png-size", 256, "PNG edge length in pixels")
	pairingSetupCodeCmd.Flags().BoolVar(&setupCodeNoQR, "no-qr", false, "Do not render the terminal QR code")

	pairingCmd.AddCommand(pairingListCmd)
	pairingCmd.AddCommand(pairingApproveCmd)
	pairingCmd.AddCommand(pairingDenyCmd)
	pairingCmd.AddCommand(pairingApprovedCmd)
	pairingCmd.AddCommand(pairingRevokeCmd)
	pairingCmd.AddCommand(pairingSetupCodeCmd)
}

func openPairing() (*pairing.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pc := config.ResolvePairing(cfg.Pairing)
	path, err := config.ExpandHome(pc.DBPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := pairing.OpenStore(path)
	if err != nil {
		return nil, nil, err
	}
	m := pairing.NewManager(store, pairing.Options{TTL: pc.CodeTTL, MaxPendingPerChannel: pc.MaxPendingPerChannel})
	return m, func() { _ = store.Close() }, nil
}

func resolvePairing(cmd *cobra.Command, channel, code string, approve bool) error {
	m, closeStore, err := openPairing()
	if err != nil {
		return err
	}
	defer closeStore()
	var r pairing.Request
	if approve {
		r, err = m.Approve(cmd.Context(), channel, code)
	} else {
		r, err = m.Deny(cmd.Context(), channel, code)
	}
	if errors.Is(err, pairing.ErrNotFound) {
		return fmt.Errorf("no pending request with code %s on %s (expired or already handled)", pairing.NormalizeCode(code), channel)
	}
	if err != nil {
		return err
	}
	verb := color.GreenString("Approved")
	if !approve {
		verb = color.YellowString("Denied")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s sender %s\n", verb, r.Channel, r.SenderID)
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
