package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/clawgate/internal/nodes"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	nodesJSON         bool
	nodesPlatform     string
	nodesDeviceFamily string
	nodesInvokeParams string
	nodesInvokeWait   time.Duration
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect device nodes and their command allowlists",
}

var nodesAllowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "Show the command allowlist a node platform resolves to",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d := nodes.Descriptor{Platform: nodesPlatform, DeviceFamily: nodesDeviceFamily}
		family := nodes.PlatformFamily(d)
		allowed := nodes.ResolveAllowlist(cfg.Gateway.Nodes, d).Sorted()
		if nodesJSON {
			return writeJSON(cmd, map[string]any{"family": family, "allowCommands": allowed})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Family: %s\n", family)
		for _, c := range allowed {
			if nodes.IsDangerous(c) {
				fmt.Fprintf(out, "  %s %s\n", c, color.YellowString("(dangerous, granted by allowCommands)"))
				continue
			}
			fmt.Fprintf(out, "  %s\n", c)
		}
		return nil
	},
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes connected to the running gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		var out struct {
			Nodes []nodes.Info `json:"nodes"`
		}
		if err := c.call(cmd.Context(), "node.list", nil, &out); err != nil {
			return err
		}
		if nodesJSON {
			return writeJSON(cmd, out.Nodes)
		}
		if len(out.Nodes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No nodes connected.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tFAMILY\tVERSION\tCONNECTED")
		for _, n := range out.Nodes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.DisplayName, n.Family, n.Version, n.ConnectedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var nodesDescribeCmd = &cobra.Command{
	Use:   "describe <id>",
	Short: "Show a connected node and its allowlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		var info nodes.Info
		if err := c.call(cmd.Context(), "node.describe", map[string]any{"nodeId": args[0]}, &info); err != nil {
			return err
		}
		return writeJSON(cmd, info)
	},
}

var nodesInvokeCmd = &cobra.Command{
	Use:   "invoke <id> <command>",
	Short: "Invoke a command on a connected node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := json.RawMessage(strings.TrimSpace(nodesInvokeParams))
		if len(params) > 0 && !json.Valid(params) {
			return fmt.Errorf("--params is not valid JSON")
		}
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		req := map[string]any{"nodeId": args[0], "command": args[1], "timeoutMs": nodesInvokeWait.Milliseconds()}
		if len(params) > 0 {
			req["params"] = params
		}
		var out struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := c.call(cmd.Context(), "node.invoke", req, &out); err != nil {
			return err
		}
		if len(out.Payload) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		var v any
		if err := json.Unmarshal(out.Payload, &v); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(out.Payload))
			return nil
		}
		return writeJSON(cmd, v)
	},
}

func init() {
	nodesAllowlistCmd.Flags().StringVar(&nodesPlatform, "platform", "", "Node platform (e.g. \"iOS 26.0\", android, macos)")
	nodesAllowlistCmd.Flags().StringVar(&nodesDeviceFamily, "device-family", "", "Node device family (e.g. iPhone, Mac)")
	nodesAllowlistCmd.Flags().BoolVar(&nodesJSON, "json", false, "Output JSON")
	nodesListCmd.Flags().BoolVar(&nodesJSON, "json", false, "Output JSON")
	nodesInvokeCmd.Flags().StringVar(&nodesInvokeParams, "params", "", "Command params as JSON")
	nodesInvokeCmd.Flags().DurationVar(&nodesInvokeWait, "timeout", 30*time.Second, "How long to wait for the node")
	for _, c := range []*cobra.Command{nodesListCmd, nodesDescribeCmd, nodesInvokeCmd} {
		c.Flags().StringVar(&gatewayURL, "url", "", "Gateway websocket URL")
	}

	nodesCmd.AddCommand(nodesAllowlistCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesDescribeCmd)
	nodesCmd.AddCommand(nodesInvokeCmd)
}

func operatorClient(cmd *cobra.Command) (*gatewayClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return dialGateway(cmd.Context(), cfg)
}
