package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/KafClaw/clawgate/internal/bus"
	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/events"
	"github.com/KafClaw/clawgate/internal/gateway"
	"github.com/KafClaw/clawgate/internal/nodes"
	"github.com/KafClaw/clawgate/internal/pairing"
	"github.com/KafClaw/clawgate/internal/scheduler"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	gatewayHost string
	gatewayPort int
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the control-plane gateway (RPC, pairing, cron)",
	RunE:  runGateway,
}

var gatewaySignalNotify = signal.NotifyContext

func init() {
	gatewayCmd.Flags().StringVar(&gatewayHost, "host", "", "Listen host (overrides gateway.host)")
	gatewayCmd.Flags().IntVar(&gatewayPort, "port", 0, "Listen port (overrides gateway.port)")
}

// noAgentReply is returned for agent turns when no runtime consumes the bus.
const noAgentReply = "no agent runtime attached to this gateway"

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if gatewayHost != "" {
		cfg.Gateway.Host = gatewayHost
	}
	if gatewayPort > 0 {
		cfg.Gateway.Port = gatewayPort
	}
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	ctx, stop := gatewaySignalNotify(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider()
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// The server joins the fan-out once it exists.
	var srv *gateway.Server
	publisher := events.Multi{
		tp.Metrics,
		events.Func(func(ctx context.Context, ev events.Event) error {
			if srv == nil {
				return nil
			}
			return srv.Publish(ctx, ev)
		}),
	}
	if brokers := strings.Join(cfg.Events.Brokers, ","); brokers != "" {
		kp := events.NewKafkaPublisher(brokers, cfg.Events.Topic)
		publisher = append(publisher, kp)
		slog.Info("Publishing control-plane events to Kafka", "brokers", brokers, "topic", cfg.Events.Topic)
	}
	defer func() { _ = publisher.Close() }()

	pc := config.ResolvePairing(cfg.Pairing)
	dbPath, err := config.ExpandHome(pc.DBPath)
	if err != nil {
		return err
	}
	store, err := pairing.OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	defer store.Close()
	pm := pairing.NewManager(store, pairing.Options{TTL: pc.CodeTTL, MaxPendingPerChannel: pc.MaxPendingPerChannel})
	gate := pairing.NewGate(pm, func(channel string) config.ChannelAccessConfig {
		return current.Load().Access(channel)
	})

	registry := nodes.NewRegistry(func() config.NodesConfig { return current.Load().Gateway.Nodes })

	stateDir, err := config.ExpandHome(cfg.Paths.StateDir)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(filepath.Join(stateDir, "sessions"))
	if err != nil {
		return fmt.Errorf("open session dir: %w", err)
	}

	msgBus := bus.NewMessageBus()
	go func() { _ = msgBus.DispatchOutbound(ctx) }()
	go drainInbound(ctx, msgBus, pairing.NewIngress(gate, msgBus))
	runner := scheduler.NewBusRunner(msgBus)
	defer runner.Close()
	sysEvents := scheduler.BusSystemEvents{Bus: msgBus}

	pm.OnApprove(func(r pairing.Request) {
		if r.Channel == gateway.NodeChannel {
			return
		}
		err := msgBus.PublishOutbound(ctx, &bus.OutboundMessage{
			Channel: r.Channel,
			ChatID:  r.SenderID,
			Content: pairing.ProductName + ": access approved. Send a message to start chatting.",
		})
		if err != nil {
			slog.Warn("Pairing approval notice not sent", "channel", r.Channel, "error", err)
		}
	})

	schedCfg, err := scheduler.ConfigFrom(config.ResolveCron(cfg.Cron))
	if err != nil {
		return fmt.Errorf("resolve cron store: %w", err)
	}
	cronSvc := scheduler.New(schedCfg, scheduler.Deps{
		Runner:    runner,
		Events:    sysEvents,
		Announcer: scheduler.BusAnnouncer{Bus: msgBus, Events: sysEvents},
		Publisher: publisher,
		Sessions:  sessions,
	})

	authToken := func() string { return current.Load().Gateway.AuthToken }
	gw := gateway.New(gateway.Services{
		Cron:      cronSvc,
		Nodes:     registry,
		Pairing:   pm,
		Gate:      gate,
		Publisher: publisher,
		Telemetry: tp,
		AuthToken: authToken,
		Version:   version,
	})
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	srv = gateway.NewServer(gw, gateway.ServerConfig{
		Addr:         addr,
		AuthToken:    authToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		Version:      version,
	})

	if err := cronSvc.Start(ctx); err != nil {
		if errors.Is(err, scheduler.ErrStoreLocked) {
			return fmt.Errorf("cron store %s is held by another gateway", schedCfg.StorePath)
		}
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	defer func() { _ = cronSvc.Close() }()

	if path, err := config.ConfigPath(); err == nil {
		w := config.NewWatcher(path, func(next *config.Config) {
			current.Store(next)
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	printHeader(cmd.OutOrStdout(), "🌐 Clawgate Gateway")
	fmt.Fprintf(cmd.OutOrStdout(), "Listening: ws://%s/ws\n", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Cron:      %s (enabled=%v)\n", schedCfg.StorePath, schedCfg.Enabled)
	fmt.Fprintf(cmd.OutOrStdout(), "Pairing:   %s\n", dbPath)
	if cfg.Gateway.AuthToken == "" {
		slog.Warn("Gateway auth token is empty; any local client can connect")
	}

	return srv.ListenAndServe(ctx)
}

// drainInbound screens external messages through pairing, then answers agent
// turns with an error and logs system events so cron runs fail fast when no
// agent runtime consumes the bus.
func drainInbound(ctx context.Context, b *bus.MessageBus, in *pairing.Ingress) {
	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		ok, err := in.Admit(ctx, msg)
		if err != nil {
			slog.Warn("Inbound message dropped", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if msg.MessageType() == bus.MessageTypeSystem {
			slog.Info("System event", "session", msg.SessionKey, "text", msg.Content)
			continue
		}
		err = b.PublishOutbound(ctx, &bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			TraceID: msg.TraceID,
			Error:   noAgentReply,
		})
		if err != nil {
			return
		}
	}
}
