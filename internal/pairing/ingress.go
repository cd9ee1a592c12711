package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/clawgate/internal/bus"
)

// Ingress screens external inbound messages before they reach the agent.
// Senders the gate does not allow are dropped; a sender that was just given
// a pairing code receives the approval instructions on its channel.
type Ingress struct {
	gate *Gate
	bus  *bus.MessageBus
}

// NewIngress creates an ingress that replies over b.
func NewIngress(gate *Gate, b *bus.MessageBus) *Ingress {
	return &Ingress{gate: gate, bus: b}
}

// Admit reports whether msg may continue to the agent. Internal and system
// messages always pass. An error means the gate could not decide; the
// message must not be forwarded.
func (in *Ingress) Admit(ctx context.Context, msg *bus.InboundMessage) (bool, error) {
	if msg.MessageType() != bus.MessageTypeExternal {
		return true, nil
	}
	idLine, _ := msg.Metadata[bus.MetaKeyIDLine].(string)
	dec, err := in.gate.Evaluate(ctx, msg.Channel, msg.SenderID, idLine)
	if err != nil {
		return false, fmt.Errorf("pairing check %s:%s: %w", msg.Channel, msg.SenderID, err)
	}
	if dec.Allowed {
		return true, nil
	}
	slog.Info("Inbound message held for pairing", "channel", msg.Channel, "sender", msg.SenderID, "reason", dec.Reason)
	if dec.Reply == "" {
		return false, nil
	}
	to := strings.TrimSpace(msg.SenderID)
	if to == "" {
		to = msg.ChatID
	}
	err = in.bus.PublishOutbound(ctx, &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  to,
		TraceID: msg.TraceID,
		Content: dec.Reply,
	})
	if err != nil {
		return false, fmt.Errorf("send pairing reply: %w", err)
	}
	return false, nil
}
