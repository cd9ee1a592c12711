package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KafClaw/clawgate/internal/bus"
	"github.com/KafClaw/clawgate/internal/sessionkey"
	"github.com/google/uuid"
)

// ChannelCron is the bus channel cron traffic flows through.
const ChannelCron = "cron"

// AgentTurn is a request to run one isolated agent turn for a job.
type AgentTurn struct {
	AgentID    string
	JobID      string
	RunID      string
	SessionKey string
	Message    string
	Model      string
	Thinking   string
}

// TurnResult is what an agent turn produced.
type TurnResult struct {
	Summary string
}

// Runner executes agent turns. Run must return promptly once ctx is done.
type Runner interface {
	RunAgentTurn(ctx context.Context, turn AgentTurn) (TurnResult, error)
}

// SystemEvent is text injected into an agent's main session.
type SystemEvent struct {
	AgentID    string
	SessionKey string
	JobID      string
	Text       string
	WakeNow    bool
}

// SystemEvents enqueues system events for the agent runtime.
type SystemEvents interface {
	Enqueue(ctx context.Context, ev SystemEvent) error
}

// Announcement is the delivery of a finished run's output.
type Announcement struct {
	AgentID string
	JobID   string
	JobName string
	Channel string
	To      string
	Text    string
}

// Announcer delivers run output to a channel or the main session.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

// BusRunner hands agent turns to the agent runtime over the message bus and
// waits for the reply carrying the same trace id.
type BusRunner struct {
	bus     *bus.MessageBus
	mu      sync.Mutex
	pending map[string]chan *bus.OutboundMessage
	unsub   func()
}

// NewBusRunner creates a runner and subscribes it to replies on ChannelCron.
func NewBusRunner(b *bus.MessageBus) *BusRunner {
	r := &BusRunner{bus: b, pending: make(map[string]chan *bus.OutboundMessage)}
	r.unsub = b.Subscribe(ChannelCron, r.deliver)
	return r
}

// Close drops the reply subscription.
func (r *BusRunner) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

func (r *BusRunner) deliver(msg *bus.OutboundMessage) {
	r.mu.Lock()
	ch, ok := r.pending[msg.TraceID]
	if ok {
		delete(r.pending, msg.TraceID)
	}
	r.mu.Unlock()
	if !ok {
		slog.Debug("Cron reply without pending turn", "trace_id", msg.TraceID)
		return
	}
	ch <- msg
}

// RunAgentTurn publishes the turn and blocks for its reply.
func (r *BusRunner) RunAgentTurn(ctx context.Context, turn AgentTurn) (TurnResult, error) {
	traceID := uuid.NewString()
	reply := make(chan *bus.OutboundMessage, 1)
	r.mu.Lock()
	r.pending[traceID] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, traceID)
		r.mu.Unlock()
	}()

	err := r.bus.PublishInbound(ctx, &bus.InboundMessage{
		Channel:    ChannelCron,
		SenderID:   ChannelCron,
		ChatID:     turn.SessionKey,
		SessionKey: turn.SessionKey,
		TraceID:    traceID,
		Content:    turn.Message,
		Model:      turn.Model,
		Metadata: map[string]any{
			bus.MetaKeyMessageType: bus.MessageTypeInternal,
			bus.MetaKeyCronJob:     turn.JobID,
			"run_id":               turn.RunID,
			"thinking":             turn.Thinking,
		},
	})
	if err != nil {
		return TurnResult{}, err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return TurnResult{}, errors.New(msg.Error)
		}
		return TurnResult{Summary: msg.Content}, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// BusSystemEvents publishes system events as internal inbound messages
// addressed to the agent's main session.
type BusSystemEvents struct {
	Bus *bus.MessageBus
}

func (e BusSystemEvents) Enqueue(ctx context.Context, ev SystemEvent) error {
	key := ev.SessionKey
	if key == "" {
		key = sessionkey.Main(ev.AgentID)
	}
	return e.Bus.PublishInbound(ctx, &bus.InboundMessage{
		Channel:    ChannelCron,
		SenderID:   ChannelCron,
		ChatID:     key,
		SessionKey: key,
		TraceID:    uuid.NewString(),
		Content:    ev.Text,
		Metadata: map[string]any{
			bus.MetaKeyMessageType: bus.MessageTypeSystem,
			bus.MetaKeyCronJob:     ev.JobID,
			bus.MetaKeyWakeNow:     ev.WakeNow,
		},
	})
}

// BusAnnouncer sends output to channel/to when both are known, and
// otherwise posts a "Cron: ..." system event to the main session.
type BusAnnouncer struct {
	Bus    *bus.MessageBus
	Events SystemEvents
}

func (a BusAnnouncer) Announce(ctx context.Context, ann Announcement) error {
	if ann.Channel != "" && ann.To != "" {
		return a.Bus.PublishOutbound(ctx, &bus.OutboundMessage{
			Channel: ann.Channel,
			ChatID:  ann.To,
			TraceID: uuid.NewString(),
			Content: ann.Text,
		})
	}
	if a.Events == nil {
		return fmt.Errorf("no delivery target for job %s", ann.JobID)
	}
	return a.Events.Enqueue(ctx, SystemEvent{
		AgentID: ann.AgentID,
		JobID:   ann.JobID,
		Text:    "Cron: " + ann.Text,
		WakeNow: true,
	})
}
