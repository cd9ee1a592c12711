package pairing

import (
	"context"
	"errors"
	"strings"

	"github.com/KafClaw/clawgate/internal/config"
)

// AccessSource returns the access settings for a channel.
type AccessSource func(channel string) config.ChannelAccessConfig

// Decision is the outcome of an inbound access check.
type Decision struct {
	Allowed         bool
	RequiresPairing bool
	Reason          string
	// Code is set when the sender has a live pairing request.
	Code string
	// Reply is set only when a new code was minted, so repeat messages do
	// not re-send the same instructions.
	Reply string
}

// Gate decides whether an inbound direct message may reach the agent.
type Gate struct {
	manager *Manager
	access  AccessSource
}

// NewGate creates a gate over manager using access for per-channel policy.
func NewGate(manager *Manager, access AccessSource) *Gate {
	return &Gate{manager: manager, access: access}
}

// Evaluate checks sender against the channel's dm policy, its static
// allowFrom list, and the approved pairing set. Under the pairing policy an
// unknown sender gets (or keeps) a pairing code.
func (g *Gate) Evaluate(ctx context.Context, channel, senderID, idLine string) (Decision, error) {
	channel = normalizeChannel(channel)
	senderID = strings.TrimSpace(senderID)
	access := config.ChannelAccessConfig{DmPolicy: config.DmPolicyPairing}
	if g.access != nil {
		access = g.access(channel)
	}

	switch access.DmPolicy {
	case config.DmPolicyDisabled:
		return Decision{Reason: "dm_disabled"}, nil
	case config.DmPolicyOpen:
		return Decision{Allowed: true, Reason: "dm_open"}, nil
	}
	for _, allowed := range access.AllowFrom {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == senderID {
			return Decision{Allowed: true, Reason: "allow_from"}, nil
		}
	}
	ok, err := g.manager.IsApproved(ctx, channel, senderID)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Allowed: true, Reason: "paired"}, nil
	}
	if access.DmPolicy == config.DmPolicyAllowlist {
		return Decision{Reason: "sender_not_allowlisted"}, nil
	}

	if strings.TrimSpace(idLine) == "" {
		idLine = IDLine(channel, senderID)
	}
	req, created, err := g.manager.Upsert(ctx, channel, senderID, idLine)
	if errors.Is(err, ErrTooManyPending) {
		return Decision{RequiresPairing: true, Reason: "pairing_queue_full"}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	d := Decision{RequiresPairing: true, Reason: "pairing_required", Code: req.Code}
	if created {
		d.Reply = BuildReply(channel, idLine, req.Code)
	}
	return d, nil
}
