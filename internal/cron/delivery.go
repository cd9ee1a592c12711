package cron

import "strings"

// DeliveryPlan is the resolved decision of whether, and where, a run's
// output is announced.
type DeliveryPlan struct {
	Mode       DeliveryMode `json:"mode"`
	Requested  bool         `json:"requested"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort bool         `json:"bestEffort,omitempty"`
	// Source is "delivery" or "payload" depending on which field decided.
	Source string `json:"source"`
}

// NormalizeDeliveryMode maps the legacy "deliver" spelling onto announce.
// Unknown or empty modes return "".
func NormalizeDeliveryMode(mode DeliveryMode) DeliveryMode {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case DeliveryAnnounce, "deliver":
		return DeliveryAnnounce
	case DeliveryNone:
		return DeliveryNone
	}
	return ""
}

// ResolveDeliveryPlan decides delivery for j. An explicit delivery object
// always wins; without a mode it means announce. Without one, the legacy
// payload flag decides: explicit false disables delivery, anything else
// announces.
func ResolveDeliveryPlan(j Job) DeliveryPlan {
	if d := j.Delivery; d != nil {
		mode := NormalizeDeliveryMode(d.Mode)
		if mode == "" {
			mode = DeliveryAnnounce
		}
		return DeliveryPlan{
			Mode:       mode,
			Requested:  mode == DeliveryAnnounce,
			Channel:    normalizeDeliveryChannel(d.Channel),
			To:         strings.TrimSpace(d.To),
			BestEffort: d.BestEffort != nil && *d.BestEffort,
			Source:     "delivery",
		}
	}

	p := j.Payload
	plan := DeliveryPlan{
		Channel:    normalizeDeliveryChannel(p.Channel),
		To:         strings.TrimSpace(p.To),
		BestEffort: p.BestEffortDeliver != nil && *p.BestEffortDeliver,
		Source:     "payload",
	}
	if p.Deliver != nil && !*p.Deliver {
		plan.Mode = DeliveryNone
		return plan
	}
	plan.Mode = DeliveryAnnounce
	plan.Requested = true
	return plan
}

func normalizeDeliveryChannel(ch string) string {
	return strings.ToLower(strings.TrimSpace(ch))
}
