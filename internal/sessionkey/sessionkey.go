// Package sessionkey classifies, parses, and builds conversation session keys.
//
// Canonical agent keys look like:
//
//	agent:<agentId>:main
//	agent:<agentId>:subagent:<name>
//	agent:<agentId>:<channel>:<direct|dm|group>:<peerId>
//	agent:<agentId>:cron:<jobId>[:run:<runId>]
//
// Anything that does not start with "agent:" is a legacy key or an alias and
// is passed through untouched.
package sessionkey

import (
	"strings"
)

// Shape is the structural classification of a raw session key.
type Shape string

const (
	ShapeMissing        Shape = "missing"
	ShapeAgent          Shape = "agent"
	ShapeMalformedAgent Shape = "malformed_agent"
	ShapeLegacyOrAlias  Shape = "legacy_or_alias"
)

// Kind identifies which agent key form a parsed key uses.
type Kind string

const (
	KindMain     Kind = "main"
	KindSubagent Kind = "subagent"
	KindPeer     Kind = "peer"
	KindCron     Kind = "cron"
	KindCronRun  Kind = "cron_run"
)

// Scope values for peer keys. ScopeDM is the legacy spelling of ScopeDirect.
const (
	ScopeDirect = "direct"
	ScopeDM     = "dm"
	ScopeGroup  = "group"
)

const (
	agentPrefix = "agent"
	mainRest    = "main"
	subagentTag = "subagent"
	cronTag     = "cron"
	runTag      = "run"
)

// Key is a parsed agent session key.
type Key struct {
	AgentID  string
	Kind     Kind
	Channel  string // peer keys
	Scope    string // peer keys, as written (direct, dm or group)
	PeerID   string // peer keys; may contain ':'
	Subagent string // subagent keys
	JobID    string // cron keys
	RunID    string // cron run keys
}

// Classify reports the structural shape of raw. It never fails.
func Classify(raw string) Shape {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ShapeMissing
	}
	if _, ok := Parse(trimmed); ok {
		return ShapeAgent
	}
	if hasAgentPrefix(trimmed) {
		return ShapeMalformedAgent
	}
	return ShapeLegacyOrAlias
}

// Parse decodes an agent session key. ok is false for anything that is not a
// well-formed agent key, including legacy keys.
func Parse(raw string) (Key, bool) {
	trimmed := strings.TrimSpace(raw)
	if !hasAgentPrefix(trimmed) {
		return Key{}, false
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) < 3 {
		return Key{}, false
	}
	agentID := strings.TrimSpace(parts[1])
	if agentID == "" {
		return Key{}, false
	}
	rest := parts[2:]
	for _, p := range rest {
		if strings.TrimSpace(p) == "" {
			return Key{}, false
		}
	}

	k := Key{AgentID: agentID}
	head := strings.ToLower(rest[0])
	switch {
	case len(rest) == 1 && head == mainRest:
		k.Kind = KindMain
		return k, true
	case head == subagentTag && len(rest) == 2:
		k.Kind = KindSubagent
		k.Subagent = rest[1]
		return k, true
	case head == cronTag && len(rest) == 2:
		k.Kind = KindCron
		k.JobID = rest[1]
		return k, true
	case head == cronTag && len(rest) == 4 && strings.ToLower(rest[2]) == runTag:
		k.Kind = KindCronRun
		k.JobID = rest[1]
		k.RunID = rest[3]
		return k, true
	}

	// Anything else, including channels named "cron" or "subagent", must be
	// a peer key.

	if len(rest) < 3 {
		return Key{}, false
	}
	scope := strings.ToLower(rest[1])
	switch scope {
	case ScopeDirect, ScopeDM, ScopeGroup:
	default:
		return Key{}, false
	}
	k.Kind = KindPeer
	k.Channel = strings.ToLower(rest[0])
	k.Scope = scope
	k.PeerID = strings.Join(rest[2:], ":")
	return k, true
}

// String renders the key in canonical form. Peer keys are always written
// with the "direct" spelling.
func (k Key) String() string {
	switch k.Kind {
	case KindMain:
		return Main(k.AgentID)
	case KindSubagent:
		return Subagent(k.AgentID, k.Subagent)
	case KindCron:
		return CronJob(k.AgentID, k.JobID)
	case KindCronRun:
		return CronRun(k.AgentID, k.JobID, k.RunID)
	case KindPeer:
		return Peer(k.AgentID, k.Channel, k.Scope, k.PeerID)
	}
	return ""
}

// Canonical rewrites agent keys into canonical form and returns anything
// else trimmed but otherwise unchanged.
func Canonical(raw string) string {
	if k, ok := Parse(raw); ok {
		return k.String()
	}
	return strings.TrimSpace(raw)
}

// Equivalent reports whether a and b address the same session, treating the
// dm and direct spellings as the same scope.
func Equivalent(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

// NormalizeScope maps the legacy dm scope onto direct.
func NormalizeScope(scope string) string {
	s := strings.ToLower(strings.TrimSpace(scope))
	if s == ScopeDM {
		return ScopeDirect
	}
	return s
}

// NormalizeAgentID lowercases and trims an agent id, defaulting to "main".
func NormalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "main"
	}
	return id
}

// Main builds the main session key for an agent.
func Main(agentID string) string {
	return join(NormalizeAgentID(agentID), mainRest)
}

// Subagent builds a subagent session key.
func Subagent(agentID, name string) string {
	return join(NormalizeAgentID(agentID), subagentTag, strings.TrimSpace(name))
}

// Peer builds a per-peer session key. New keys always use the direct
// spelling for one-to-one conversations.
func Peer(agentID, channel, scope, peerID string) string {
	return join(NormalizeAgentID(agentID), strings.ToLower(strings.TrimSpace(channel)), NormalizeScope(scope), strings.TrimSpace(peerID))
}

// CronJob builds the session key shared by all runs of a cron job.
func CronJob(agentID, jobID string) string {
	return join(NormalizeAgentID(agentID), cronTag, jobID)
}

// CronRun builds the session key of one isolated cron run.
func CronRun(agentID, jobID, runID string) string {
	return join(NormalizeAgentID(agentID), cronTag, jobID, runTag, runID)
}

// IsCronRun reports whether raw is the key of an isolated cron run.
func IsCronRun(raw string) bool {
	k, ok := Parse(raw)
	return ok && k.Kind == KindCronRun
}

func join(agentID string, rest ...string) string {
	return agentPrefix + ":" + agentID + ":" + strings.Join(rest, ":")
}

func hasAgentPrefix(s string) bool {
	return len(s) >= len(agentPrefix)+1 && strings.EqualFold(s[:len(agentPrefix)+1], agentPrefix+":")
}
