// Package nodes decides which commands a connected device node may run and
// keeps track of the nodes currently attached to the gateway.
package nodes

import (
	"sort"
	"strings"

	"github.com/KafClaw/clawgate/internal/config"
)

// Platform families used to pick a baseline allowlist.
const (
	FamilyIOS     = "ios"
	FamilyAndroid = "android"
	FamilyMacOS   = "macos"
	FamilyWindows = "windows"
	FamilyLinux   = "linux"
	FamilyUnknown = "unknown"
)

// DefaultDangerousCommands capture media or act on the user's behalf. They
// are never part of a baseline and must be granted through allowCommands.
var DefaultDangerousCommands = []string{
	"camera.snap",
	"camera.clip",
	"screen.record",
	"sms.send",
	"contacts.add",
	"calendar.add",
	"reminders.add",
}

var (
	canvasCommands = []string{
		"canvas.present",
		"canvas.hide",
		"canvas.navigate",
		"canvas.eval",
		"canvas.snapshot",
		"canvas.a2ui.push",
		"canvas.a2ui.pushJSONL",
		"canvas.a2ui.reset",
	}
	deviceCommands = []string{
		"device.info",
		"device.status",
		"location.get",
		"camera.list",
	}
	personalDataCommands = []string{
		"contacts.search",
		"calendar.events",
		"reminders.list",
		"photos.latest",
		"motion.activity",
		"motion.pedometer",
	}
	systemCommands = []string{
		"system.run",
		"system.which",
		"system.notify",
		"system.execApprovals.get",
		"system.execApprovals.set",
		"browser.proxy",
	}
)

var platformBaselines = map[string][]string{
	FamilyIOS:     concat(canvasCommands, deviceCommands, personalDataCommands, []string{"system.notify"}),
	FamilyAndroid: concat(canvasCommands, deviceCommands, personalDataCommands, []string{"system.notify", "sms.list"}),
	FamilyMacOS:   concat(canvasCommands, deviceCommands, systemCommands),
	FamilyWindows: concat(deviceCommands, systemCommands),
	FamilyLinux:   concat(deviceCommands, systemCommands),
	FamilyUnknown: concat(canvasCommands, []string{"device.info", "device.status", "system.notify"}),
}

// Descriptor is what a node reports about itself at connect time.
type Descriptor struct {
	Platform     string `json:"platform,omitempty"`
	DeviceFamily string `json:"deviceFamily,omitempty"`
}

// PlatformFamily maps a free-form platform string ("ios 26.0",
// "Android 14", "darwin") and device family ("iPhone", "Mac") onto one of
// the known families.
func PlatformFamily(d Descriptor) string {
	p := strings.ToLower(strings.TrimSpace(d.Platform))
	df := strings.ToLower(strings.TrimSpace(d.DeviceFamily))
	switch {
	case strings.HasPrefix(p, "ios"), strings.HasPrefix(p, "ipados"),
		df == "iphone", df == "ipad", df == "ipod":
		return FamilyIOS
	case strings.HasPrefix(p, "android"), df == "android":
		return FamilyAndroid
	case strings.HasPrefix(p, "macos"), strings.HasPrefix(p, "darwin"), strings.HasPrefix(p, "mac"), df == "mac":
		return FamilyMacOS
	case strings.HasPrefix(p, "windows"), strings.HasPrefix(p, "win32"), df == "windows":
		return FamilyWindows
	case strings.HasPrefix(p, "linux"), df == "linux":
		return FamilyLinux
	}
	return FamilyUnknown
}

// Allowlist is a resolved set of permitted command names.
type Allowlist map[string]struct{}

// Has reports whether command is permitted.
func (a Allowlist) Has(command string) bool {
	_, ok := a[strings.TrimSpace(command)]
	return ok
}

// Sorted returns the commands in lexical order.
func (a Allowlist) Sorted() []string {
	out := make([]string, 0, len(a))
	for c := range a {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ResolveAllowlist computes the command allowlist for a node: the platform
// baseline, plus every configured allowCommands entry, minus every
// configured denyCommands entry. An explicit deny wins over an explicit
// allow. The result depends only on its inputs.
func ResolveAllowlist(cfg config.NodesConfig, d Descriptor) Allowlist {
	out := Allowlist{}
	for _, c := range platformBaselines[PlatformFamily(d)] {
		out[c] = struct{}{}
	}
	for _, c := range cfg.AllowCommands {
		if c = strings.TrimSpace(c); c != "" {
			out[c] = struct{}{}
		}
	}
	for _, c := range cfg.DenyCommands {
		delete(out, strings.TrimSpace(c))
	}
	return out
}

// IsDangerous reports whether command is in the default dangerous set.
func IsDangerous(command string) bool {
	for _, c := range DefaultDangerousCommands {
		if c == command {
			return true
		}
	}
	return false
}

// Decision is the outcome of a command authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Denial reasons.
const (
	ReasonAllowed        = "allowed"
	ReasonNotAllowlisted = "command not allowlisted"
	ReasonNotDeclared    = "command not declared by node"
	ReasonEmptyCommand   = "command required"
)

// CheckCommand authorizes command against an allowlist and, when the node
// declared its supported commands, against that declaration too.
func CheckCommand(command string, allow Allowlist, declared []string) Decision {
	command = strings.TrimSpace(command)
	if command == "" {
		return Decision{Reason: ReasonEmptyCommand}
	}
	if !allow.Has(command) {
		return Decision{Reason: ReasonNotAllowlisted}
	}
	if len(declared) > 0 {
		found := false
		for _, c := range declared {
			if strings.TrimSpace(c) == command {
				found = true
				break
			}
		}
		if !found {
			return Decision{Reason: ReasonNotDeclared}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
