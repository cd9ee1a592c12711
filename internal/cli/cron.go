package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/scheduler"
	"github.com/spf13/cobra"
)

type cronAddFlags struct {
	name        string
	description string
	agent       string
	every       string
	at          string
	expr        string
	tz          string
	message     string
	systemEvent string
	session     string
	wake        string
	model       string
	thinking    string
	timeout     int
	announce    bool
	channel     string
	to          string
	bestEffort  bool
	keep        bool
	disabled    bool
}

var (
	cronAdd     cronAddFlags
	cronListAll bool
	cronJSON    bool
	cronRunDue  bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled agent jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var jobs []cron.Job
		err := withCron(cmd,
			func(s *scheduler.Service) error {
				jobs = s.List(cronListAll)
				return nil
			},
			func(c *gatewayClient) error {
				var out struct {
					Jobs []cron.Job `json:"jobs"`
				}
				err := c.call(cmd.Context(), "cron.list", map[string]any{"includeDisabled": cronListAll}, &out)
				jobs = out.Jobs
				return err
			})
		if err != nil {
			return err
		}
		if cronJSON {
			return writeJSON(cmd, jobs)
		}
		printJobs(cmd, jobs)
		return nil
	},
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a cron job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, err := cronAdd.jobCreate(time.Now())
		if err != nil {
			return err
		}
		var job cron.Job
		err = withCron(cmd,
			func(s *scheduler.Service) error {
				job, err = s.Add(cmd.Context(), in)
				return err
			},
			func(c *gatewayClient) error {
				return c.call(cmd.Context(), "cron.add", in, &job)
			})
		if err != nil {
			return err
		}
		if cronJSON {
			return writeJSON(cmd, job)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s), next run %s\n", job.ID, job.Name, formatNextRun(job))
		return nil
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a cron job",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var removed bool
		err := withCron(cmd,
			func(s *scheduler.Service) (err error) {
				removed, err = s.Remove(cmd.Context(), args[0])
				return err
			},
			func(c *gatewayClient) error {
				var out struct {
					Removed bool `json:"removed"`
				}
				err := c.call(cmd.Context(), "cron.remove", map[string]any{"id": args[0]}, &out)
				removed = out.Removed
				return err
			})
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("job %s not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
		return nil
	},
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a cron job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCronEnabled(cmd, args[0], true)
	},
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a cron job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCronEnabled(cmd, args[0], false)
	},
}

var cronRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a cron job now through the running gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := operatorClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		mode := scheduler.RunForce
		if cronRunDue {
			mode = scheduler.RunDue
		}
		var res scheduler.RunResult
		if err := c.call(cmd.Context(), "cron.run", map[string]any{"id": args[0], "mode": mode}, &res); err != nil {
			return err
		}
		if !res.Ran {
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s not run: %s\n", args[0], res.Reason)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s ran\n", args[0])
		return nil
	},
}

var cronStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st scheduler.Status
		err := withCron(cmd,
			func(s *scheduler.Service) error {
				st = s.Status()
				return nil
			},
			func(c *gatewayClient) error {
				return c.call(cmd.Context(), "cron.status", nil, &st)
			})
		if err != nil {
			return err
		}
		if cronJSON {
			return writeJSON(cmd, st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Store:    %s\n", st.StorePath)
		fmt.Fprintf(out, "Enabled:  %v\n", st.Enabled)
		fmt.Fprintf(out, "Jobs:     %d (%d running)\n", st.Jobs, st.Running)
		if st.NextWakeAtMs > 0 {
			fmt.Fprintf(out, "Next run: %s\n", cron.FormatISO(time.UnixMilli(st.NextWakeAtMs)))
		}
		return nil
	},
}

func init() {
	f := cronAddCmd.Flags()
	f.StringVar(&cronAdd.name, "name", "", "Job name")
	f.StringVar(&cronAdd.description, "description", "", "Job description")
	f.StringVar(&cronAdd.agent, "agent", "", "Agent id (default main)")
	f.StringVar(&cronAdd.every, "every", "", "Run every interval (e.g. 30m, 2h, 1d)")
	f.StringVar(&cronAdd.at, "at", "", "Run once at an ISO-8601 time, or after a delay (e.g. 20m)")
	f.StringVar(&cronAdd.expr, "cron", "", "Run on a cron expression (e.g. \"0 9 * * 1-5\")")
	f.StringVar(&cronAdd.tz, "tz", "", "IANA time zone for --cron")
	f.StringVar(&cronAdd.message, "message", "", "Agent turn message (isolated session)")
	f.StringVar(&cronAdd.systemEvent, "system-event", "", "System event text for the main session")
	f.StringVar(&cronAdd.session, "session", "", "Session target: isolated or main")
	f.StringVar(&cronAdd.wake, "wake", "", "Wake mode for main jobs: now or next-heartbeat")
	f.StringVar(&cronAdd.model, "model", "", "Model override for the agent turn")
	f.StringVar(&cronAdd.thinking, "thinking", "", "Thinking level for the agent turn")
	f.IntVar(&cronAdd.timeout, "timeout", 0, "Run timeout in seconds")
	f.BoolVar(&cronAdd.announce, "announce", false, "Announce the run summary")
	f.StringVar(&cronAdd.channel, "channel", "", "Announce channel (e.g. telegram)")
	f.StringVar(&cronAdd.to, "to", "", "Announce recipient on the channel")
	f.BoolVar(&cronAdd.bestEffort, "best-effort", false, "Do not fail the run when announcing fails")
	f.BoolVar(&cronAdd.keep, "keep", false, "Keep one-shot jobs after they run (disable instead of delete)")
	f.BoolVar(&cronAdd.disabled, "disabled", false, "Create the job disabled")
	cronAddCmd.Flags().BoolVar(&cronJSON, "json", false, "Output JSON")

	cronListCmd.Flags().BoolVarP(&cronListAll, "all", "a", false, "Include disabled jobs")
	cronListCmd.Flags().BoolVar(&cronJSON, "json", false, "Output JSON")
	cronStatusCmd.Flags().BoolVar(&cronJSON, "json", false, "Output JSON")
	cronRunCmd.Flags().BoolVar(&cronRunDue, "due", false, "Only run when the job is due")
	cronRunCmd.Flags().StringVar(&gatewayURL, "url", "", "Gateway websocket URL")

	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronEnableCmd)
	cronCmd.AddCommand(cronDisableCmd)
	cronCmd.AddCommand(cronRunCmd)
	cronCmd.AddCommand(cronStatusCmd)
}

// jobCreate turns the add flags into a job. Validation beyond flag shape
// is left to the scheduler.
func (f cronAddFlags) jobCreate(now time.Time) (cron.JobCreate, error) {
	in := cron.JobCreate{
		AgentID:     f.agent,
		Name:        f.name,
		Description: f.description,
	}

	set := 0
	for _, v := range []string{f.every, f.at, f.expr} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return in, errors.New("exactly one of --every, --at, or --cron is required")
	}
	switch {
	case f.every != "":
		d, err := config.ParseDuration(f.every)
		if err != nil || d <= 0 {
			return in, fmt.Errorf("invalid --every %q", f.every)
		}
		in.Schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}
	case f.at != "":
		at := strings.TrimSpace(f.at)
		if d, err := config.ParseDuration(at); err == nil && d > 0 {
			at = cron.FormatISO(now.Add(d))
		}
		in.Schedule = cron.Schedule{Kind: cron.ScheduleAt, At: at}
		if f.keep {
			keep := false
			in.DeleteAfterRun = &keep
		}
	default:
		in.Schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: f.expr, TZ: f.tz}
	}

	switch {
	case f.message != "" && f.systemEvent != "":
		return in, errors.New("--message and --system-event are mutually exclusive")
	case f.systemEvent != "":
		in.Payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: f.systemEvent}
		in.SessionTarget = cron.TargetMain
	case f.message != "":
		in.Payload = cron.Payload{
			Kind:           cron.PayloadAgentTurn,
			Message:        f.message,
			Model:          f.model,
			Thinking:       f.thinking,
			TimeoutSeconds: f.timeout,
		}
		in.SessionTarget = cron.TargetIsolated
	default:
		return in, errors.New("one of --message or --system-event is required")
	}
	if f.session != "" {
		in.SessionTarget = cron.SessionTarget(f.session)
	}
	if f.wake != "" {
		in.WakeMode = cron.WakeMode(f.wake)
	}
	if f.announce || f.channel != "" || f.to != "" {
		d := &cron.Delivery{Mode: cron.DeliveryAnnounce, Channel: f.channel, To: f.to}
		if f.bestEffort {
			be := true
			d.BestEffort = &be
		}
		in.Delivery = d
	}
	if f.disabled {
		enabled := false
		in.Enabled = &enabled
	}
	return in, nil
}

func setCronEnabled(cmd *cobra.Command, id string, enabled bool) error {
	patch := cron.JobPatch{Enabled: &enabled}
	var job cron.Job
	err := withCron(cmd,
		func(s *scheduler.Service) (err error) {
			job, err = s.Update(cmd.Context(), id, patch)
			return err
		},
		func(c *gatewayClient) error {
			return c.call(cmd.Context(), "cron.update", map[string]any{"id": id, "patch": patch}, &job)
		})
	if err != nil {
		return err
	}
	state := "disabled"
	if job.Enabled {
		state = "enabled, next run " + formatNextRun(job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, state)
	return nil
}

// withCron runs local against the cron store, or remote through the gateway
// when a running gateway holds the store lock.
func withCron(cmd *cobra.Command, local func(*scheduler.Service) error, remote func(*gatewayClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	schedCfg, err := scheduler.ConfigFrom(config.ResolveCron(cfg.Cron))
	if err != nil {
		return err
	}
	svc := scheduler.New(schedCfg, scheduler.Deps{})
	err = svc.Open()
	switch {
	case err == nil:
		defer func() { _ = svc.Close() }()
		return local(svc)
	case errors.Is(err, scheduler.ErrStoreLocked):
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		c, derr := dialGateway(ctx, cfg)
		if derr != nil {
			return fmt.Errorf("cron store is locked by a running gateway, and it could not be reached: %w", derr)
		}
		defer c.Close()
		return remote(c)
	default:
		return err
	}
}

func formatNextRun(j cron.Job) string {
	if j.State.NextRunAtMs == 0 {
		return "-"
	}
	return cron.FormatISO(time.UnixMilli(j.State.NextRunAtMs))
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleAt:
		return "at " + s.At
	case cron.ScheduleCron:
		if s.TZ != "" {
			return "cron " + s.Expr + " (" + s.TZ + ")"
		}
		return "cron " + s.Expr
	}
	return string(s.Kind)
}

func printJobs(cmd *cobra.Command, jobs []cron.Job) {
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No cron jobs.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tTARGET\tENABLED\tNEXT\tLAST")
	for _, j := range jobs {
		last := "-"
		if j.State.LastStatus != "" {
			last = string(j.State.LastStatus)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			j.ID, j.Name, describeSchedule(j.Schedule), j.SessionTarget, j.Enabled, formatNextRun(j), last)
	}
	_ = tw.Flush()
}
