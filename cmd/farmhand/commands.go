package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/dispatch"
	"github.com/acurioustractor/farmhand/heartbeat"
	"github.com/acurioustractor/farmhand/internal/version"
	"github.com/acurioustractor/farmhand/task"
	"github.com/acurioustractor/farmhand/update"
)

type clientFunc func() *Client

// --- version / update ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "farmhand", version.String())
		},
	}
}

func updateCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update farmhand to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := update.New(version.Version)
			rel, err := u.Latest(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rel == nil {
				fmt.Fprintln(out, "already up to date")
				return nil
			}
			if checkOnly {
				fmt.Fprintf(out, "update available: %s\n", rel.Tag)
				return nil
			}
			if err := u.Install(cmd.Context(), rel); err != nil {
				return err
			}
			fmt.Fprintf(out, "updated to %s\n", rel.Tag)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update exists")
	return cmd
}

// --- auth ---

func loginCmd(client clientFunc) *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange admin credentials for a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Token     string    `json:"token"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			body := map[string]string{"username": user, "password": password}
			if err := client().post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "admin user")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	return cmd
}

// --- status ---

func statusCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st struct {
				Status     string         `json:"status"`
				Version    string         `json:"version"`
				Uptime     string         `json:"uptime"`
				Tasks      map[string]int `json:"tasks"`
				Agents     int            `json:"agents"`
				IdleAgents int            `json:"idle_agents"`
			}
			if err := client().get(cmd.Context(), "/api/status", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:  %s\n", st.Status)
			fmt.Fprintf(out, "version: %s\n", st.Version)
			fmt.Fprintf(out, "uptime:  %s\n", st.Uptime)
			fmt.Fprintf(out, "agents:  %d (%d idle)\n", st.Agents, st.IdleAgents)
			for _, s := range []task.Status{task.StatusQueued, task.StatusAssigned, task.StatusWorking, task.StatusReview, task.StatusDone, task.StatusFailed} {
				fmt.Fprintf(out, "  %-9s %d\n", s, st.Tasks[string(s)])
			}
			return nil
		},
	}
}

// --- agents ---

func agentsCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []agent.Info
			if err := client().get(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "no agents")
				return nil
			}
			fmt.Fprintf(out, "%-16s %-20s %-9s %-8s %s\n", "ID", "NAME", "STATUS", "AUTONOMY", "TAGS")
			fmt.Fprintln(out, strings.Repeat("-", 72))
			for _, a := range agents {
				fmt.Fprintf(out, "%-16s %-20s %-9s %-8d %s\n",
					a.ID, truncate(a.Name, 19), a.Status, a.AutonomyLevel, strings.Join(a.CapabilityTags, ","))
			}
			return nil
		},
	}
}

func agentCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Enable or disable an agent",
	}
	for _, action := range []string{"enable", "disable"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var info agent.Info
				if err := client().post(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/"+action, nil, &info); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "agent %s %s\n", info.ID, info.Status)
				return nil
			},
		})
	}
	return cmd
}

// --- tasks ---

func tasksCmd(client clientFunc) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []task.Task
			if err := client().get(cmd.Context(), path, &tasks); err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to list")
	return cmd
}

func reviewsCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reviews",
		Short: "List tasks waiting for a review decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tasks []task.Task
			if err := client().get(cmd.Context(), "/api/reviews", &tasks); err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func printTasks(out io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return
	}
	fmt.Fprintf(out, "%-36s %-30s %-12s %-9s %s\n", "ID", "TITLE", "TYPE", "STATUS", "AGENT")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, t := range tasks {
		fmt.Fprintf(out, "%-36s %-30s %-12s %-9s %s\n",
			t.ID, truncate(t.Title, 29), truncate(t.TaskType, 11), t.Status, t.AssignedAgent)
	}
}

func taskCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create or inspect a task",
	}
	cmd.AddCommand(taskCreateCmd(client), taskShowCmd(client), taskAuditCmd(client))
	return cmd
}

func taskCreateCmd(client clientFunc) *cobra.Command {
	var req dispatch.Request
	cmd := &cobra.Command{
		Use:   "create <request text>",
		Short: "Submit a request for classification and queueing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Content = strings.Join(args, " ")
			req.Source = "cli"
			var t task.Task
			if err := client().post(cmd.Context(), "/api/tasks", req, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %s (%s, priority %d)\n", t.ID, t.TaskType, t.Priority)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Title, "title", "", "task title (default: first line of the request)")
	f.IntVar(&req.Urgency, "urgency", 0, "urgency hint, 1 (urgent) to 4 (low)")
	f.StringSliceVar(&req.DependsOn, "depends-on", nil, "IDs of tasks that must finish first")
	f.StringVar(&req.EstimatedEffort, "effort", "", "effort estimate, e.g. 2h or 3d")
	f.StringSliceVar(&req.Labels, "label", nil, "labels, e.g. critical or milestone")
	f.StringVar(&req.RequestedBy, "requested-by", "", "who asked for the work")
	return cmd
}

func taskShowCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := client().get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0]), &t); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
}

func taskAuditCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show a task's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []task.AuditEntry
			if err := client().get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/audit", &entries); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				from := string(e.From)
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(out, "%s  %-9s -> %-9s %-20s %s\n",
					e.CreatedAt.Local().Format(time.DateTime), from, e.To, e.Actor, e.Detail)
			}
			return nil
		},
	}
}

// --- review decisions ---

func approveCmd(client clientFunc) *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, client, args[0], "approve", map[string]any{"reviewer": reviewer})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name (default: the authenticated user)")
	return cmd
}

func rejectCmd(client clientFunc) *cobra.Command {
	var reviewer, feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a task in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, client, args[0], "reject", map[string]any{"reviewer": reviewer, "feedback": feedback})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name (default: the authenticated user)")
	cmd.Flags().StringVarP(&feedback, "feedback", "m", "", "why the work was rejected")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func modifyCmd(client clientFunc) *cobra.Command {
	var reviewer, output, file string
	cmd := &cobra.Command{
		Use:   "modify <id>",
		Short: "Replace a task's output and send it back to its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(output)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = b
			}
			if !json.Valid(raw) {
				// plain text becomes a JSON string
				raw, _ = json.Marshal(string(raw))
			}
			return decide(cmd, client, args[0], "modify", map[string]any{"reviewer": reviewer, "output": json.RawMessage(raw)})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name (default: the authenticated user)")
	cmd.Flags().StringVar(&output, "output", "", "replacement output, JSON or plain text")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the replacement output from a file")
	cmd.MarkFlagsOneRequired("output", "file")
	cmd.MarkFlagsMutuallyExclusive("output", "file")
	return cmd
}

func decide(cmd *cobra.Command, client clientFunc, id, action string, body map[string]any) error {
	var t task.Task
	if err := client().post(cmd.Context(), "/api/tasks/"+url.PathEscape(id)+"/"+action, body, &t); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "task %s is %s\n", t.ID, t.Status)
	return nil
}

// --- heartbeat ---

func tickCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a heartbeat tick now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r heartbeat.TickReport
			if err := client().post(cmd.Context(), "/api/heartbeat", nil, &r); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ranked %d, assigned %d, skipped %d, escalated %d, refreshed %d\n",
				r.Ranked, len(r.Assigned), r.Skipped, len(r.Escalated), r.Refreshed)
			for _, a := range r.Assigned {
				fmt.Fprintf(out, "  %s -> %s\n", a.TaskID, a.AgentID)
			}
			return nil
		},
	}
}

// --- helpers ---

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
