package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"operaflow/internal/app"
	"operaflow/internal/config"
	"operaflow/internal/domain"
	"operaflow/internal/engine"
	"operaflow/internal/repo"
	"operaflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "opf",
	Short: "Operaflow planning CLI",
	Long: `Operaflow plans work as a task tree and assigns resources to it.
- Tasks: a hierarchy of work items with dates, effort and milestones.
- Assignments: resources bound to tasks; substitutions go through provisional requests that a manager approves or rejects.
- Conflicts: overallocation, absences and competence gaps found by 'opf conflict detect'.
- Contracts: unit-priced contracts are declared into planning as an umbrella task with one milestone per financial lot.
- Event log: every change, view with 'opf log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// A missing .env is fine.
	_ = godotenv.Load()
	viper.SetEnvPrefix("OPERAFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor performing the action")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON")
	rootCmd.PersistentFlags().Int("busy-timeout-ms", 5000, "sqlite busy timeout")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-json", "busy-timeout-ms"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(provisionalCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(realizationCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- tasks ---

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task tree operations",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskUpdateCmd())
	cmd.AddCommand(taskMoveCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskTreeCmd())
	cmd.AddCommand(taskCheckCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.TaskType, "type", "", "task type")
	cmd.Flags().StringVar(&opts.SiteID, "site", "", "site id")
	cmd.Flags().StringVar(&opts.RequiredCompetence, "competence", "", "required competence")
	cmd.Flags().StringVar(&opts.PlannedStart, "start", "", "planned start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.PlannedEnd, "end", "", "planned end (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&opts.PlannedHours, "hours", 0, "planned hours")
	cmd.Flags().BoolVar(&opts.IsMilestone, "milestone", false, "mark as milestone")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var milestone string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if milestone != "" {
					v := milestone == "true"
					f.Milestone = &v
				}
				tasks, err := e.Repo.ListTasks(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Level", "Status", "Start", "End", "Hours", "Resources"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Level, t.Status, t.PlannedStart, t.PlannedEnd, t.PlannedHours, strings.Join(t.AssignedResourceIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "assigned resource filter")
	cmd.Flags().StringVar(&milestone, "milestone", "", "true or false")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, competence, start, end, actualStart, actualEnd string
	var plannedHours, actualHours float64
	var progress, version int
	var milestone, force bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ID:              args[0],
					ExpectedVersion: version,
					Force:           force,
					ActorID:         viper.GetString("actor-id"),
				}
				flags := cmd.Flags()
				if flags.Changed("title") {
					opts.Title = &title
				}
				if flags.Changed("description") {
					opts.Description = &description
				}
				if flags.Changed("status") {
					opts.Status = &status
				}
				if flags.Changed("competence") {
					opts.RequiredCompetence = &competence
				}
				if flags.Changed("start") {
					opts.PlannedStart = &start
				}
				if flags.Changed("end") {
					opts.PlannedEnd = &end
				}
				if flags.Changed("actual-start") {
					opts.ActualStart = &actualStart
				}
				if flags.Changed("actual-end") {
					opts.ActualEnd = &actualEnd
				}
				if flags.Changed("hours") {
					opts.PlannedHours = &plannedHours
				}
				if flags.Changed("actual-hours") {
					opts.ActualHours = &actualHours
				}
				if flags.Changed("progress") {
					opts.Progress = &progress
				}
				if flags.Changed("milestone") {
					opts.IsMilestone = &milestone
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&competence, "competence", "", "required competence")
	cmd.Flags().StringVar(&start, "start", "", "planned start")
	cmd.Flags().StringVar(&end, "end", "", "planned end")
	cmd.Flags().StringVar(&actualStart, "actual-start", "", "actual start")
	cmd.Flags().StringVar(&actualEnd, "actual-end", "", "actual end")
	cmd.Flags().Float64Var(&plannedHours, "hours", 0, "planned hours")
	cmd.Flags().Float64Var(&actualHours, "actual-hours", 0, "actual hours")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percent")
	cmd.Flags().BoolVar(&milestone, "milestone", false, "milestone flag")
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().BoolVar(&force, "force", false, "allow leaving a terminal status")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	var parent string
	var index int
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Re-parent or reorder a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MoveTask(ctx, engine.TaskMoveOptions{
					ID:          args[0],
					NewParentID: parent,
					NewIndex:    index,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent id (empty for root)")
	cmd.Flags().IntVar(&index, "index", 0, "position among siblings")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.DeleteTask(ctx, args[0], cascade, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": ids})
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "delete the whole subtree")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					tasks, err := e.Tree(ctx, root)
					if err != nil {
						return err
					}
					return printJSON(tasks)
				}
				base := -1
				for t, err := range e.Walk(ctx, root) {
					if err != nil {
						return err
					}
					if base < 0 {
						base = t.Level
					}
					printTaskLine(t, t.Level-base)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "subtree root id")
	return cmd
}

func taskCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify tree invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				problems, err := e.CheckTree(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": len(problems) == 0, "problems": problems})
				}
				if len(problems) == 0 {
					fmt.Println("tree ok")
					return nil
				}
				for _, p := range problems {
					fmt.Println(p)
				}
				return fmt.Errorf("%d tree problems", len(problems))
			})
		},
	}
}

// --- assignments ---

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Confirmed assignments",
	}
	cmd.AddCommand(assignCreateCmd())
	cmd.AddCommand(assignListCmd())
	cmd.AddCommand(assignRemoveCmd())
	return cmd
}

func assignCreateCmd() *cobra.Command {
	var opts engine.AssignOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a resource to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				a, err := e.AssignResource(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role (defaults to the resource's primary role)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "start date")
	cmd.Flags().StringVar(&opts.End, "end", "", "end date")
	cmd.Flags().Float64Var(&opts.Hours, "hours", 0, "hours")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func assignListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.Repo.ListAssignments(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Resource", "Role", "Start", "End", "Hours", "Provenance"})
				for _, a := range list {
					tw.AppendRow(table.Row{a.ID, a.TaskID, a.ResourceID, a.Role, a.Start, a.End, a.Hours, a.Provenance})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	cmd.Flags().StringVar(&f.Provenance, "provenance", "", "manual or automatic")
	return cmd
}

func assignRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveAssignment(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": args[0]})
			})
		},
	}
}

// --- provisional assignments ---

func provisionalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provisional",
		Short: "Substitution requests awaiting a decision",
	}
	cmd.AddCommand(provisionalRequestCmd())
	cmd.AddCommand(provisionalListCmd())
	cmd.AddCommand(provisionalDecideCmd())
	cmd.AddCommand(provisionalExpireCmd())
	return cmd
}

func provisionalRequestCmd() *cobra.Command {
	var req engine.ProvisionalRequest
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a substitution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req.RequesterID = viper.GetString("actor-id")
				p, err := e.RequestProvisionalAssignment(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&req.ResourceID, "resource", "", "substitute resource id")
	cmd.Flags().StringVar(&req.ActingRole, "role", "", "role the resource acts in")
	cmd.Flags().StringVar(&req.Start, "start", "", "start date")
	cmd.Flags().StringVar(&req.End, "end", "", "end date")
	cmd.Flags().Float64Var(&req.Hours, "hours", 0, "hours (defaults to task planned hours)")
	cmd.Flags().StringVar(&req.RuleID, "rule", "", "substitution rule id")
	cmd.Flags().StringVar(&req.ExpiresAt, "expires-at", "", "expiry (RFC3339, defaults to configured TTL)")
	for _, name := range []string{"task", "resource", "role", "start", "end", "rule"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func provisionalListCmd() *cobra.Command {
	var f repo.ProvisionalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provisional assignments, highest penalty first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.Repo.ListProvisional(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Resource", "Role", "Start", "End", "Penalty", "Status", "Expires"})
				for _, p := range list {
					tw.AppendRow(table.Row{p.ID, p.TaskID, p.ResourceID, p.ActingRole, p.Start, p.End, p.PenaltyScore, p.Status, p.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	return cmd
}

func provisionalDecideCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Decide(ctx, args[0], approve, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the request")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the request")
	return cmd
}

func provisionalExpireCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue pending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.ExpireOverdue(ctx, now)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"expired": ids})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC3339, defaults to now)")
	return cmd
}

// --- substitution rules ---

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Substitution rules",
	}
	cmd.AddCommand(ruleCreateCmd())
	cmd.AddCommand(ruleListCmd())
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var rule domain.SubstitutionRule
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a substitution rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.CreateSubstitutionRule(ctx, rule, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&rule.ID, "id", "", "rule id (generated when empty)")
	cmd.Flags().StringVar(&rule.Description, "description", "", "description")
	cmd.Flags().IntVar(&rule.MaxDays, "max-days", 0, "maximum substitution length in days")
	cmd.Flags().StringVar(&rule.SourceRole, "source-role", "", "primary role of the substitute (empty matches any)")
	cmd.Flags().StringVar(&rule.TargetRole, "target-role", "", "role being covered (empty matches any)")
	cmd.Flags().Float64Var(&rule.Cost, "cost", 0, "base penalty cost")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("max-days")
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List substitution rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.Repo.ListRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Max days", "Source", "Target", "Cost"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.ID, r.Description, r.MaxDays, r.SourceRole, r.TargetRole, r.Cost})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- conflicts ---

func conflictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflict",
		Short: "Resource conflicts",
	}
	cmd.AddCommand(conflictDetectCmd())
	cmd.AddCommand(conflictListCmd())
	cmd.AddCommand(conflictResolveCmd("resolve", true))
	cmd.AddCommand(conflictResolveCmd("reopen", false))
	return cmd
}

func conflictDetectCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect conflicts as of a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now()
			if asOf != "" {
				t, err := domain.ParseDate(asOf)
				if err != nil {
					return err
				}
				day = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.DetectConflicts(ctx, day)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("as of %s: %d open, %d new, %d updated, %d cleared\n", rep.AsOf, len(rep.Conflicts), rep.Created, rep.Updated, rep.Cleared)
				printConflicts(rep.Conflicts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference date (YYYY-MM-DD, defaults to today)")
	return cmd
}

func conflictListCmd() *cobra.Command {
	var f repo.ConflictFilters
	var resolved string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if resolved != "" {
					v := resolved == "true"
					f.Resolved = &v
				}
				list, err := e.Repo.ListConflicts(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				printConflicts(list)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&resolved, "resolved", "", "true or false")
	return cmd
}

func conflictResolveCmd(use string, resolved bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				var (
					c   domain.ResourceConflict
					err error
				)
				if resolved {
					c, err = e.ResolveConflict(ctx, args[0], actorID)
				} else {
					c, err = e.ReopenConflict(ctx, args[0], actorID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func printConflicts(list []domain.ResourceConflict) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Resource", "Task", "Type", "Severity", "Resolved"})
	for _, c := range list {
		tw.AppendRow(table.Row{c.ID, c.ResourceID, c.TaskID, c.Type, c.Severity, c.Resolved})
	}
	tw.Render()
}

// --- contracts ---

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Unit-priced contracts",
	}
	cmd.AddCommand(contractShowCmd())
	cmd.AddCommand(contractDeclareCmd())
	cmd.AddCommand(contractSummaryCmd())
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract and its lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContract(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contractDeclareCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "declare <id>",
		Short: "Declare a contract into planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.DeclareIntoPlanning(ctx, args[0], start, end, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("contract %s validated, umbrella task %s (%.1fh)\n", d.Contract.ID, d.Umbrella.ID, d.Umbrella.PlannedHours)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Milestone", "Title", "Due"})
				for _, m := range d.Milestones {
					tw.AppendRow(table.Row{m.ID, m.Title, m.PlannedEnd})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "planning start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "planning end (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func contractSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <id>",
		Short: "Fill and completion rates of the umbrella task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UmbrellaSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func realizationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realization",
		Short: "Execution realized against tasks",
	}
	cmd.AddCommand(realizationRecordCmd())
	return cmd
}

func realizationRecordCmd() *cobra.Command {
	var taskID, amount string
	var hours float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record realized hours and amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt := decimal.Zero
			if amount != "" {
				v, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
				amt = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rz, err := e.RecordRealization(ctx, engine.RealizationOptions{
					TaskID:  taskID,
					Hours:   hours,
					Amount:  amt,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rz)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().Float64Var(&hours, "hours", 0, "realized hours")
	cmd.Flags().StringVar(&amount, "amount", "", "realized amount")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// --- directory ---

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Resources, absences and contracts",
	}
	cmd.AddCommand(directoryImportCmd())
	return cmd
}

func directoryImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML directory file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			d, err := engine.ParseDirectory(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.ImportDirectory(ctx, d, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace policy (operaflow.yml)",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default operaflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

// --- event log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.Repo.LatestEventsFrom(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range list {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API, the change stream websocket and /metrics. Reads OPERAFLOW_* variables (JWT_SECRET, DEV_AUTH, ADDR, BASE_PATH, EXPIRY_INTERVAL, DETECT_INTERVAL).",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServeEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				env.Addr = addr
			}
			if env.JWTSecret == "" {
				return errors.New("OPERAFLOW_JWT_SECRET is required for bearer auth")
			}
			level := env.LogLevel
			if cmd.Flags().Changed("log-level") {
				level = viper.GetString("log-level")
			}
			actx, err := app.Open(app.Options{
				Workspace:     viper.GetString("workspace"),
				BusyTimeoutMS: viper.GetInt("busy-timeout-ms"),
				LogLevel:      level,
				LogJSON:       viper.GetBool("log-json"),
			})
			if err != nil {
				return err
			}
			defer actx.Close()
			log := actx.Log

			handler, err := server.New(server.Config{
				Engine:         actx.Engine,
				BasePath:       env.BasePath,
				Auth:           server.AuthConfig{JWTSecret: env.JWTSecret, DevAuth: env.DevAuth, Logger: log},
				Log:            log,
				AllowedOrigins: env.AllowedOrigins,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartSweepers(ctx, actx.Engine, server.SweepConfig{
				ExpiryInterval: env.ExpiryInterval,
				DetectInterval: env.DetectInterval,
			}, log)
			server.StartWebhookDispatcher(ctx, actx.Engine, log)

			srv := &http.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := srv.Shutdown(sctx); err != nil {
					log.WithError(err).Warn("shutdown")
				}
			}()
			log.WithField("addr", env.Addr).Infof("serving operaflow API at %s (OpenAPI at /openapi.json, docs at /docs)", env.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides OPERAFLOW_ADDR)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	actx, err := app.Open(app.Options{
		Workspace:     viper.GetString("workspace"),
		BusyTimeoutMS: viper.GetInt("busy-timeout-ms"),
		LogLevel:      viper.GetString("log-level"),
		LogJSON:       viper.GetBool("log-json"),
	})
	if err != nil {
		return err
	}
	defer actx.Close()
	return fn(ctx, actx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskLine(t domain.Task, depth int) {
	if depth < 0 {
		depth = 0
	}
	marker := "-"
	switch {
	case t.IsUmbrella:
		marker = "#"
	case t.IsMilestone:
		marker = "*"
	}
	fmt.Printf("%s%s %s [%s] %s\n", strings.Repeat("  ", depth), marker, t.Title, t.Status, t.ID)
}
