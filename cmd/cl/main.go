package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cashline/internal/adapters/whatsapp"
	"cashline/internal/ai"
	"cashline/internal/app"
	"cashline/internal/approvals"
	"cashline/internal/config"
	"cashline/internal/db"
	"cashline/internal/domain"
	"cashline/internal/executor"
	"cashline/internal/migrate"
	"cashline/internal/planner"
	"cashline/internal/pricing"
	"cashline/internal/repo"
	"cashline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Cashline CLI",
	Long: `Cashline plans, gates and executes the operational tasks that move a
real-estate project towards its cash collection target.

- Workspace: your .cashline directory holding the SQLite database.
- Project: one real-estate project owning units, leads, tokens and tasks.
- Plan run: reads live state (inventory, leads, receipts, cash target) and
  synthesizes tasks; an optional AI pass can propose extras, always merged
  after the deterministic rules.
- Risk gates: LOW tasks are runnable immediately; MEDIUM and HIGH wait for a
  human approval. Without an eligible approver they park in
  UNASSIGNED_APPROVAL rather than slipping through.
- Pricing: unit price breakdowns, payment schedules and EMI options.
- Event log: diary of changes, view with 'cl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(priceCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project (kept in the DB, dropped from planning)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateProject(ctx, args[0], "archived", nil); err != nil {
					return err
				}
				fmt.Printf("Archived project %s\n", args[0])
				return nil
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deleting cascades to units, leads, tasks and events; pass --force to confirm")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users and approver roles"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userShowCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var id, email, name, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user (OWNER and PROJECT_ADMIN can approve tasks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					ID: id, Email: email, Name: name, Role: strings.ToUpper(role),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when omitted)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "AGENT", "OWNER, PROJECT_ADMIN or AGENT")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the secret is printed once and never stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, actorID); err != nil {
					return fmt.Errorf("actor %s: %w", actorID, err)
				}
				secret := "cl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				k := domain.APIKey{
					ID: uuid.NewString(), ActorID: actorID, Name: name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("Created key %s for %s:\n%s\n", k.ID, actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "user the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label, e.g. ci or crm-sync")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "City", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.City, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, city string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = id
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.Project{
					ID: id, Name: name, City: city, Status: "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, id, config.Default(id)); err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&city, "city", "", "city")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, _ *config.Config) error {
				p, err := r.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigExportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, cfg *config.Config) error {
				return printJSONOrIndent(cfg)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, _ *config.Config) error {
				if cfg.Project.ID == "" {
					cfg.Project.ID = projectID
				}
				if err := r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				return printJSONOrIndent(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print a default YAML config for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			fmt.Print(config.GenerateDefault(projectID))
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo data (project, units, lead, cash target)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projectID, err := app.SeedDemo(ctx, r, time.Now)
				if err != nil {
					return err
				}
				fmt.Printf("Seeded demo project %s\n", projectID)
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Generate tasks from project state"}
	plan.AddCommand(planRunCmd())
	return plan
}

func planRunCmd() *cobra.Command {
	var useAI bool
	var cashFlow, targetAmount float64
	var targetDate string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a planning pass and persist the resulting tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, cfg *config.Config) error {
				pl := planner.New(r.DB, cfg, time.Now)
				if useAI {
					pl.Proposer = ai.NewFromKey(os.Getenv("CASHLINE_OPENAI_API_KEY"))
				}
				pctx, err := pl.BuildContext(ctx, projectID)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("cash-flow") {
					pctx.CurrentCashFlow = cashFlow
				}
				if cmd.Flags().Changed("target") {
					pctx.TargetAmount = targetAmount
				}
				if targetDate != "" {
					ts, perr := time.Parse(time.RFC3339, targetDate)
					if perr != nil {
						return fmt.Errorf("invalid --target-date: %w", perr)
					}
					pctx.TargetDate = ts
				}
				created, err := pl.Run(ctx, pctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Risk", "Status", "Approver"})
				for _, c := range created {
					tw.AppendRow(table.Row{c.Task.ID, c.Task.ActionType, c.Task.RiskLevel, c.Task.Status, c.ApproverID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&useAI, "ai", false, "include AI task proposals (needs CASHLINE_OPENAI_API_KEY)")
	cmd.Flags().Float64Var(&cashFlow, "cash-flow", 0, "override current cash flow")
	cmd.Flags().Float64Var(&targetAmount, "target", 0, "override cash target amount")
	cmd.Flags().StringVar(&targetDate, "target-date", "", "override cash target date (RFC3339)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var status, actionType, riskLevel string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, _ *config.Config) error {
				tasks, err := r.ListTasks(ctx, repo.TaskFilters{
					ProjectID:  projectID,
					Status:     status,
					ActionType: actionType,
					RiskLevel:  riskLevel,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Risk", "Status", "Impact", "Reason"})
				for _, t := range tasks {
					impact := ""
					if t.CashImpactDelta != nil {
						impact = fmt.Sprintf("%.0f", *t.CashImpactDelta)
					}
					tw.AppendRow(table.Row{t.ID, t.ActionType, t.RiskLevel, t.Status, impact, t.ReasonShort})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&actionType, "action", "", "action type filter")
	cmd.Flags().StringVar(&riskLevel, "risk", "", "risk level filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				appr, err := r.ApprovalsForTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"task": t, "approvals": appr})
			})
		},
	}
}

func approvalCmd() *cobra.Command {
	appr := &cobra.Command{Use: "approval", Short: "Review and decide gated tasks"}
	appr.AddCommand(approvalListCmd())
	appr.AddCommand(approvalDecideCmd())
	appr.AddCommand(approvalSimulateCmd())
	return appr
}

func approvalListCmd() *cobra.Command {
	var approverID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals, riskiest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, _ *config.Config) error {
				m := approvals.New(r.DB, time.Now)
				queue, err := m.Pending(ctx, approverID, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(queue)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Approval", "Task", "Action", "Risk", "Impact", "Requested"})
				for _, q := range queue {
					impact := ""
					if q.Task.CashImpactDelta != nil {
						impact = fmt.Sprintf("%.0f", *q.Task.CashImpactDelta)
					}
					tw.AppendRow(table.Row{q.Approval.ID, q.Task.ID, q.Task.ActionType, q.Task.RiskLevel, impact, q.Approval.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&approverID, "approver", "", "filter by approver id")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var approverID, decision, note string
	cmd := &cobra.Command{
		Use:   "decide <task-id>",
		Short: "Approve or reject a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approverID == "" {
				approverID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m := approvals.New(r.DB, time.Now)
				task, err := m.Process(ctx, approvals.Decision{
					TaskID:     args[0],
					ApproverID: approverID,
					Decision:   strings.ToUpper(decision),
					Note:       note,
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(task)
			})
		},
	}
	cmd.Flags().StringVar(&approverID, "approver", "", "approver user id (defaults to --actor-id)")
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVED or REJECTED")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func approvalSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <task-id>",
		Short: "Preview cash impact and risk before deciding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m := approvals.New(r.DB, time.Now)
				sim, err := m.SimulateImpact(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sim)
				}
				fmt.Printf("Cash impact: %.0f\n", sim.CashImpact)
				fmt.Printf("Risk: %s\n", sim.RiskAssessment)
				for _, rec := range sim.Recommendations {
					fmt.Printf("  - %s\n", rec)
				}
				return nil
			})
		},
		Args: cobra.ExactArgs(1),
	}
}

func priceCmd() *cobra.Command {
	price := &cobra.Command{Use: "price", Short: "Unit pricing, payment schedules and EMI"}
	price.AddCommand(priceQuoteCmd())
	price.AddCommand(priceScheduleCmd())
	price.AddCommand(priceEMICmd())
	return price
}

func pricingFlags(cmd *cobra.Command, in *pricing.Input) {
	cmd.Flags().Float64Var(&in.BasePrice, "base-price", 0, "base price")
	cmd.Flags().Float64Var(&in.CarpetArea, "carpet-area", 0, "carpet area (sqft)")
	cmd.Flags().Float64Var(&in.FloorRise, "floor-rise", 0, "floor rise per sqft")
	cmd.Flags().IntVar(&in.Parking, "parking", 0, "parking slots")
	cmd.Flags().Float64Var(&in.DiscountPercent, "discount", 0, "discount percent")
	_ = cmd.MarkFlagRequired("base-price")
	_ = cmd.MarkFlagRequired("carpet-area")
}

func priceQuoteCmd() *cobra.Command {
	var in pricing.Input
	var loanPct float64
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Full quote: breakdown, schedule and EMI options",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := pricing.CalculateComplete(in, loanPct)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Component", "Amount"})
			b := res.Breakdown
			for _, row := range [][2]any{
				{"Base price", b.BasePrice},
				{"PLC charges", b.PLCCharges},
				{"Floor rise", b.FloorRiseCharges},
				{"Parking", b.ParkingCharges},
				{"Discount", -b.Discount},
				{"GST", b.GST},
				{"Stamp duty", b.StampDuty},
				{"Registration", b.RegistrationFee},
				{"Total", b.TotalAmount},
			} {
				tw.AppendRow(table.Row{row[0], fmt.Sprintf("%.2f", row[1])})
			}
			tw.Render()
			fmt.Printf("Loan amount (%.0f%%): %.0f\n", loanPct, res.LoanAmount)
			return nil
		},
	}
	pricingFlags(cmd, &in)
	cmd.Flags().Float64Var(&loanPct, "loan-pct", 80, "loan percentage of total")
	return cmd
}

func priceScheduleCmd() *cobra.Command {
	var in pricing.Input
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Milestone payment schedule for a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			breakdown, err := pricing.CalculateBreakdown(in)
			if err != nil {
				return err
			}
			schedule := pricing.GeneratePaymentSchedule(breakdown.TotalAmount, nil)
			if viper.GetBool("json") {
				return printJSON(schedule)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Milestone", "%", "Amount"})
			for _, item := range schedule {
				tw.AppendRow(table.Row{item.Milestone, item.Percentage, fmt.Sprintf("%.0f", item.Amount)})
			}
			tw.Render()
			return nil
		},
	}
	pricingFlags(cmd, &in)
	return cmd
}

func priceEMICmd() *cobra.Command {
	var loanAmount float64
	cmd := &cobra.Command{
		Use:   "emi",
		Short: "EMI options across standard rates and tenures",
		RunE: func(cmd *cobra.Command, args []string) error {
			if loanAmount <= 0 {
				return fmt.Errorf("--loan-amount must be positive")
			}
			options := pricing.CalculateEMIOptions(loanAmount, nil, nil)
			if viper.GetBool("json") {
				return printJSON(options)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Rate", "Tenure (y)", "EMI", "Total interest"})
			for _, o := range options {
				tw.AppendRow(table.Row{o.InterestRate, o.TenureYears, fmt.Sprintf("%.0f", o.MonthlyEMI), fmt.Sprintf("%.0f", o.TotalInterest)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Float64Var(&loanAmount, "loan-amount", 0, "loan principal")
	_ = cmd.MarkFlagRequired("loan-amount")
	return cmd
}

func execCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "exec <task-id>",
		Short: "Execute a LOW risk task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := executor.New(r.DB, &whatsapp.Stub{}, baseURL, time.Now)
				res, err := e.Execute(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "public base URL for deal links")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, r repo.Repo, projectID string, _ *config.Config) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, baseURL string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CASHLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("CASHLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DB:       conn,
				Cfg:      cfg,
				BasePath: basePath,
				BaseURL:  baseURL,
				Auth:     authCfg,
				Proposer: ai.NewFromKey(os.Getenv("CASHLINE_OPENAI_API_KEY")),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Cashline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "public base URL for deal links")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withProject(ctx context.Context, fn func(context.Context, repo.Repo, string, *config.Config) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
		if err != nil {
			return err
		}
		return fn(ctx, r, projectID, cfg)
	})
}

func printJSONOrIndent(v any) error {
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
