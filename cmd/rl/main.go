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
	"gopkg.in/yaml.v3"

	"readyline/internal/app"
	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/migrate"
	"readyline/internal/pipeline"
	"readyline/internal/repo"
	"readyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Readyline CLI",
	Long: `Readyline activates pre-defined response plans with a readiness gate.
Core concepts:
- Org: the organization that owns plans, rosters, scenarios, and playbooks.
- Plan: the pre-authored task list an activation executes against.
- Roster: members with roles and planned leave; readiness checks staffing.
- Readiness: a 0-100 score plus warnings; only blocking warnings refuse activation.
- Activation: the durable record of one run, with a fixed 12-minute deadline.
- Pipeline steps: external sync, documents, notifications, budget unlocks.
  Each is isolated, audited, and unable to sink the activation once it started.
- Event log: the append-only audit trail; view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("READYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(scenarioCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(activationsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keysCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the organization"}
	org.AddCommand(orgCreateCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an org with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveOrgAndConfig(ctx, id, r)
				if err != nil {
					return err
				}
				if name != "" {
					cfg.Org.Name = name
					if err := r.UpsertOrgConfig(ctx, id, cfg); err != nil {
						return err
					}
				}
				o, err := r.GetOrg(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "org display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Org configuration"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import readyline.yml into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.FromFile(file)
				if err != nil {
					return err
				}
				orgID, _, err := app.ResolveOrgAndConfig(ctx, orgFlagOr(cfg.Org.ID), r)
				if err != nil {
					return err
				}
				if err := r.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
					return err
				}
				fmt.Println("config imported for org", orgID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file path")
	_ = importCmd.MarkFlagRequired("file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				return printJSONOrTable(p.Config)
			})
		},
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default readyline.yml to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(orgFlagOr("default-org")))
			return nil
		},
	}
	cfgCmd.AddCommand(importCmd, showCmd, initCmd)
	return cfgCmd
}

// --- plan ---

type planImport struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tasks       []struct {
		ID        string `yaml:"id"`
		Title     string `yaml:"title"`
		Role      string `yaml:"role"`
		Minutes   int    `yaml:"minutes"`
		DependsOn []struct {
			On   string `yaml:"on"`
			Type string `yaml:"type"`
		} `yaml:"depends_on"`
	} `yaml:"tasks"`
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage response plans"}
	plan.AddCommand(planImportCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planShowCmd())
	return plan
}

func planImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a plan definition from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var def planImport
				if err := yaml.Unmarshal(data, &def); err != nil {
					return fmt.Errorf("invalid plan yaml: %w", err)
				}
				if def.ID == "" || def.Name == "" {
					return errors.New("plan id and name are required")
				}
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := p.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := p.Repo.InsertPlan(ctx, tx, domain.Plan{
					ID:          def.ID,
					OrgID:       p.Config.Org.ID,
					Name:        def.Name,
					Description: def.Description,
					Status:      "active",
					CreatedAt:   now,
				}); err != nil {
					return err
				}
				for i, t := range def.Tasks {
					task := domain.PlanTask{ID: t.ID, PlanID: def.ID, Title: t.Title, SortOrder: i}
					if t.Role != "" {
						role := t.Role
						task.RequiredRole = &role
					}
					if t.Minutes > 0 {
						m := t.Minutes
						task.EstimatedMinutes = &m
					}
					if err := p.Repo.InsertPlanTask(ctx, tx, task); err != nil {
						return err
					}
				}
				for _, t := range def.Tasks {
					for _, d := range t.DependsOn {
						if err := p.Repo.InsertTaskDependency(ctx, tx, domain.TaskDependency{
							TaskID: t.ID, DependsOn: d.On, Type: d.Type,
						}); err != nil {
							return err
						}
					}
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("plan %s imported with %d task(s)\n", def.ID, len(def.Tasks))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "plan yaml file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				items, err := p.Repo.ListPlans(ctx, p.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, pl := range items {
					tw.AppendRow(table.Row{pl.ID, pl.Name, pl.Status, pl.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with tasks and dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				plan, err := p.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := p.Repo.ListPlanTasks(ctx, args[0])
				if err != nil {
					return err
				}
				deps, err := p.Repo.ListTaskDependencies(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"plan": plan, "tasks": tasks, "dependencies": deps})
			})
		},
	}
}

// --- roster ---

func rosterCmd() *cobra.Command {
	roster := &cobra.Command{Use: "roster", Short: "Manage members, roles, and leave"}
	roster.AddCommand(rosterAddCmd())
	roster.AddCommand(rosterLeaveCmd())
	return roster
}

func rosterAddCmd() *cobra.Command {
	var id, name, email string
	var roles []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member with roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				if id == "" {
					id = uuid.New().String()
				}
				m := domain.Member{ID: id, OrgID: p.Config.Org.ID, Name: name, Email: email, Roles: roles}
				if err := p.Repo.InsertMember(ctx, nil, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "member id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "member name")
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles held by the member")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func rosterLeaveCmd() *cobra.Command {
	var member, from, until string
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Record a planned leave interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				for _, ts := range []string{from, until} {
					if _, err := time.Parse(time.RFC3339, ts); err != nil {
						return fmt.Errorf("timestamps must be RFC3339: %w", err)
					}
				}
				l := domain.LeaveInterval{MemberID: member, From: from, Until: until}
				if err := p.Repo.AddLeave(ctx, l); err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().StringVar(&from, "from", "", "leave start (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "leave end (RFC3339)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

// --- scenario ---

func scenarioCmd() *cobra.Command {
	scenario := &cobra.Command{Use: "scenario", Short: "Manage scenarios and stakeholders"}
	var id, name, desc string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				if id == "" {
					id = uuid.New().String()
				}
				s := domain.Scenario{
					ID: id, OrgID: p.Config.Org.ID, Name: name, Description: desc,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := p.Repo.InsertScenario(ctx, nil, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "scenario id (generated if empty)")
	createCmd.Flags().StringVar(&name, "name", "", "scenario name")
	createCmd.Flags().StringVar(&desc, "description", "", "description")
	_ = createCmd.MarkFlagRequired("name")

	var scenarioID, shName, shRole, contact string
	stakeholderCmd := &cobra.Command{
		Use:   "stakeholder",
		Short: "Add a stakeholder to a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				s := domain.Stakeholder{ID: uuid.New().String(), ScenarioID: scenarioID, Name: shName, Role: shRole}
				if contact != "" {
					s.Contact = &contact
				}
				if err := p.Repo.InsertStakeholder(ctx, nil, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	stakeholderCmd.Flags().StringVar(&scenarioID, "scenario", "", "scenario id")
	stakeholderCmd.Flags().StringVar(&shName, "name", "", "stakeholder name")
	stakeholderCmd.Flags().StringVar(&shRole, "role", "", "stakeholder role")
	stakeholderCmd.Flags().StringVar(&contact, "contact", "", "contact address")
	_ = stakeholderCmd.MarkFlagRequired("scenario")
	_ = stakeholderCmd.MarkFlagRequired("name")

	scenario.AddCommand(createCmd, stakeholderCmd)
	return scenario
}

// --- playbook ---

func playbookCmd() *cobra.Command {
	playbook := &cobra.Command{Use: "playbook", Short: "Manage playbooks and budgets"}
	var id, name, desc string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				if id == "" {
					id = uuid.New().String()
				}
				pb := domain.Playbook{
					ID: id, OrgID: p.Config.Org.ID, Name: name, Description: desc,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := p.Repo.InsertPlaybook(ctx, nil, pb); err != nil {
					return err
				}
				return printJSONOrTable(pb)
			})
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "playbook id (generated if empty)")
	createCmd.Flags().StringVar(&name, "name", "", "playbook name")
	createCmd.Flags().StringVar(&desc, "description", "", "description")
	_ = createCmd.MarkFlagRequired("name")

	var playbookID, category string
	var amount float64
	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Set a pre-approved budget for a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				b := domain.PlaybookBudget{PlaybookID: playbookID, Category: category, Amount: amount}
				if err := p.Repo.SetPlaybookBudget(ctx, b); err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	budgetCmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id")
	budgetCmd.Flags().StringVar(&category, "category", "", "budget category")
	budgetCmd.Flags().Float64Var(&amount, "amount", 0, "pre-approved amount")
	_ = budgetCmd.MarkFlagRequired("playbook")
	_ = budgetCmd.MarkFlagRequired("category")

	playbook.AddCommand(createCmd, budgetCmd)
	return playbook
}

// --- readiness ---

func readinessCmd() *cobra.Command {
	var planID, at string
	var snapshot bool
	cmd := &cobra.Command{
		Use:   "readiness",
		Short: "Evaluate activation readiness for a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				var proposed *time.Time
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("--at must be RFC3339: %w", err)
					}
					proposed = &t
				}
				res, err := p.Evaluator.Evaluate(ctx, planID, p.Config.Org.ID, proposed)
				if err != nil {
					return err
				}
				if snapshot {
					if _, err := p.Evaluator.SaveSnapshot(ctx, planID, p.Config.Org.ID, res); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Score: %d  Can proceed: %v  Estimated completion: %dm\n",
					res.Score, res.CanProceed, res.EstimatedCompletionMinutes)
				if len(res.Warnings) == 0 {
					fmt.Println("No warnings.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Category", "Title", "Suggested action"})
				for _, w := range res.Warnings {
					tw.AppendRow(table.Row{w.Severity, w.Category, w.Title, w.SuggestedAction})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&at, "at", "", "proposed start time (RFC3339, default now)")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "persist a readiness snapshot")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

// --- activate / complete / status ---

func activateCmd() *cobra.Command {
	var planID, playbookID, scenarioID, syncPlatform string
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a response plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				res, err := p.Activate(ctx, pipeline.Request{
					OrgID:         p.Config.Org.ID,
					ScenarioID:    scenarioID,
					PlanID:        planID,
					PlaybookID:    playbookID,
					TriggeredBy:   viper.GetString("actor-id"),
					SyncPlatform:  syncPlatform,
					SkipPreflight: skipPreflight,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Success {
					fmt.Println("activation refused:")
					for _, e := range res.Errors {
						fmt.Println("  -", e)
					}
					return nil
				}
				fmt.Printf("activation %s started; deadline %s\n", res.Activation.ID, res.Activation.DeadlineAt)
				fmt.Printf("documents=%d stakeholders=%d synced_tasks=%d budget=%.2f\n",
					res.DocumentsGenerated, res.StakeholdersNotified, res.SyncedTasks, res.BudgetUnlocked)
				for _, e := range res.Errors {
					fmt.Println("warning:", e)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id")
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "scenario id")
	cmd.Flags().StringVar(&syncPlatform, "sync", "", "external sync platform (jira|linear|asana)")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "skip the readiness gate")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("playbook")
	return cmd
}

func completeCmd() *cobra.Command {
	var outcome, notes string
	cmd := &cobra.Command{
		Use:   "complete <activation-id>",
		Short: "Record the outcome of an activation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				act, err := p.Complete(ctx, args[0], outcome, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "successful|partially_successful|failed")
	cmd.Flags().StringVar(&notes, "notes", "", "closing notes")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <activation-id>",
		Short: "Show the full record set for an activation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				view, err := p.Status(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("activation not found")
						return nil
					}
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func activationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activations",
		Short: "List activations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				items, err := p.Repo.ListActivations(ctx, p.Config.Org.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Plan", "Status", "Outcome", "Started", "Deadline"})
				for _, a := range items {
					outcome := ""
					if a.Outcome != nil {
						outcome = *a.Outcome
					}
					tw.AppendRow(table.Row{a.ID, a.PlanID, a.Status, outcome, a.StartedAt, a.DeadlineAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	var after int64
	var limit int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				items, err := p.Repo.EventsAfter(ctx, limit, after, p.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "OK", "ms", "Activation"})
				for _, e := range items {
					activation := ""
					if e.ActivationID != nil {
						activation = *e.ActivationID
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Success, e.DurationMs, activation})
				}
				tw.Render()
				return nil
			})
		},
	}
	tailCmd.Flags().Int64Var(&after, "after", 0, "start after event id")
	tailCmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	logRoot.AddCommand(tailCmd)
	return logRoot
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline.Pipeline) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("READYLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("READYLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Pipeline: p, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Println("listening on", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- keys ---

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "API key management"}
	var name string
	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	mintCmd.Flags().StringVar(&name, "name", "", "key label")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	keys.AddCommand(mintCmd, listCmd)
	return keys
}

// --- helpers ---

func withPipeline(ctx context.Context, fn func(context.Context, pipeline.Pipeline) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	return fn(ctx, pipeline.New(conn, cfg))
}

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

func orgFlagOr(fallback string) string {
	if v := viper.GetString("org"); v != "" {
		return v
	}
	return fallback
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
