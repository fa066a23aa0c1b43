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

	"payline/internal/alloc"
	"payline/internal/app"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
	"payline/internal/scheduler"
	"payline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Payline CLI",
	Long: `Payline escrows budgets and releases funds through approval-gated milestones.
Core concepts:
- Workspace: your .payline directory holding the database; payline.yml configures fees and templates.
- Split plans: reusable payout rule sets in basis points; drafts are editable, active plans are frozen.
- Budget pools: escrow containers that go draft -> funded -> active and end depleted, expired or cancelled.
- Milestones: approval-gated release units; creating one reserves its amount, approving and releasing pays it out.
- Allocations: at release the pool's split plan turns the amount into per-recipient payouts, fees first.
- Event log: diary of every money movement, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: wrote %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is the rulebook: default currency, fee rates in basis points, system split plan templates per product type, and webhook endpoints.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage split plans",
		Long:  "Split plans define who gets paid what share of a release, in basis points. Drafts are editable; activating freezes the rules and requires pool shares to sum to 10000.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planGetCmd())
	plan.AddCommand(planActivateCmd())
	plan.AddCommand(planArchiveCmd())
	plan.AddCommand(planDeleteCmd())
	plan.AddCommand(planTemplateCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var name, description, productType, rulesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a split plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rules []domain.SplitRule
			if rulesJSON != "" {
				if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
					return fmt.Errorf("--rules-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Plans.Create(ctx, engine.PlanCreateOptions{
					Name:        name,
					Description: description,
					ProductType: productType,
					Rules:       rules,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&productType, "product-type", "service", "product type")
	cmd.Flags().StringVar(&rulesJSON, "rules-json", "", "split rules JSON array")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planListCmd() *cobra.Command {
	var f repo.PlanFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List split plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plans, err := e.Plans.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Product", "Status", "Rules", "Version"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Name, p.ProductType, p.Status, len(p.Rules), p.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ProductType, "product-type", "", "product type filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func planGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get split plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Plans.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate split plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Plans.Activate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive split plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Plans.Archive(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft split plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Plans.Delete(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func planTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <product-type>",
		Short: "Show default system template for a product type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Plans.DefaultTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func poolCmd() *cobra.Command {
	pool := &cobra.Command{
		Use:   "pool",
		Short: "Manage budget pools",
		Long:  "Budget pools hold escrowed funds. Create one, fund it, attach milestones; funds move available -> reserved -> released and the totals always balance.",
	}
	pool.AddCommand(poolCreateCmd())
	pool.AddCommand(poolListCmd())
	pool.AddCommand(poolGetCmd())
	pool.AddCommand(poolFundCmd())
	pool.AddCommand(poolStatsCmd())
	pool.AddCommand(poolCancelCmd())
	return pool
}

func poolCreateCmd() *cobra.Command {
	var opts engine.PoolCreateOptions
	var participants []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create budget pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			for _, p := range participants {
				actor, role, ok := strings.Cut(p, ":")
				if !ok {
					return fmt.Errorf("participant %q must be actor:role", p)
				}
				opts.Participants = append(opts.Participants, domain.PoolParticipant{ActorID: actor, Role: role})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Ledger.CreatePool(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "pool name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency (defaults to config)")
	cmd.Flags().Int64Var(&opts.TotalBudget, "total-budget", 0, "total budget in minor units")
	cmd.Flags().StringVar(&opts.FundingSource, "funding-source", "", "funding source (wallet, payment, credit)")
	cmd.Flags().StringVar(&opts.SplitPlanID, "split-plan", "", "active split plan id")
	cmd.Flags().StringVar(&opts.ExpiresAt, "expires-at", "", "expiry (RFC3339)")
	cmd.Flags().StringVar(&opts.Ref.Kind, "ref-kind", "", "reference kind (task, order)")
	cmd.Flags().StringVar(&opts.Ref.ID, "ref-id", "", "reference id")
	cmd.Flags().StringArrayVar(&participants, "participant", []string{}, "participant as actor:role (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("total-budget")
	return cmd
}

func poolListCmd() *cobra.Command {
	var f repo.PoolFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budget pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pools, err := e.Ledger.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pools)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Total", "Funded", "Reserved", "Released", "Available"})
				for _, p := range pools {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.TotalBudget, p.FundedAmount, p.ReservedAmount, p.ReleasedAmount, p.Available()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.RefKind, "ref-kind", "", "reference kind filter")
	cmd.Flags().StringVar(&f.RefID, "ref-id", "", "reference id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func poolGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get budget pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func poolFundCmd() *cobra.Command {
	var amount int64
	var idempotencyKey string
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Fund budget pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Ledger.Fund(ctx, engine.FundOptions{
					PoolID:         args[0],
					Amount:         amount,
					IdempotencyKey: idempotencyKey,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for safe retries")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func poolStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show pool balances and milestone progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Ledger.Stats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func poolCancelCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel budget pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Ledger.Cancel(ctx, engine.CancelOptions{
					PoolID:  args[0],
					Confirm: confirm,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm cancellation outside the revoke window")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones gate fund releases: pending -> in_progress -> pending_review -> approved -> released, or rejected (which refunds the reservation).",
	}
	ms.AddCommand(milestoneCreateCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneGetCmd())
	ms.AddCommand(milestoneStartCmd())
	ms.AddCommand(milestoneSubmitCmd())
	ms.AddCommand(milestoneApproveCmd())
	ms.AddCommand(milestoneRejectCmd())
	ms.AddCommand(milestoneReleaseCmd())
	return ms
}

func milestoneCreateCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	var gateThreshold int
	var gateOperator string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create milestone (reserves its amount)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("gate-threshold") {
				opts.QualityGate = &domain.QualityGate{Threshold: gateThreshold, Operator: gateOperator}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PoolID, "pool", "", "budget pool id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "milestone name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&opts.ApprovalType, "approval", "manual", "approval type (manual, auto, quality_gate)")
	cmd.Flags().IntVar(&gateThreshold, "gate-threshold", 0, "quality gate threshold")
	cmd.Flags().StringVar(&gateOperator, "gate-operator", ">=", "quality gate operator")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().IntVar(&opts.SortOrder, "sort-order", 0, "ordering hint")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	var f repo.MilestoneFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Milestones.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Reserved", "Released", "Approval"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.ReservedAmount, m.ReleasedAmount, m.ApprovalType})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PoolID, "pool", "", "budget pool id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func milestoneGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start milestone work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Start(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var artifactsJSON string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit milestone for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var artifacts []domain.Artifact
			if artifactsJSON != "" {
				if err := json.Unmarshal([]byte(artifactsJSON), &artifacts); err != nil {
					return fmt.Errorf("--artifacts-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Submit(ctx, engine.SubmitOptions{
					ID:        args[0],
					Artifacts: artifacts,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&artifactsJSON, "artifacts-json", "", "artifacts JSON array")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	var note string
	var score int
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scorePtr *int
			if cmd.Flags().Changed("score") {
				scorePtr = &score
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Approve(ctx, engine.ApproveOptions{
					ID:      args[0],
					Note:    note,
					Score:   scorePtr,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note")
	cmd.Flags().IntVar(&score, "score", 0, "quality score (for quality_gate approval)")
	return cmd
}

func milestoneRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject milestone (refunds the reservation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Reject(ctx, engine.RejectOptions{
					ID:      args[0],
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func milestoneReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release funds for an approved milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.Milestones.Release(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func previewCmd() *cobra.Command {
	var gross int64
	var currency, planID string
	var usesOnramp, usesOfframp, usesSplit bool
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview fee and allocation breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var plan *domain.SplitPlan
				if planID != "" {
					p, err := e.Plans.Get(ctx, planID)
					if err != nil {
						return err
					}
					plan = &p
				}
				if currency == "" {
					currency = e.Config.Service.Currency
				}
				res, err := alloc.Preview(gross, currency, plan, alloc.Flags{
					UsesOnramp:  usesOnramp,
					UsesOfframp: usesOfframp,
					UsesSplit:   usesSplit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().Int64Var(&gross, "gross", 0, "gross amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "currency")
	cmd.Flags().StringVar(&planID, "split-plan", "", "split plan id")
	cmd.Flags().BoolVar(&usesOnramp, "onramp", false, "include onramp fee")
	cmd.Flags().BoolVar(&usesOfframp, "offramp", false, "include offramp fee")
	cmd.Flags().BoolVar(&usesSplit, "split", false, "apply split plan allocations")
	_ = cmd.MarkFlagRequired("gross")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every money movement and lifecycle change, newest first.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var poolID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, poolID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&poolID, "pool", "", "pool filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if basePath == "" {
				basePath = cfg.Service.BasePath
			}
			e := engine.New(conn, cfg)
			if err := app.EnsureSystemTemplates(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PAYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PAYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(cmd.Context(), server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			sweepInterval := time.Duration(cfg.Service.ExpirySweepSecs) * time.Second
			go scheduler.New(e, sweepInterval).Run(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Payline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := app.EnsureSystemTemplates(ctx, e.Repo, cfg); err != nil {
		return err
	}
	return fn(ctx, e)
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
