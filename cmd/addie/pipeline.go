package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"addie/internal/domain"
	"addie/internal/engine"
)

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Drive the pipeline",
		Long:  "Runs execute the phases in order and stop at the first gate that does not pass. A failing develop gate opens an exception and blocks the run until it is resolved.",
	}
	r.AddCommand(runStartCmd())
	r.AddCommand(runResumeCmd())
	r.AddCommand(runCancelCmd())
	r.AddCommand(runRetryCmd())
	return r
}

func runStartCmd() *cobra.Command {
	var opts engine.StartRunOptions
	cmd := &cobra.Command{
		Use:   "start [project-id]",
		Short: "Start (or replay) a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = projectID
				opts.RequestedBy = viper.GetString("actor-id")
				if opts.IdempotencyKey == "" {
					opts.IdempotencyKey = engine.SynthesizeKey("auto", projectID, time.Now())
				}
				res, err := e.StartRun(ctx, opts)
				if err != nil {
					return err
				}
				return printRunResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key (synthesized when empty)")
	cmd.Flags().StringVar(&opts.StartPhase, "start-phase", "", "first phase to execute")
	cmd.Flags().BoolVar(&opts.SkipCompleted, "skip-completed", false, "skip phases whose gate already passed")
	return cmd
}

func runResumeCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "resume [project-id]",
		Short: "Resume a run after its exceptions are closed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if key == "" {
					key = engine.SynthesizeKey("resume", projectID, time.Now())
				}
				res, err := e.ResumeRun(ctx, projectID, key, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRunResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (synthesized when empty)")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [project-id]",
		Short: "Cancel the active run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CancelRun(ctx, projectID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: project %s is %s\n", res.Status, res.ProjectID, res.RunState)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func runRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <phase> [project-id]",
		Short: "Re-execute a single phase",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args[1:])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RetryStage(ctx, projectID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRunResult(res)
			})
		},
	}
	return cmd
}

func printRunResult(res engine.RunResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("%s: project %s run %s (attempt %d) %s", res.Status, res.ProjectID, res.RunID, res.RunAttempt, res.RunState)
	if res.Phase != "" {
		fmt.Printf(" at %s", res.Phase)
	}
	fmt.Println()
	if res.ErrorCode != "" {
		fmt.Printf("  %s: %s\n", res.ErrorCode, res.Message)
	}
	if res.ExceptionID != "" {
		fmt.Printf("  exception %s awaits review\n", res.ExceptionID)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show run state and per-phase gate results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetRunStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Project: %s\nRun: %s (attempt %d, key %s)\nState: %s at %s\nAutonomous: %t\nOpen exceptions: %d\n",
					view.ProjectID, view.RunID, view.RunAttempt, view.IdempotencyKey, view.RunState, view.CurrentPhase, view.AutonomousMode, view.OpenExceptions)
				if view.LastErrorCode != "" {
					fmt.Printf("Last error: %s %s\n", view.LastErrorCode, view.LastErrorMsg)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Gate", "Confidence", "Risk", "Failed Checks"})
				for _, rec := range view.Phases {
					tw.AppendRow(table.Row{rec.Phase, rec.Status, rec.GateResult, score(rec.ConfidenceScore), score(rec.RiskScore), failedChecks(rec.QualityChecks)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func score(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func failedChecks(checks []domain.QualityCheck) int {
	n := 0
	for _, c := range checks {
		if !c.Passed {
			n++
		}
	}
	return n
}

func metricsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "metrics [project-id]",
		Short: "List per-phase run metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMetrics(ctx, projectID, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Phase", "Status", "Duration (ms)", "Retries", "Quality"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.RunID, m.Phase, m.Status, m.DurationMS, m.RetryCount, score(m.QualityScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run filter")
	return cmd
}

func exceptionsCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exceptions", Short: "Review pipeline exceptions"}
	ex.AddCommand(exceptionsListCmd())
	ex.AddCommand(exceptionsResolveCmd())
	return ex
}

func exceptionsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list [project-id]",
		Short: "List exceptions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExceptions(ctx, projectID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Reason", "Priority", "Risk", "Status", "Due"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.Phase, x.ReasonCode, x.Priority, fmt.Sprintf("%.2f", x.RiskScore), x.Status, x.DueAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter: open, resolved, rejected or overridden")
	return cmd
}

func exceptionsResolveCmd() *cobra.Command {
	var opts engine.ResolveOptions
	cmd := &cobra.Command{
		Use:   "resolve <exception-id> [project-id]",
		Short: "Close an open exception",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args[1:])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = projectID
				opts.ExceptionID = args[0]
				opts.ResolvedBy = viper.GetString("actor-id")
				x, err := e.ResolveException(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(x)
				}
				fmt.Printf("exception %s %s by %s\n", x.ID, x.Status, x.ResolvedBy)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Action, "action", "resolve", "resolve, reject or override")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "resolution notes")
	return cmd
}

func rolloutCmd() *cobra.Command {
	var opts engine.RolloutOptions
	var guardrails string
	cmd := &cobra.Command{
		Use:   "rollout [project-id]",
		Short: "Update autonomy rollout controls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			if guardrails != "" {
				if err := json.Unmarshal([]byte(guardrails), &opts.Guardrails); err != nil {
					return fmt.Errorf("invalid --guardrails JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = projectID
				opts.UpdatedBy = viper.GetString("actor-id")
				res, err := e.UpdateRolloutControls(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("project %s autonomous=%t (mode %s, kill switch %t)\n",
					res.ProjectID, res.AutonomousMode, res.RolloutControls.Mode, res.RolloutControls.KillSwitch)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", "autonomous", "rollout mode")
	cmd.Flags().BoolVar(&opts.KillSwitch, "kill-switch", false, "disable autonomous execution")
	cmd.Flags().StringVar(&guardrails, "guardrails", "", "guardrails as a JSON object")
	return cmd
}

func eventsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "events [project-id]",
		Short: "Show the audit event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, projectID, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Run", "Actor"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.RunID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run filter")
	return cmd
}
