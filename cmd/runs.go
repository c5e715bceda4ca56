package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"portalbridge/internal/model"
	"portalbridge/internal/store"
)

const dateFlagLayout = "2006-01-02"

func parseDateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateFlagLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return t, nil
}

// execute runs runID in this process and maps the outcome to the exit code.
func execute(ctx context.Context, rt *runtime, runID string, resume bool) error {
	stop := rt.browser.CloseOnSignal(ctx)
	defer stop()

	r, err := rt.engine.Execute(ctx, runID, resume)
	if r != nil {
		formatRun(os.Stdout, r)
	}
	if err != nil {
		return err
	}
	switch r.Status {
	case model.RunStatusFailed:
		return fmt.Errorf("run %s failed: %s", r.ID, r.ErrorMessage)
	case model.RunStatusCanceled:
		return fmt.Errorf("run %s was canceled: %s", r.ID, r.ErrorMessage)
	}
	return nil
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract records in a service date range from the source portal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		from, err := parseDateFlag(cmd, "from")
		if err != nil {
			return err
		}
		to, err := parseDateFlag(cmd, "to")
		if err != nil {
			return err
		}
		rt, err := openRuntime(ctx, cfg, needs{browser: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		r, err := rt.engine.StartExtraction(ctx, from, to)
		if err != nil {
			return err
		}
		return execute(ctx, rt, r.ID, false)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit extracted records to their target portals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ids, _ := cmd.Flags().GetStringSlice("record")
		draft, _ := cmd.Flags().GetBool("draft")
		leaveOpen, _ := cmd.Flags().GetBool("leave-open")

		rt, err := openRuntime(ctx, cfg, needs{browser: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		r, err := rt.engine.StartSubmission(ctx, ids, draft, leaveOpen)
		if err != nil {
			return err
		}
		return execute(ctx, rt, r.ID, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Re-execute the unfinished records of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, needs{browser: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		return execute(cmd.Context(), rt, args[0], true)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, needs{})
		if err != nil {
			return err
		}
		defer rt.Close()
		r, err := rt.engine.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatRun(os.Stdout, r)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, needs{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.engine.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		rt.log.LogSuccessf("run %s deleted", args[0])
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		rt, err := openRuntime(cmd.Context(), cfg, needs{})
		if err != nil {
			return err
		}
		defer rt.Close()
		runs, err := rt.engine.List(cmd.Context(), store.RunFilter{
			Status: model.RunStatus(status),
			Kind:   model.RunKind(kind),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			rt.log.LogInfo("no runs found")
			return nil
		}
		formatRuns(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its step log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cfg, needs{})
		if err != nil {
			return err
		}
		defer rt.Close()
		r, err := rt.engine.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		steps, err := rt.engine.Steps(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatRun(os.Stdout, r)
		formatSteps(os.Stdout, steps)
		return nil
	},
}

func init() {
	extractCmd.Flags().String("from", "", "first service date (YYYY-MM-DD)")
	extractCmd.Flags().String("to", "", "last service date (YYYY-MM-DD)")

	submitCmd.Flags().StringSlice("record", nil, "record id to submit (repeatable); all pending when omitted")
	submitCmd.Flags().Bool("draft", false, "save as draft instead of submitting")
	submitCmd.Flags().Bool("leave-open", false, "leave the portal session open after a successful run")

	runsListCmd.Flags().String("status", "", "filter by status")
	runsListCmd.Flags().String("kind", "", "filter by kind (extraction, submission)")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(extractCmd, submitCmd, resumeCmd, cancelCmd, deleteCmd, runsCmd)
}
