package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coderelay/agentd/internal/api"
	"github.com/coderelay/agentd/pkg/models"
)

func buildRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage autonomous spec-driven runs",
	}
	cmd.AddCommand(
		buildRunsCreateCmd(),
		buildRunsListCmd(),
		buildRunsShowCmd(),
		buildRunsEventsCmd(),
		buildRunsApproveCmd(),
		buildRunsCancelCmd(),
		buildRunsExportCmd(),
	)
	return cmd
}

func buildRunsCreateCmd() *cobra.Command {
	var workspacePath, specPath string
	var follow bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run and start executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := filepath.Abs(workspacePath)
			if err != nil {
				return err
			}
			spec, err := filepath.Abs(specPath)
			if err != nil {
				return err
			}
			var resp api.CreateRunResponse
			req := api.CreateRunRequest{WorkspacePath: ws, SpecPath: spec}
			if err := client().postJSON(cmd.Context(), "/v1/runs", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.RunID)
			if follow {
				return tailEvents(cmd, "/v1/runs/"+resp.RunID+"/events")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", ".", "Workspace directory")
	cmd.Flags().StringVarP(&specPath, "spec", "s", "", "Path to spec.md")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Tail the run's event stream")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func buildRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []models.Run
			if err := client().getJSON(cmd.Context(), "/v1/runs", &runs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tWORKSPACE")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					run.ID, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"), run.WorkspacePath)
			}
			return w.Flush()
		},
	}
}

func buildRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's head state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run models.Run
			if err := client().getJSON(cmd.Context(), "/v1/runs/"+args[0], &run); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", run.ID)
			fmt.Fprintf(out, "Status:    %s\n", run.Status)
			fmt.Fprintf(out, "Workspace: %s\n", run.WorkspacePath)
			fmt.Fprintf(out, "Spec:      %s\n", run.SpecPath)
			if run.ModelCanonical != "" {
				fmt.Fprintf(out, "Model:     %s\n", run.ModelCanonical)
			}
			if run.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", run.Error)
			}
			if len(run.Steps) > 0 {
				fmt.Fprintln(out, "Steps:")
				for _, step := range run.Steps {
					marker := " "
					if step.NeedsApproval {
						marker = "!"
					}
					fmt.Fprintf(out, "  %s [%s] %s (%s)\n", marker, step.Status, step.Title, step.ID)
				}
			}
			return nil
		},
	}
}

func buildRunsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Tail a run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd, "/v1/runs/"+args[0]+"/events")
		},
	}
}

func buildRunsApproveCmd() *cobra.Command {
	var stepID, reason string
	var deny bool
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Resolve a run's pending step approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "approve"
			if deny {
				action = "deny"
			}
			req := api.RunApproveRequest{StepID: stepID, Action: action, Reason: reason}
			return client().postJSON(cmd.Context(), "/v1/runs/"+args[0]+"/approve", req, nil)
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "Step id awaiting approval")
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func buildRunsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().postJSON(cmd.Context(), "/v1/runs/"+args[0]+"/cancel", nil, nil)
		},
	}
}

func buildRunsExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Download a run's log, events, and artifacts as a zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".zip"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := client().download(cmd.Context(), "/v1/runs/"+args[0]+"/export", f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <run-id>.zip)")
	return cmd
}

// tailEvents prints each SSE payload as one JSON line until the stream
// closes or the user interrupts.
func tailEvents(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()
	return client().stream(cmd.Context(), path, func(data []byte) {
		fmt.Fprintln(out, string(data))
	})
}
