package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coderelay/agentd/internal/api"
	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/provider"
)

func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the daemon's providers offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Models []provider.ModelRecord `json:"models"`
				Policy config.ModelPolicy     `json:"policy"`
			}
			if err := client().getJSON(cmd.Context(), "/v1/models", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOLS\tVISION\tCOST/MTOK")
			for _, m := range resp.Models {
				fmt.Fprintf(w, "%s\t%v\t%v\t%.2f\n", m.ID, m.SupportsTools, m.SupportsVision, m.CostPerMTokUSD)
			}
			return w.Flush()
		},
	}
	return cmd
}

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or change the model policy",
	}
	cmd.AddCommand(buildPolicyGetCmd(), buildPolicySetCmd())
	return cmd
}

func buildPolicyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the active model policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			var policy config.ModelPolicy
			if err := client().getJSON(cmd.Context(), "/v1/model-policy", &policy); err != nil {
				return err
			}
			printPolicy(cmd, policy)
			return nil
		},
	}
}

func buildPolicySetCmd() *cobra.Command {
	var maxCost float64
	var requireTools, requireVision bool
	var preferred []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the model policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := config.ModelPolicy{
				RequireTools:    requireTools,
				RequireVision:   requireVision,
				MaxCostUSD:      maxCost,
				PreferredModels: preferred,
			}
			if err := client().postJSON(cmd.Context(), "/v1/model-policy", policy, &policy); err != nil {
				return err
			}
			printPolicy(cmd, policy)
			return nil
		},
	}
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Max cost per 1K tokens in USD (0 = no cap)")
	cmd.Flags().BoolVar(&requireTools, "require-tools", false, "Only resolve models that support tool calls")
	cmd.Flags().BoolVar(&requireVision, "require-vision", false, "Only resolve models that support images")
	cmd.Flags().StringSliceVar(&preferred, "prefer", nil, "Preferred models in order (id, provider model id, or provider/ prefix)")
	return cmd
}

func printPolicy(cmd *cobra.Command, policy config.ModelPolicy) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "require_tools:    %v\n", policy.RequireTools)
	fmt.Fprintf(out, "require_vision:   %v\n", policy.RequireVision)
	fmt.Fprintf(out, "max_cost_usd:     %.4f\n", policy.MaxCostUSD)
	fmt.Fprintf(out, "preferred_models: %s\n", strings.Join(policy.PreferredModels, ", "))
}

func buildSpecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spec",
		Short: "Spec authoring helpers",
	}
	cmd.AddCommand(buildSpecGenerateCmd())
	return cmd
}

func buildSpecGenerateCmd() *cobra.Command {
	var workspacePath, name, prompt string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft a spec.md from a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := filepath.Abs(workspacePath)
			if err != nil {
				return err
			}
			req := api.GenerateSpecRequest{
				WorkspacePath: ws,
				SpecName:      name,
				Prompt:        prompt,
				Overwrite:     overwrite,
			}
			var resp api.GenerateSpecResponse
			if err := client().postJSON(cmd.Context(), "/v1/specs/generate", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.SpecPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", ".", "Workspace directory")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Spec name (directory under specs/)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "What the spec should describe")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing spec file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
