package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coderelay/agentd/internal/api"
	"github.com/coderelay/agentd/pkg/models"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage interactive agent sessions",
	}
	cmd.AddCommand(
		buildSessionsCreateCmd(),
		buildSessionsListCmd(),
		buildSessionsShowCmd(),
		buildSessionsSendCmd(),
		buildSessionsEventsCmd(),
		buildSessionsApproveCmd(),
		buildSessionsCancelCmd(),
		buildSessionsModeCmd(),
		buildSessionsRetryCmd(),
		buildSessionsAttachCmd(),
		buildSessionsExportCmd(),
	)
	return cmd
}

func buildSessionsCreateCmd() *cobra.Command {
	var workspacePath, mode, specPath, systemPrompt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := filepath.Abs(workspacePath)
			if err != nil {
				return err
			}
			req := api.CreateSessionRequest{
				WorkspacePath: ws,
				SystemPrompt:  systemPrompt,
				Mode:          mode,
				SpecPath:      specPath,
			}
			var resp api.CreateSessionResponse
			if err := client().postJSON(cmd.Context(), "/v1/sessions", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.SessionID)
			if resp.SpecPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "spec: %s\n", resp.SpecPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", ".", "Workspace directory")
	cmd.Flags().StringVarP(&mode, "mode", "m", "chat", "Session mode: chat or spec")
	cmd.Flags().StringVar(&specPath, "spec-path", "", "Spec file for spec mode (defaults per session)")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Extra system prompt")
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []models.Session
			if err := client().getJSON(cmd.Context(), "/v1/sessions", &sessions); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tMESSAGES\tWORKSPACE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Status, s.Mode, len(s.Messages), s.WorkspacePath)
			}
			return w.Flush()
		},
	}
}

func buildSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's head state and transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s models.Session
			if err := client().getJSON(cmd.Context(), "/v1/sessions/"+args[0], &s); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", s.ID)
			fmt.Fprintf(out, "Status:    %s\n", s.Status)
			fmt.Fprintf(out, "Mode:      %s\n", s.Mode)
			fmt.Fprintf(out, "Workspace: %s\n", s.WorkspacePath)
			if s.SpecPath != "" {
				fmt.Fprintf(out, "Spec:      %s\n", s.SpecPath)
			}
			if s.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", s.Error)
			}
			for _, msg := range s.Messages {
				text := strings.TrimSpace(msg.Text())
				if text == "" {
					continue
				}
				fmt.Fprintf(out, "\n[%s]\n%s\n", msg.Role, text)
			}
			return nil
		},
	}
}

func buildSessionsSendCmd() *cobra.Command {
	var noRun, follow bool
	cmd := &cobra.Command{
		Use:   "send <session-id> <text>",
		Short: "Send a user message and start a turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.AddMessageRequest{
				Role:    "user",
				Parts:   []api.MessagePartRequest{{Type: "text", Text: args[1]}},
				AutoRun: !noRun,
			}
			var resp api.AddMessageResponse
			if err := client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/messages", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.TurnID)
			if follow {
				return tailEvents(cmd, "/v1/sessions/"+args[0]+"/events")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noRun, "no-run", false, "Append the message without starting a turn")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Tail the session's event stream")
	return cmd
}

func buildSessionsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <session-id>",
		Short: "Tail a session's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailEvents(cmd, "/v1/sessions/"+args[0]+"/events")
		},
	}
}

func buildSessionsApproveCmd() *cobra.Command {
	var toolCallID, reason string
	var deny bool
	cmd := &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Resolve a session's pending tool approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "approve"
			if deny {
				action = "deny"
			}
			req := api.SessionApproveRequest{ToolCallID: toolCallID, Action: action, Reason: reason}
			return client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/approve", req, nil)
		},
	}
	cmd.Flags().StringVar(&toolCallID, "call", "", "Tool call id awaiting approval")
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the decision")
	_ = cmd.MarkFlagRequired("call")
	return cmd
}

func buildSessionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session's running turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/cancel", nil, nil)
		},
	}
}

func buildSessionsModeCmd() *cobra.Command {
	var specPath string
	cmd := &cobra.Command{
		Use:   "mode <session-id> <chat|spec>",
		Short: "Switch a session between chat and spec mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateSessionModeRequest{Mode: args[1], SpecPath: specPath}
			var resp api.UpdateSessionModeResponse
			if err := client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/mode", req, &resp); err != nil {
				return err
			}
			if resp.SpecPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "spec: %s\n", resp.SpecPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec-path", "", "Spec file for spec mode")
	return cmd
}

func buildSessionsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <session-id> <turn-id>",
		Short: "Re-run a failed turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/turns/"+args[1]+"/retry", nil, nil)
		},
	}
}

func buildSessionsAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id> <file>",
		Short: "Upload an attachment and print its ref",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			req := api.AttachmentUploadRequest{
				Name:          filepath.Base(args[1]),
				MimeType:      mime.TypeByExtension(filepath.Ext(args[1])),
				ContentBase64: base64.StdEncoding.EncodeToString(b),
			}
			var resp api.AttachmentUploadResponse
			if err := client().postJSON(cmd.Context(), "/v1/sessions/"+args[0]+"/attachments", req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Ref)
			return nil
		},
	}
}

func buildSessionsExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Download a session's transcript, events, and artifacts as a zip",
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
			if err := client().download(cmd.Context(), "/v1/sessions/"+args[0]+"/export", f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <session-id>.zip)")
	return cmd
}
