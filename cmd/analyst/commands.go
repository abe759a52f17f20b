// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnalyst/pkg/ux"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

const (
	defaultServerURL = "http://localhost:12210"
	serverEnv        = "ANALYST_URL"
	apiKeyEnv        = "ANALYST_API_KEY"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	server  string
	apiKey  string
	output  string
	timeout time.Duration
}

func (g *globalFlags) client() *Client {
	return NewClient(g.server, g.apiKey, g.timeout)
}

// newRootCmd builds the command tree. Each call returns independent
// commands and flags.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "analyst",
		Short: "Ask e-commerce analytics questions in natural language",
		Long: `analyst is a command-line client for the AleutianAnalyst service.
It sends questions to the server, prints answers with their data and SQL, and
records feedback that improves the semantic cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.output != "" {
				ux.SetMode(ux.ParseMode(g.output))
			} else {
				ux.InitMode()
			}
		},
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr(serverEnv, defaultServerURL), "analyst server URL (env "+serverEnv+")")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv(apiKeyEnv), "API key (env "+apiKeyEnv+")")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "", "output mode: rich, plain or machine (env "+ux.ModeEnv+")")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 90*time.Second, "HTTP timeout per request")

	root.AddCommand(
		newAskCmd(g),
		newChatCmd(g),
		newFeedbackCmd(g),
		newConversationCmd(g),
		newValidateCmd(g),
		newHealthCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// ask
// =============================================================================

type askOptions struct {
	conversation string
	maxRows      int
	noSQL        bool
	queryTimeout time.Duration
	jsonOut      bool
}

func newAskCmd(g *globalFlags) *cobra.Command {
	o := &askOptions{}
	cmd := &cobra.Command{
		Use:     "ask [question...]",
		Short:   "Ask one analytics question",
		Aliases: []string{"a"},
		Args:    cobra.MinimumNArgs(1),
		Example: `  analyst ask "top 5 produtos mais vendidos em janeiro de 2025"
  analyst ask -c <conversation-id> "e em fevereiro?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := buildAskRequest(strings.Join(args, " "), o)
			resp, err := g.client().Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			renderAnswer(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&o.conversation, "conversation", "c", "", "continue an existing conversation")
	cmd.Flags().IntVar(&o.maxRows, "max-rows", 0, "maximum rows to return")
	cmd.Flags().BoolVar(&o.noSQL, "no-sql", false, "omit the generated SQL from the answer")
	cmd.Flags().DurationVar(&o.queryTimeout, "query-timeout", 0, "server-side processing timeout, e.g. 20s")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "print the raw JSON response")
	return cmd
}

func buildAskRequest(question string, o *askOptions) datatypes.AnalyticsRequest {
	req := datatypes.AnalyticsRequest{
		Message:        question,
		ConversationID: o.conversation,
	}
	if o.maxRows > 0 || o.noSQL || o.queryTimeout > 0 {
		opts := &datatypes.RequestOptions{MaxResultRows: o.maxRows, Timeout: int(o.queryTimeout.Milliseconds())}
		if o.noSQL {
			f := false
			opts.IncludeSQL = &f
		}
		req.Options = opts
	}
	return req
}

// =============================================================================
// feedback
// =============================================================================

func newFeedbackCmd(g *globalFlags) *cobra.Command {
	var conversation, comment string
	cmd := &cobra.Command{
		Use:   "feedback <response-id> <positive|negative>",
		Short: "Rate an answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fbType, err := parseFeedbackType(args[1])
			if err != nil {
				return err
			}
			resp, err := g.client().Feedback(cmd.Context(), datatypes.FeedbackRequest{
				ConversationID: conversation,
				ResponseID:     args[0],
				Type:           fbType,
				Helpful:        fbType == datatypes.FeedbackPositive,
				Comment:        comment,
			})
			if err != nil {
				return err
			}
			if resp.Status == datatypes.FeedbackStatusError {
				return fmt.Errorf("feedback not recorded: %s", resp.Message)
			}
			ux.Success(cmd.OutOrStdout(), resp.Message)
			ux.Field(cmd.OutOrStdout(), "status", string(resp.Status))
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation the response belongs to")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "optional comment")
	return cmd
}

func parseFeedbackType(s string) (datatypes.FeedbackType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "good", "up", "+":
		return datatypes.FeedbackPositive, nil
	case "negative", "bad", "down", "-":
		return datatypes.FeedbackNegative, nil
	default:
		return "", fmt.Errorf("feedback must be positive or negative, got %q", s)
	}
}

// =============================================================================
// conversation
// =============================================================================

func newConversationCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Short:   "Inspect or clear a conversation",
		Aliases: []string{"conv"},
	}

	var jsonOut bool
	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := g.client().Conversation(cmd.Context(), args[0])
			if IsNotFound(err) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), sess)
			}
			renderConversation(cmd.OutOrStdout(), sess)
			return nil
		},
	}
	show.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON snapshot")

	clearCmd := &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := g.client().ClearConversation(cmd.Context(), args[0])
			if IsNotFound(err) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			ux.Success(cmd.OutOrStdout(), "conversation "+args[0]+" cleared")
			return nil
		},
	}

	cmd.AddCommand(show, clearCmd)
	return cmd
}

// =============================================================================
// validate
// =============================================================================

func newValidateCmd(g *globalFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "validate [sql | -]",
		Short: "Check SQL against the server's security policy",
		Long:  "Validates a query without running it. Reads the query from stdin when no argument or '-' is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			res, err := g.client().ValidateSQL(cmd.Context(), sql)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				renderValidation(cmd.OutOrStdout(), res)
			}
			if !res.IsValid {
				return errQueryRejected
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw JSON result")
	return cmd
}

// errQueryRejected makes validate exit non-zero without printing twice.
var errQueryRejected = errors.New("query rejected")

func readSQL(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	raw, err := io.ReadAll(io.LimitReader(in, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read SQL from stdin: %w", err)
	}
	sql := strings.TrimSpace(string(raw))
	if sql == "" {
		return "", errors.New("no SQL given")
	}
	return sql, nil
}

// =============================================================================
// health
// =============================================================================

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().Health(cmd.Context()); err != nil {
				return err
			}
			ux.Success(cmd.OutOrStdout(), "analyst is up at "+g.server)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
