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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnalyst/pkg/ux"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

const chatHelp = `Commands:
  /good [comment]   rate the last answer as helpful
  /bad [comment]    rate the last answer as wrong
  /new              start a new conversation
  /show             print the conversation so far
  /help             show this help
  /quit             leave`

func newChatCmd(g *globalFlags) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive analytics conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := &chatSession{
				client:         g.client(),
				in:             cmd.InOrStdin(),
				out:            cmd.OutOrStdout(),
				conversationID: resume,
				prompt:         isTerminalReader(cmd.InOrStdin()),
			}
			return s.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "resume a conversation by id")
	return cmd
}

// chatSession is one interactive conversation. Questions are sent in order;
// the conversation id returned by the first answer is reused for the rest.
type chatSession struct {
	client         *Client
	in             io.Reader
	out            io.Writer
	conversationID string
	lastResponseID string
	prompt         bool
}

func (s *chatSession) run(ctx context.Context) error {
	if s.prompt {
		ux.Title(s.out, "AleutianAnalyst")
		ux.Muted(s.out, "Ask a question about your store. /help lists commands.")
	}

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if s.prompt {
			fmt.Fprint(s.out, ux.Styles.Highlight.Render("you> "))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := s.handle(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ux.Error(s.out, err.Error())
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// handle processes one input line and reports whether the session ends.
func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, s.ask(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(command) {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/new":
		s.conversationID, s.lastResponseID = "", ""
		ux.Success(s.out, "started a new conversation")
	case "/show":
		if s.conversationID == "" {
			ux.Muted(s.out, "no conversation yet")
			return false, nil
		}
		sess, err := s.client.Conversation(ctx, s.conversationID)
		if err != nil {
			return false, err
		}
		renderConversation(s.out, sess)
	case "/good":
		return false, s.feedback(ctx, datatypes.FeedbackPositive, arg)
	case "/bad":
		return false, s.feedback(ctx, datatypes.FeedbackNegative, arg)
	default:
		ux.Warning(s.out, "unknown command "+command+", try /help")
	}
	return false, nil
}

func (s *chatSession) ask(ctx context.Context, question string) error {
	resp, err := s.client.Ask(ctx, datatypes.AnalyticsRequest{
		Message:        question,
		ConversationID: s.conversationID,
	})
	if err != nil {
		return err
	}
	s.conversationID = resp.ConversationID
	s.lastResponseID = resp.ID
	renderAnswer(s.out, resp)
	return nil
}

func (s *chatSession) feedback(ctx context.Context, fbType datatypes.FeedbackType, comment string) error {
	if s.lastResponseID == "" {
		ux.Muted(s.out, "nothing to rate yet")
		return nil
	}
	resp, err := s.client.Feedback(ctx, datatypes.FeedbackRequest{
		ConversationID: s.conversationID,
		ResponseID:     s.lastResponseID,
		Type:           fbType,
		Helpful:        fbType == datatypes.FeedbackPositive,
		Comment:        comment,
	})
	if err != nil {
		return err
	}
	if resp.Status == datatypes.FeedbackStatusError {
		ux.Warning(s.out, resp.Message)
		return nil
	}
	ux.Success(s.out, resp.Message)
	return nil
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && ux.IsTerminal(f)
}
