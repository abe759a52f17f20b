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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

// fakeServer answers the analyst API from canned values and records what it
// received.
type fakeServer struct {
	mu        sync.Mutex
	asks      []datatypes.AnalyticsRequest
	feedbacks []datatypes.FeedbackRequest
	auth      []string
	validate  datatypes.ValidationResult
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))

	case r.Method == http.MethodPost && r.URL.Path == "/v1/analytics/query":
		var req datatypes.AnalyticsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.asks = append(f.asks, req)
		n := len(f.asks)
		_ = json.NewEncoder(w).Encode(datatypes.AnalyticsResponse{
			ID:             "r" + string(rune('0'+n)),
			ConversationID: "c1",
			Message:        "1. **Fone** - 150 unidades",
			Metadata: datatypes.ResponseMetadata{
				Source:     datatypes.SourceQuery,
				Confidence: 0.9,
				Tables:     []string{"ecommerce.produtos"},
				SQL:        "SELECT nome, unidades\nFROM ecommerce.produtos LIMIT 5",
			},
			Data: &datatypes.ResultData{Type: datatypes.DataTypeTable, Content: map[string]any{
				"columns":   []string{"nome", "unidades"},
				"rows":      []map[string]any{{"nome": "Fone", "unidades": 150}},
				"totalRows": 1,
			}},
			Suggestions: []string{"E por categoria?"},
		})

	case r.Method == http.MethodPost && r.URL.Path == "/v1/analytics/feedback":
		var req datatypes.FeedbackRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.feedbacks = append(f.feedbacks, req)
		switch req.ResponseID {
		case "gone":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(datatypes.FeedbackResponse{
				ID: "f0", ResponseID: req.ResponseID, Status: datatypes.FeedbackStatusError, Message: "feedback target not found: gone",
			})
		case "lost":
			_ = json.NewEncoder(w).Encode(datatypes.FeedbackResponse{
				ID: "f0", ResponseID: req.ResponseID, Status: datatypes.FeedbackStatusError, Message: "cache unavailable",
			})
		default:
			_ = json.NewEncoder(w).Encode(datatypes.FeedbackResponse{
				ID: "f1", ResponseID: req.ResponseID, Status: datatypes.FeedbackStatusSuccess, Message: "Thanks for the feedback",
			})
		}

	case r.URL.Path == "/v1/conversations/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"conversation not found"}`))

	case r.Method == http.MethodGet && r.URL.Path == "/v1/conversations/c1":
		_ = json.NewEncoder(w).Encode(datatypes.ConversationSession{
			ID:                "c1",
			TotalInteractions: 1,
			Messages: []datatypes.Message{
				{ID: "m1", Role: datatypes.RoleUser, Content: "top produtos"},
				{ID: "m2", Role: datatypes.RoleAssistant, Content: "1. Fone"},
			},
		})

	case r.Method == http.MethodDelete && r.URL.Path == "/v1/conversations/c1":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && r.URL.Path == "/v1/sql/validate":
		_ = json.NewEncoder(w).Encode(f.validate)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no route"}`))
	}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{validate: datatypes.ValidationResult{IsValid: true, Tables: []string{"ecommerce.pedidos"}}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

// execute runs the CLI against url in machine output mode.
func execute(t *testing.T, url, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--server", url, "-o", "machine"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// =============================================================================
// Client Tests
// =============================================================================

func TestClient_SendsBearerKey(t *testing.T) {
	f, srv := newFakeServer(t)
	c := NewClient(srv.URL+"/", "s3cr3t", 5*time.Second)

	require.NoError(t, c.Health(context.Background()))

	assert.Equal(t, []string{"Bearer s3cr3t"}, f.auth)
}

func TestClient_APIError(t *testing.T) {
	_, srv := newFakeServer(t)
	c := NewClient(srv.URL, "", 5*time.Second)

	_, err := c.Conversation(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "conversation not found (404)")
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestClient_ClearConversation(t *testing.T) {
	_, srv := newFakeServer(t)
	c := NewClient(srv.URL, "", 5*time.Second)

	assert.NoError(t, c.ClearConversation(context.Background(), "c1"))
	assert.True(t, IsNotFound(c.ClearConversation(context.Background(), "missing")))
}

// =============================================================================
// Command Tests
// =============================================================================

func TestAskCommand_MachineOutput(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "", "ask", "top", "5", "produtos")

	require.NoError(t, err)
	require.Len(t, f.asks, 1)
	assert.Equal(t, "top 5 produtos", f.asks[0].Message)
	assert.Nil(t, f.asks[0].Options)

	assert.Contains(t, out, "1. **Fone** - 150 unidades\n")
	assert.Contains(t, out, "nome\tunidades\nFone\t150\n")
	assert.Contains(t, out, "sql\tSELECT nome, unidades FROM ecommerce.produtos LIMIT 5\n")
	assert.Contains(t, out, "conversation\tc1\n")
	assert.Contains(t, out, "response\tr1\n")
}

func TestAskCommand_Options(t *testing.T) {
	f, srv := newFakeServer(t)

	_, err := execute(t, srv.URL, "", "ask", "-c", "c1", "--max-rows", "10", "--no-sql", "--query-timeout", "20s", "e em fevereiro?")

	require.NoError(t, err)
	require.Len(t, f.asks, 1)
	req := f.asks[0]
	assert.Equal(t, "c1", req.ConversationID)
	require.NotNil(t, req.Options)
	assert.Equal(t, 10, req.Options.MaxResultRows)
	assert.Equal(t, 20000, req.Options.Timeout)
	require.NotNil(t, req.Options.IncludeSQL)
	assert.False(t, *req.Options.IncludeSQL)
}

func TestAskCommand_JSON(t *testing.T) {
	_, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "", "ask", "--json", "top produtos")

	require.NoError(t, err)
	var resp datatypes.AnalyticsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "c1", resp.ConversationID)
}

func TestAskCommand_RequiresQuestion(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := execute(t, srv.URL, "", "ask")
	assert.Error(t, err)
}

func TestFeedbackCommand(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "", "feedback", "r1", "bad", "-c", "c1", "-m", "faltou fevereiro")

	require.NoError(t, err)
	require.Len(t, f.feedbacks, 1)
	fb := f.feedbacks[0]
	assert.Equal(t, "r1", fb.ResponseID)
	assert.Equal(t, datatypes.FeedbackNegative, fb.Type)
	assert.False(t, fb.Helpful)
	assert.Equal(t, "faltou fevereiro", fb.Comment)
	assert.Contains(t, out, "OK: Thanks for the feedback")
}

func TestFeedbackCommand_ErrorStatus(t *testing.T) {
	_, srv := newFakeServer(t)

	_, err := execute(t, srv.URL, "", "feedback", "gone", "good")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "feedback target not found: gone")

	_, err = execute(t, srv.URL, "", "feedback", "lost", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback not recorded: cache unavailable")
}

func TestFeedbackCommand_InvalidType(t *testing.T) {
	f, srv := newFakeServer(t)

	_, err := execute(t, srv.URL, "", "feedback", "r1", "meh")

	require.Error(t, err)
	assert.Empty(t, f.feedbacks)
}

func TestConversationCommands(t *testing.T) {
	_, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "", "conversation", "show", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "m1\tuser\ttop produtos\n")
	assert.Contains(t, out, "m2\tassistant\t1. Fone\n")

	_, err = execute(t, srv.URL, "", "conv", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation missing not found")

	out, err = execute(t, srv.URL, "", "conversation", "clear", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: conversation c1 cleared")
}

func TestValidateCommand(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "SELECT COUNT(*) FROM ecommerce.pedidos\n", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: query is valid")
	assert.Contains(t, out, "tables\tecommerce.pedidos")

	f.mu.Lock()
	f.validate = datatypes.ValidationResult{
		IsValid: false,
		Errors:  []datatypes.ValidationIssue{{Code: "FORBIDDEN_OPERATION", Message: "DELETE is not allowed", Severity: "error"}},
	}
	f.mu.Unlock()

	out, err = execute(t, srv.URL, "", "validate", "DELETE FROM ecommerce.pedidos")
	assert.ErrorIs(t, err, errQueryRejected)
	assert.Contains(t, out, "ERROR: FORBIDDEN_OPERATION: DELETE is not allowed")
}

func TestValidateCommand_EmptyStdin(t *testing.T) {
	_, srv := newFakeServer(t)
	_, err := execute(t, srv.URL, "  \n", "validate", "-")
	assert.EqualError(t, err, "no SQL given")
}

func TestHealthCommand(t *testing.T) {
	_, srv := newFakeServer(t)
	out, err := execute(t, srv.URL, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "OK: analyst is up at "+srv.URL)
}

// =============================================================================
// Chat Tests
// =============================================================================

func TestChatCommand_KeepsConversationAndRatesLastAnswer(t *testing.T) {
	f, srv := newFakeServer(t)
	input := "/good\ntop produtos\ne em fevereiro?\n/bad faltou frete\n/quit\nnever sent\n"

	out, err := execute(t, srv.URL, input, "chat")

	require.NoError(t, err)
	require.Len(t, f.asks, 2)
	assert.Equal(t, "", f.asks[0].ConversationID)
	assert.Equal(t, "c1", f.asks[1].ConversationID, "second question continues the conversation")

	require.Len(t, f.feedbacks, 1, "/good before any answer is ignored")
	assert.Equal(t, "r2", f.feedbacks[0].ResponseID)
	assert.Equal(t, datatypes.FeedbackNegative, f.feedbacks[0].Type)
	assert.Equal(t, "faltou frete", f.feedbacks[0].Comment)
	assert.Contains(t, out, "OK: Thanks for the feedback")
}

func TestChatCommand_NewAndUnknown(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "top produtos\n/new\n/dance\ntop produtos\n", "chat", "--resume", "c9")

	require.NoError(t, err)
	require.Len(t, f.asks, 2)
	assert.Equal(t, "c9", f.asks[0].ConversationID)
	assert.Equal(t, "", f.asks[1].ConversationID)
	assert.Contains(t, out, "WARN: unknown command /dance")
}

// =============================================================================
// Rendering Tests
// =============================================================================

func TestFormatCell(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"SP", "SP"},
		{float64(150), "150"},
		{12.5, "12.5"},
		{true, "true"},
		{map[string]any{"a": float64(1)}, `{"a":1}`},
		{[]any{"x"}, `["x"]`},
		{int64(7), "7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatCell(tt.in))
	}
}

func TestParseFeedbackType(t *testing.T) {
	for _, in := range []string{"positive", "Good", "up", "+"} {
		got, err := parseFeedbackType(in)
		require.NoError(t, err)
		assert.Equal(t, datatypes.FeedbackPositive, got)
	}
	got, err := parseFeedbackType(" negative ")
	require.NoError(t, err)
	assert.Equal(t, datatypes.FeedbackNegative, got)
}
