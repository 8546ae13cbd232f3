package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/store"
	"github.com/coderelay/agentd/pkg/models"
)

type sessionHarness struct {
	runner  *SessionRunner
	store   *store.Store
	prov    *scriptedProvider
	session *models.Session
}

func newSessionHarness(t *testing.T, mode string, scripts ...[]*provider.Chunk) *sessionHarness {
	t.Helper()
	st := store.New(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatalf("store init: %v", err)
	}
	prov := newScriptedProvider(scripts...)
	kit := provider.NewKit(prov)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runner := NewSessionRunner(logger, st, kit, &provider.Router{}, config.ModelPolicy{})
	runner.Verify.Commands = []string{"true"}

	session, err := st.CreateSession(t.TempDir(), "", mode, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &sessionHarness{runner: runner, store: st, prov: prov, session: session}
}

// sendMessage does what the transport does: append the user message with
// its event, open a turn, and kick the executor.
func (h *sessionHarness) sendMessage(t *testing.T, text string) string {
	t.Helper()
	msg := models.TextMessage("user", text)
	if _, err := h.store.AppendMessage(h.session.ID, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
	_ = h.store.AppendSessionEvent(h.session.ID, models.SessionEvent{
		Type: models.EventMessageAdded,
		Data: map[string]any{"message_id": msg.ID, "role": msg.Role},
	})
	turnID, err := h.store.AddTurn(h.session.ID)
	if err != nil {
		t.Fatalf("add turn: %v", err)
	}
	if err := h.runner.StartTurn(context.Background(), h.session.ID, turnID); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	return turnID
}

func (h *sessionHarness) waitTurn(t *testing.T, turnID string) models.Turn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := h.store.GetSession(h.session.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if turn := session.TurnByID(turnID); turn != nil {
			if turn.Status == models.TurnSucceeded || turn.Status == models.TurnFailed {
				return *turn
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("turn %s did not finish", turnID)
	return models.Turn{}
}

func (h *sessionHarness) waitSessionStatus(t *testing.T, want models.SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := h.store.GetSession(h.session.ID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if session.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached status %s", want)
}

func (h *sessionHarness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.store.ReadSessionEvents(h.session.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *sessionHarness) findEvent(t *testing.T, evType string) models.SessionEvent {
	t.Helper()
	events, err := h.store.ReadSessionEvents(h.session.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for _, ev := range events {
		if ev.Type == evType {
			return ev
		}
	}
	t.Fatalf("no %s event; got %v", evType, h.eventTypes(t))
	return models.SessionEvent{}
}

func TestTurnChatNoTools(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{deltaChunk("hi"), endChunk("stop")},
	)
	turnID := h.sendMessage(t, "hello")
	turn := h.waitTurn(t, turnID)

	if turn.Status != models.TurnSucceeded {
		t.Fatalf("turn status = %s (%s)", turn.Status, turn.Error)
	}
	session, _ := h.store.GetSession(h.session.ID)
	if session.Status != models.SessionActive {
		t.Fatalf("session status = %s, want active", session.Status)
	}

	want := []string{
		models.EventSessionCreated,
		models.EventMessageAdded,
		models.EventTurnStarted,
		models.EventModelResolved,
		models.EventModelOutputDelta,
		models.EventModelOutputDone,
		models.EventMessageAdded,
		models.EventTurnCompleted,
	}
	got := h.eventTypes(t)
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	delta := h.findEvent(t, models.EventModelOutputDelta)
	if delta.Data["delta"] != "hi" {
		t.Fatalf("delta payload = %v", delta.Data)
	}
	last := session.Messages[len(session.Messages)-1]
	if last.Role != "assistant" || last.Text() != "hi" {
		t.Fatalf("unexpected assistant message: %+v", last)
	}
}

func TestTurnShellApproved(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{toolChunk("call_1", "shell", `{"command":"echo hi"}`), endChunk("tool_use")},
	)
	turnID := h.sendMessage(t, "run it")

	h.waitSessionStatus(t, models.SessionWaitingApproval)
	req := h.findEvent(t, models.EventApprovalRequested)
	callID, _ := req.Data["tool_call_id"].(string)
	if err := h.store.ResolveSessionApproval(h.session.ID, callID, models.ApprovalDecision{Action: "approve"}); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnSucceeded {
		t.Fatalf("turn status = %s (%s)", turn.Status, turn.Error)
	}

	types := h.eventTypes(t)
	for _, required := range []string{
		models.EventApprovalGranted,
		models.EventToolCallStarted,
		models.EventToolCallCompleted,
		models.EventVerificationResult,
		models.EventTurnCompleted,
	} {
		if !containsString(types, required) {
			t.Fatalf("missing %s in %v", required, types)
		}
	}
	verify := h.findEvent(t, models.EventVerificationResult)
	if verify.Data["ok"] != true {
		t.Fatalf("verify result = %v", verify.Data)
	}
}

func TestTurnShellDenied(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{toolChunk("call_1", "shell", `{"command":"echo hi"}`), endChunk("tool_use")},
	)
	turnID := h.sendMessage(t, "run it")

	h.waitSessionStatus(t, models.SessionWaitingApproval)
	req := h.findEvent(t, models.EventApprovalRequested)
	callID, _ := req.Data["tool_call_id"].(string)
	if err := h.store.ResolveSessionApproval(h.session.ID, callID, models.ApprovalDecision{Action: "deny", Reason: "no"}); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnFailed || turn.Error != "approval denied" {
		t.Fatalf("turn = %+v", turn)
	}
	session, _ := h.store.GetSession(h.session.ID)
	if session.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", session.Status)
	}
	denied := h.findEvent(t, models.EventApprovalDenied)
	if denied.Data["reason"] != "no" {
		t.Fatalf("denial payload = %v", denied.Data)
	}
	if !containsString(h.eventTypes(t), models.EventTurnFailed) {
		t.Fatal("missing turn_failed event")
	}
}

func TestTurnDuplicateToolCall(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{
			toolChunk("call_1", "read_file", `{"path":"a.txt"}`),
			toolChunk("call_2", "read_file", `{"path": "a.txt"}`),
			endChunk("tool_use"),
		},
	)
	session, _ := h.store.GetSession(h.session.ID)
	if err := os.WriteFile(filepath.Join(session.WorkspacePath, "a.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	turnID := h.sendMessage(t, "read it twice")
	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnSucceeded {
		t.Fatalf("turn = %+v", turn)
	}

	var started, skipped, completed int
	events, _ := h.store.ReadSessionEvents(h.session.ID, 0)
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCallStarted:
			started++
		case models.EventToolCallSkipped:
			skipped++
		case models.EventToolCallCompleted:
			completed++
			if ev.Data["skipped"] == true {
				if ev.Data["error"] != "duplicate tool call: no new info" {
					t.Fatalf("skip record = %v", ev.Data)
				}
			}
		}
	}
	if started != 1 || skipped != 1 || completed != 2 {
		t.Fatalf("started=%d skipped=%d completed=%d", started, skipped, completed)
	}

	session, _ = h.store.GetSession(h.session.ID)
	toolMessages := 0
	for _, m := range session.Messages {
		if m.Role == "tool" {
			toolMessages++
		}
	}
	if toolMessages != 1 {
		t.Fatalf("tool messages = %d, want 1", toolMessages)
	}
}

func TestTurnSpecModeWriteAndValidate(t *testing.T) {
	h := newSessionHarness(t, "spec",
		[]*provider.Chunk{
			toolChunk("call_1", "write_spec", `{"content":"## Notes\n\nno goal here"}`),
			endChunk("tool_use"),
		},
	)
	turnID := h.sendMessage(t, "draft a spec")
	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnSucceeded {
		t.Fatalf("turn = %+v", turn)
	}

	session, _ := h.store.GetSession(h.session.ID)
	wantPath := filepath.Join(session.WorkspacePath, "specs", "session-"+session.ID, "spec.md")
	if session.SpecPath != wantPath {
		t.Fatalf("spec path = %s, want %s", session.SpecPath, wantPath)
	}
	pathSet := h.findEvent(t, models.EventSpecPathSet)
	if pathSet.Data["spec_path"] != wantPath {
		t.Fatalf("spec_path_set payload = %v", pathSet.Data)
	}
	h.findEvent(t, models.EventSpecCreated)
	h.findEvent(t, models.EventSpecUpdated)

	validated := h.findEvent(t, models.EventSpecValidated)
	if validated.Data["ok"] != false {
		t.Fatalf("spec_validated payload = %v", validated.Data)
	}
	errText, _ := validated.Data["error"].(string)
	if !strings.Contains(errText, "missing heading: # Goal") {
		t.Fatalf("validation error = %q", errText)
	}

	content, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	if !strings.Contains(string(content), "## Notes") {
		t.Fatalf("spec not written: %q", content)
	}
}

func TestTurnSpecValidationHonorsApprovalPolicy(t *testing.T) {
	h := newSessionHarness(t, "spec",
		[]*provider.Chunk{
			toolChunk("call_1", "write_spec", `{"content":"draft"}`),
			endChunk("tool_use"),
		},
	)
	h.runner.Approval.RequireForTools = []string{"validate_spec"}

	turnID := h.sendMessage(t, "draft a spec")
	h.waitSessionStatus(t, models.SessionWaitingApproval)
	req := h.findEvent(t, models.EventApprovalRequested)
	if req.Data["tool"] != "validate_spec" {
		t.Fatalf("approval request = %v", req.Data)
	}
	callID, _ := req.Data["tool_call_id"].(string)
	if err := h.store.ResolveSessionApproval(h.session.ID, callID, models.ApprovalDecision{Action: "deny", Reason: "not yet"}); err != nil {
		t.Fatalf("resolve approval: %v", err)
	}

	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnFailed || turn.Error != "approval denied" {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestTurnCanceledDuringApproval(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{toolChunk("call_1", "shell", `{"command":"sleep 60"}`), endChunk("tool_use")},
	)
	turnID := h.sendMessage(t, "run it")

	h.waitSessionStatus(t, models.SessionWaitingApproval)
	h.store.CancelSession(h.session.ID)

	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnFailed || turn.Error != "canceled" {
		t.Fatalf("turn = %+v", turn)
	}
	session, _ := h.store.GetSession(h.session.ID)
	if session.Status != models.SessionCanceled {
		t.Fatalf("session status = %s, want canceled", session.Status)
	}
	types := h.eventTypes(t)
	if types[len(types)-1] != models.EventSessionCanceled {
		t.Fatalf("last event = %s, want session_canceled (all: %v)", types[len(types)-1], types)
	}
}

func TestTurnMaxIterations(t *testing.T) {
	// Every reply asks for a distinct failing read, so each iteration
	// executes a new call and never converges.
	scripts := make([][]*provider.Chunk, 0, maxTurnIterations)
	for i := 0; i < maxTurnIterations; i++ {
		scripts = append(scripts, []*provider.Chunk{
			toolChunk("", "read_file", `{"path":"missing-`+strings.Repeat("x", i+1)+`.txt"}`),
			endChunk("tool_use"),
		})
	}
	h := newSessionHarness(t, "chat", scripts...)

	turnID := h.sendMessage(t, "go")
	turn := h.waitTurn(t, turnID)
	if turn.Status != models.TurnFailed || turn.Error != "max turn iterations reached" {
		t.Fatalf("turn = %+v", turn)
	}
	if got := h.prov.requestCount(); got != maxTurnIterations {
		t.Fatalf("model calls = %d, want %d", got, maxTurnIterations)
	}
}

func TestStartTurnRejectsConcurrent(t *testing.T) {
	h := newSessionHarness(t, "chat",
		[]*provider.Chunk{toolChunk("call_1", "shell", `{"command":"true"}`), endChunk("tool_use")},
	)
	turnID := h.sendMessage(t, "go")
	h.waitSessionStatus(t, models.SessionWaitingApproval)

	err := h.runner.StartTurn(context.Background(), h.session.ID, turnID)
	if !errors.Is(err, ErrTurnAlreadyRunning) {
		t.Fatalf("err = %v, want ErrTurnAlreadyRunning", err)
	}

	req := h.findEvent(t, models.EventApprovalRequested)
	callID, _ := req.Data["tool_call_id"].(string)
	_ = h.store.ResolveSessionApproval(h.session.ID, callID, models.ApprovalDecision{Action: "deny"})
	h.waitTurn(t, turnID)
}

func TestCanonicalInput(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "{}"},
		{"  ", "{}"},
		{"null", "{}"},
		{`{"b": 1, "a": 2}`, `{"a":2,"b":1}`},
		{`{"a":2,"b":1}`, `{"a":2,"b":1}`},
		{"not json", "not json"},
	}
	for _, tc := range cases {
		if got := canonicalInput([]byte(tc.in)); got != tc.want {
			t.Fatalf("canonicalInput(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeToolMessages(t *testing.T) {
	msgs := []provider.Message{
		provider.TextMessage("user", "hi"),
		{Role: "tool", ToolCallID: "call_1", Content: []provider.ContentPart{{Type: "text", Text: "output"}}},
		{Role: "tool", ToolCallID: "call_2"},
	}
	out := normalizeToolMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if out[1].Role != "assistant" || out[1].Text() != "TOOL OUTPUT (call_1):\noutput" {
		t.Fatalf("rewrite = %+v", out[1])
	}
	if out[2].Text() != "TOOL OUTPUT (call_2):\n(no output)" {
		t.Fatalf("empty rewrite = %+v", out[2])
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
