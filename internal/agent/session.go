package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/observability"
	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/repocontext"
	"github.com/coderelay/agentd/internal/store"
	"github.com/coderelay/agentd/internal/tools"
	"github.com/coderelay/agentd/internal/workspace"
	"github.com/coderelay/agentd/pkg/models"
)

// maxTurnIterations bounds the agent loop. A turn that does not converge
// within this many model round-trips fails.
const maxTurnIterations = 8

// ErrTurnAlreadyRunning is returned when a session's background worker
// is still live.
var ErrTurnAlreadyRunning = errors.New("session already running")

// SessionRunner executes interactive turns: stream the model, invoke
// tool calls with approval gates, converge when the model stops calling
// tools and the workspace verifies clean.
type SessionRunner struct {
	Logger  *slog.Logger
	Store   *store.Store
	Kit     *provider.Kit
	Router  *provider.Router
	Metrics *observability.Metrics

	Verify   VerifyPolicy
	Approval ApprovalPolicy

	policyMu sync.RWMutex
	policy   config.ModelPolicy

	mu      sync.Mutex
	running map[string]struct{}
}

// NewSessionRunner builds a session executor with the default verify
// and approval policies.
func NewSessionRunner(logger *slog.Logger, st *store.Store, kit *provider.Kit, router *provider.Router, policy config.ModelPolicy) *SessionRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRunner{
		Logger:   logger,
		Store:    st,
		Kit:      kit,
		Router:   router,
		Verify:   DefaultVerifyPolicy(),
		Approval: DefaultApprovalPolicy(),
		policy:   policy,
		running:  map[string]struct{}{},
	}
}

// SetPolicy swaps the model policy for subsequent turns.
func (s *SessionRunner) SetPolicy(policy config.ModelPolicy) {
	s.policyMu.Lock()
	s.policy = policy
	s.policyMu.Unlock()
}

func (s *SessionRunner) policySnapshot() config.ModelPolicy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// StartTurn spawns the background worker for one turn. At most one live
// worker per session; a second start while the first is live is an
// error. Background failures are recorded on the turn, not returned.
func (s *SessionRunner) StartTurn(ctx context.Context, sessionID, turnID string) error {
	s.mu.Lock()
	if _, ok := s.running[sessionID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnAlreadyRunning, sessionID)
	}
	s.running[sessionID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, sessionID)
			s.mu.Unlock()
		}()

		turnCtx, cancel := context.WithCancel(context.Background())
		s.Store.SetSessionCancel(sessionID, cancel)
		defer cancel()

		if err := s.executeTurn(turnCtx, sessionID, turnID); err != nil {
			s.Logger.Error("turn failed", "session_id", sessionID, "turn_id", turnID, "err", err)
		}
	}()
	return nil
}

func (s *SessionRunner) executeTurn(ctx context.Context, sessionID, turnID string) error {
	session, err := s.Store.GetSession(sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnRunning
		t.StartedAt = &now
	}
	session.Status = models.SessionActive
	_ = s.Store.UpdateSession(session)
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID:  turnID,
		Type:    models.EventTurnStarted,
		Message: "turn started",
	})

	bundle, err := repocontext.Gather(ctx, session.WorkspacePath)
	if err != nil {
		return s.failTurn(sessionID, turnID, fmt.Errorf("gather context: %w", err))
	}

	model, err := resolveModel(ctx, s.Kit, s.Router, s.policySnapshot())
	if err != nil {
		return s.failTurn(sessionID, turnID, fmt.Errorf("resolve model: %w", err))
	}
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventModelResolved,
		Data:   map[string]any{"model": model.ID},
	})
	prov, ok := s.Kit.Provider(model.Provider)
	if !ok {
		return s.failTurn(sessionID, turnID, fmt.Errorf("unknown provider: %q", model.Provider))
	}
	caps := prov.Capabilities()

	registry := tools.DefaultRegistry(session.WorkspacePath, tools.VerifyPolicy{Commands: s.Verify.Commands})
	if session.Mode == models.SessionModeSpec {
		session, err = s.initSpecMode(sessionID, turnID, session)
		if err != nil {
			return s.failTurn(sessionID, turnID, err)
		}
		tools.AddSpecTools(registry, session.SpecPath)
	}

	callCounts := map[string]int{}
	dirty := false

	for iter := 0; iter < maxTurnIterations; iter++ {
		if ctx.Err() != nil {
			return s.cancelTurn(sessionID, turnID, ctx.Err())
		}

		session, err = s.Store.GetSession(sessionID)
		if err != nil {
			return s.failTurn(sessionID, turnID, err)
		}

		system, msgs, err := s.buildMessages(session, bundle, caps)
		if err != nil {
			return s.failTurn(sessionID, turnID, err)
		}

		assistantText, calls, err := s.streamModel(ctx, sessionID, turnID, model, system, msgs, registry)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelTurn(sessionID, turnID, ctx.Err())
			}
			return s.failTurn(sessionID, turnID, err)
		}

		if strings.TrimSpace(assistantText) != "" {
			s.appendMessage(sessionID, turnID, models.TextMessage("assistant", assistantText))
		}

		executedNew := false
		for _, call := range calls {
			if ctx.Err() != nil {
				return s.cancelTurn(sessionID, turnID, ctx.Err())
			}

			tool, known := registry.Get(call.Name)
			if !known {
				return s.failTurn(sessionID, turnID, fmt.Errorf("unknown tool: %s", call.Name))
			}
			def := tool.Definition()

			key := call.Name + ":" + canonicalInput(call.Input)
			if callCounts[key] > 0 {
				s.skipDuplicateCall(sessionID, turnID, call)
				continue
			}
			callCounts[key]++
			executedNew = true

			if requiresApproval(def, s.Approval) {
				denied, err := s.gateApproval(ctx, sessionID, turnID, call)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, context.Canceled) {
						return s.cancelTurn(sessionID, turnID, err)
					}
					return s.failTurn(sessionID, turnID, err)
				}
				if denied {
					return s.failTurn(sessionID, turnID, errors.New("approval denied"))
				}
			}

			result := s.invokeCall(ctx, registry, sessionID, turnID, call)
			s.appendMessage(sessionID, turnID, toolMessage(call.ID, result))

			specWrite := session.Mode == models.SessionModeSpec && call.Name == "write_spec"
			if (def.Kind == tools.KindWrite || def.Kind == tools.KindExec) && !specWrite {
				dirty = true
			}

			if specWrite && result.OK {
				_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
					TurnID: turnID,
					Type:   models.EventSpecUpdated,
					Data:   map[string]any{"spec_path": session.SpecPath},
				})
				if err := s.validateSpec(ctx, registry, sessionID, turnID); err != nil {
					if ctx.Err() != nil {
						return s.cancelTurn(sessionID, turnID, ctx.Err())
					}
					return s.failTurn(sessionID, turnID, err)
				}
			}

			if !result.OK {
				// Let the next model call see the failure.
				break
			}
		}

		if len(calls) == 0 || !executedNew {
			if s.Verify.AutoVerify && dirty {
				res, err := s.invokeVerify(ctx, registry, sessionID, turnID)
				if err != nil {
					if ctx.Err() != nil {
						return s.cancelTurn(sessionID, turnID, ctx.Err())
					}
					return s.failTurn(sessionID, turnID, err)
				}
				if res.OK {
					return s.completeTurn(sessionID, turnID)
				}
				continue
			}
			return s.completeTurn(sessionID, turnID)
		}
	}

	return s.failTurn(sessionID, turnID, errors.New("max turn iterations reached"))
}

// initSpecMode defaults the spec path on first use, ensures the file
// exists, and emits the setup events.
func (s *SessionRunner) initSpecMode(sessionID, turnID string, session *models.Session) (*models.Session, error) {
	if session.SpecPath == "" {
		path, err := workspace.DefaultSpecPath(session.WorkspacePath, "session-"+session.ID)
		if err != nil {
			return nil, err
		}
		session.SpecPath = path
		if err := s.Store.UpdateSession(session); err != nil {
			return nil, err
		}
		_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
			TurnID: turnID,
			Type:   models.EventSpecPathSet,
			Data:   map[string]any{"spec_path": path},
		})
	}
	created, err := workspace.EnsureSpecFile(session.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("ensure spec file: %w", err)
	}
	if created {
		_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
			TurnID: turnID,
			Type:   models.EventSpecCreated,
			Data:   map[string]any{"spec_path": session.SpecPath},
		})
	}
	return session, nil
}

// streamModel drains one streaming generation, emitting delta events and
// accumulating tool calls in emission order. Repeated chunks for the
// same call id refine the stored call instead of duplicating it.
func (s *SessionRunner) streamModel(ctx context.Context, sessionID, turnID string, model provider.ModelRecord, system string, msgs []provider.Message, registry *tools.Registry) (string, []tools.Call, error) {
	req := &provider.Request{
		Provider: model.Provider,
		Model:    model.ProviderModelID,
		System:   system,
		Messages: msgs,
		Tools:    providerTools(registry),
	}
	stream, err := s.Kit.StreamGenerate(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model error: %v", err)
	}

	var text strings.Builder
	var order []string
	byID := map[string]*provider.ToolCall{}

	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkDelta:
			text.WriteString(chunk.TextDelta)
			_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
				TurnID: turnID,
				Type:   models.EventModelOutputDelta,
				Data:   map[string]any{"delta": chunk.TextDelta},
			})
		case provider.ChunkToolCall:
			if chunk.Call == nil {
				continue
			}
			call := *chunk.Call
			if call.ID == "" {
				call.ID = models.NewToolCallID()
			}
			if existing, ok := byID[call.ID]; ok {
				if call.Name != "" {
					existing.Name = call.Name
				}
				if len(call.Input) > 0 {
					existing.Input = call.Input
				}
				continue
			}
			byID[call.ID] = &call
			order = append(order, call.ID)
		case provider.ChunkMessageEnd:
			_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
				TurnID: turnID,
				Type:   models.EventModelOutputDone,
				Data:   map[string]any{"finish_reason": chunk.FinishReason},
			})
		case provider.ChunkError:
			return "", nil, fmt.Errorf("model error: %v", chunk.Err)
		}
	}

	calls := make([]tools.Call, 0, len(order))
	for _, id := range order {
		c := byID[id]
		input := c.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		calls = append(calls, tools.Call{ID: c.ID, Name: c.Name, Input: input})
	}
	return text.String(), calls, nil
}

// buildMessages assembles the system prompt and provider-neutral message
// list for one model call, applying provider normalization when the
// backend cannot consume tool-role messages.
func (s *SessionRunner) buildMessages(session *models.Session, bundle repocontext.Bundle, caps provider.Capabilities) (string, []provider.Message, error) {
	var system []string
	if session.SystemPrompt != "" {
		system = append(system, session.SystemPrompt)
	}
	if session.Mode == models.SessionModeSpec {
		system = append(system, specModePrompt(session.SpecPath))
	}
	if ctxText := buildContextText(bundle); ctxText != "" {
		system = append(system, ctxText)
	}
	if session.Mode == models.SessionModeSpec && session.SpecPath != "" {
		if b, err := os.ReadFile(session.SpecPath); err == nil && strings.TrimSpace(string(b)) != "" {
			system = append(system, "CURRENT SPEC ("+session.SpecPath+"):\n"+string(b))
		}
	}

	msgs := make([]provider.Message, 0, len(session.Messages))
	for _, m := range session.Messages {
		if m.Role == "system" {
			system = append(system, m.Text())
			continue
		}
		msg := provider.Message{Role: m.Role, ToolCallID: m.ToolCallID}
		for _, p := range m.Parts {
			msg.Content = append(msg.Content, s.convertPart(session.ID, p))
		}
		msgs = append(msgs, msg)
	}

	if !caps.NativeToolMessages {
		msgs = normalizeToolMessages(msgs)
	}
	return strings.Join(system, "\n\n"), msgs, nil
}

// convertPart materializes one message part. Image refs are loaded from
// the session's attachment dir; any failure degrades to a placeholder so
// the model still sees that an attachment existed.
func (s *SessionRunner) convertPart(sessionID string, p models.MessagePart) provider.ContentPart {
	switch p.Type {
	case "text":
		return provider.ContentPart{Type: "text", Text: p.Text}
	case "image":
		img, err := s.loadImageAttachment(sessionID, p)
		if err != nil {
			return provider.ContentPart{Type: "text", Text: "[image: " + p.Ref + "]"}
		}
		return provider.ContentPart{Type: "image", Image: img}
	default:
		return provider.ContentPart{Type: "text", Text: "[attachment: " + p.Ref + "]"}
	}
}

func (s *SessionRunner) loadImageAttachment(sessionID string, p models.MessagePart) (*provider.ImageContent, error) {
	root := filepath.Join(s.Store.DataDir(), "sessions", sessionID)
	path, err := workspace.SafeJoin(root, p.Ref)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mediaType := p.MimeType
	if mediaType == "" {
		mediaType = "image/png"
	}
	return &provider.ImageContent{
		Base64:    base64.StdEncoding.EncodeToString(b),
		MediaType: mediaType,
	}, nil
}

// normalizeToolMessages rewrites tool-role messages into assistant text
// for providers that reject interleaved tool results.
func normalizeToolMessages(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "tool" {
			out = append(out, m)
			continue
		}
		text := m.Text()
		if strings.TrimSpace(text) == "" {
			text = "(no output)"
		}
		out = append(out, provider.TextMessage("assistant", "TOOL OUTPUT ("+m.ToolCallID+"):\n"+text))
	}
	return out
}

// gateApproval blocks the turn on a human decision for one tool call.
// Returns denied=true after emitting approval_denied; the caller fails
// the turn.
func (s *SessionRunner) gateApproval(ctx context.Context, sessionID, turnID string, call tools.Call) (bool, error) {
	session, err := s.Store.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnWaitingApproval
	}
	session.Status = models.SessionWaitingApproval
	_ = s.Store.UpdateSession(session)

	if _, err := s.Store.RequireSessionApproval(sessionID, call.ID); err != nil {
		return false, err
	}
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventApprovalRequested,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
			"input":        string(call.Input),
		},
	})

	waitStart := time.Now()
	decision, err := s.Store.WaitForSessionApproval(ctx, sessionID, call.ID)
	s.Metrics.RecordApprovalWait(time.Since(waitStart).Seconds())
	if err != nil {
		return false, err
	}
	if !decision.Approved() {
		_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
			TurnID: turnID,
			Type:   models.EventApprovalDenied,
			Data: map[string]any{
				"tool_call_id": call.ID,
				"reason":       decision.Reason,
			},
		})
		return true, nil
	}
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventApprovalGranted,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"reason":       decision.Reason,
		},
	})

	session, err = s.Store.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnRunning
	}
	session.Status = models.SessionActive
	_ = s.Store.UpdateSession(session)
	return false, nil
}

// invokeCall runs one tool call with start/complete events. Invocation
// errors become failed results; they never abort the turn here.
func (s *SessionRunner) invokeCall(ctx context.Context, registry *tools.Registry, sessionID, turnID string, call tools.Call) tools.Result {
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventToolCallStarted,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
		},
	})

	start := time.Now()
	result, err := registry.Invoke(ctx, call)
	if err != nil {
		result.ID = call.ID
		result.OK = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	status := "ok"
	if !result.OK {
		status = "error"
	}
	s.Metrics.RecordToolInvocation(call.Name, status, time.Since(start).Seconds())

	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventToolCallCompleted,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
			"ok":           result.OK,
			"error":        result.Error,
		},
	})
	return result
}

// skipDuplicateCall records a deduplicated call without invoking it and
// without appending a tool message.
func (s *SessionRunner) skipDuplicateCall(sessionID, turnID string, call tools.Call) {
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventToolCallSkipped,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
		},
	})
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventToolCallCompleted,
		Data: map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
			"ok":           false,
			"skipped":      true,
			"error":        "duplicate tool call: no new info",
		},
	})
}

// validateSpec synthesizes a validate_spec call after a spec write. A
// failed validation is informational: the model sees the problems on the
// next iteration.
func (s *SessionRunner) validateSpec(ctx context.Context, registry *tools.Registry, sessionID, turnID string) error {
	call := tools.Call{
		ID:    models.NewToolCallID(),
		Name:  "validate_spec",
		Input: json.RawMessage("{}"),
	}
	if tool, ok := registry.Get("validate_spec"); ok && requiresApproval(tool.Definition(), s.Approval) {
		denied, err := s.gateApproval(ctx, sessionID, turnID, call)
		if err != nil {
			return err
		}
		if denied {
			return errors.New("approval denied")
		}
	}
	result := s.invokeCall(ctx, registry, sessionID, turnID, call)
	s.appendMessage(sessionID, turnID, toolMessage(call.ID, result))
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventSpecValidated,
		Data: map[string]any{
			"ok":    result.OK,
			"error": result.Error,
		},
	})
	return ctx.Err()
}

// invokeVerify synthesizes a verify call at convergence when the turn
// dirtied the workspace. Approval applies, though verify is allow-listed
// by default.
func (s *SessionRunner) invokeVerify(ctx context.Context, registry *tools.Registry, sessionID, turnID string) (tools.Result, error) {
	call := tools.Call{
		ID:    models.NewToolCallID(),
		Name:  "verify",
		Input: json.RawMessage("{}"),
	}
	if tool, ok := registry.Get("verify"); ok && requiresApproval(tool.Definition(), s.Approval) {
		denied, err := s.gateApproval(ctx, sessionID, turnID, call)
		if err != nil {
			return tools.Result{}, err
		}
		if denied {
			return tools.Result{}, errors.New("approval denied")
		}
	}
	result := s.invokeCall(ctx, registry, sessionID, turnID, call)
	s.appendMessage(sessionID, turnID, toolMessage(call.ID, result))
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventVerificationResult,
		Data: map[string]any{
			"ok":    result.OK,
			"error": result.Error,
		},
	})
	return result, ctx.Err()
}

func (s *SessionRunner) appendMessage(sessionID, turnID string, msg models.Message) {
	if _, err := s.Store.AppendMessage(sessionID, msg); err != nil {
		s.Logger.Error("append message", "session_id", sessionID, "err", err)
		return
	}
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID: turnID,
		Type:   models.EventMessageAdded,
		Data: map[string]any{
			"message_id": msg.ID,
			"role":       msg.Role,
		},
	})
}

func (s *SessionRunner) completeTurn(sessionID, turnID string) error {
	session, err := s.Store.GetSession(sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnSucceeded
		t.CompletedAt = &now
		t.Error = ""
	}
	// The session stays open for the next message.
	session.Status = models.SessionActive
	session.Error = ""
	_ = s.Store.UpdateSession(session)
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID:  turnID,
		Type:    models.EventTurnCompleted,
		Message: "turn completed",
	})
	s.Metrics.RecordTurnCompleted("succeeded")
	return nil
}

func (s *SessionRunner) failTurn(sessionID, turnID string, err error) error {
	session, getErr := s.Store.GetSession(sessionID)
	if getErr != nil {
		return err
	}
	now := time.Now().UTC()
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnFailed
		t.CompletedAt = &now
		t.Error = err.Error()
	}
	session.Status = models.SessionFailed
	session.Error = err.Error()
	_ = s.Store.UpdateSession(session)
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID:  turnID,
		Type:    models.EventTurnFailed,
		Message: err.Error(),
	})
	s.Metrics.RecordTurnCompleted("failed")
	return err
}

func (s *SessionRunner) cancelTurn(sessionID, turnID string, err error) error {
	session, getErr := s.Store.GetSession(sessionID)
	if getErr != nil {
		return err
	}
	reason := "canceled"
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	now := time.Now().UTC()
	if t := session.TurnByID(turnID); t != nil {
		t.Status = models.TurnFailed
		t.CompletedAt = &now
		t.Error = reason
	}
	session.Status = models.SessionCanceled
	session.Error = reason
	_ = s.Store.UpdateSession(session)
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		TurnID:  turnID,
		Type:    models.EventSessionCanceled,
		Message: reason,
	})
	s.Metrics.RecordTurnCompleted("canceled")
	return err
}

// canonicalInput normalizes a tool input document for dedup keying.
// Empty and "null" inputs collapse to "{}"; valid JSON is re-marshalled
// so whitespace and key order do not defeat the dedup.
func canonicalInput(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return trimmed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return string(b)
}

func providerTools(registry *tools.Registry) []provider.ToolDefinition {
	defs := registry.Definitions()
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// toolMessage wraps a tool result as a tool-role message bound to its
// call id.
func toolMessage(callID string, res tools.Result) models.Message {
	parts := res.Parts
	if len(parts) == 0 {
		text := res.Error
		if text == "" {
			text = "(no output)"
		}
		parts = []models.MessagePart{{Type: "text", Text: text}}
	}
	return models.Message{
		ID:         models.NewMessageID(),
		Role:       "tool",
		Parts:      parts,
		CreatedAt:  time.Now().UTC(),
		ToolCallID: callID,
	}
}

func specModePrompt(specPath string) string {
	return strings.Join([]string{
		"You are in spec-session mode. The spec file is the primary artifact of this session.",
		"Use the write_spec tool to update it at: " + specPath,
		`Keep these headings present: "# Goal", "# Constraints / nuances", "# Acceptance tests".`,
		"Prefer refining the spec over writing implementation code.",
	}, "\n")
}

// buildContextText serializes the gathered workspace bundle for the
// system prompt. Empty sections are omitted; an empty bundle yields "".
func buildContextText(b repocontext.Bundle) string {
	var sections []string
	if b.AgentsMD != "" {
		sections = append(sections, "AGENTS.md:\n"+b.AgentsMD)
	}
	if b.RepoTree != "" {
		sections = append(sections, "REPO TREE:\n"+b.RepoTree)
	}
	if b.RepoMap != "" {
		sections = append(sections, "REPO MAP (symbols):\n"+b.RepoMap)
	}
	if b.GitStatus != "" {
		sections = append(sections, "GIT STATUS:\n"+b.GitStatus)
	}
	if len(sections) == 0 {
		return ""
	}
	return "Workspace context:\n\n" + strings.Join(sections, "\n\n")
}
