package store

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coderelay/agentd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestStore_CreateRun(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreateRun("/tmp/ws", "/tmp/ws/specs/x/spec.md")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.ID == "" || !strings.HasPrefix(run.ID, "run_") {
		t.Fatalf("bad run id: %q", run.ID)
	}
	if run.Status != models.RunQueued {
		t.Fatalf("status = %s, want queued", run.Status)
	}

	// The first event on the aggregate must be run_created with the
	// matching workspace.
	events, err := s.ReadEvents(run.ID, 0)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventRunCreated {
		t.Fatalf("first event = %+v, want run_created", events)
	}
	if events[0].Data["workspace_path"] != "/tmp/ws" {
		t.Fatalf("run_created workspace = %v", events[0].Data["workspace_path"])
	}

	// Head file is pretty-printed with a trailing newline.
	b, err := os.ReadFile(filepath.Join(s.DataDir(), "runs", run.ID, "run.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Error("run.json missing trailing newline")
	}
	if !bytes.Contains(b, []byte("\n  \"")) {
		t.Error("run.json not indented")
	}

	if _, err := s.CreateRun("", "spec.md"); err == nil {
		t.Error("want error for empty workspace")
	}
	if _, err := s.CreateRun("/tmp/ws", " "); err == nil {
		t.Error("want error for empty spec path")
	}
}

func TestStore_EventLogIsNDJSON(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")

	for _, msg := range []string{"one", "two", "three"} {
		if err := s.AppendEvent(run.ID, models.Event{Type: models.EventLog, Message: msg}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(s.DataDir(), "runs", run.ID, "events.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 4 { // run_created + three logs
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	for i, line := range lines {
		if strings.ContainsAny(line, "\n") || strings.Contains(line, "  ") {
			t.Errorf("line %d not minified: %q", i, line)
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Errorf("line %d not valid JSON: %v", i, err)
		}
		if ev.RunID != run.ID {
			t.Errorf("line %d run_id = %q", i, ev.RunID)
		}
	}
}

func TestStore_ReloadHeads(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")
	run.Status = models.RunSucceeded
	if err := s.UpdateRun(run); err != nil {
		t.Fatal(err)
	}
	sess, _ := s.CreateSession("/tmp/ws", "", "", "")

	// A fresh store over the same dataDir sees both aggregates.
	s2 := New(dir)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	got, err := s2.GetRun(run.ID)
	if err != nil {
		t.Fatalf("reloaded run: %v", err)
	}
	if got.Status != models.RunSucceeded {
		t.Errorf("reloaded status = %s", got.Status)
	}
	if _, err := s2.GetSession(sess.ID); err != nil {
		t.Fatalf("reloaded session: %v", err)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")

	ch, cancel := s.Subscribe(run.ID)
	defer cancel()

	if err := s.AppendEvent(run.ID, models.Event{Type: models.EventLog, Message: "live"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if ev.Message != "live" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestStore_RunApprovalResolution(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")

	if _, err := s.RequireRunApproval(run.ID, "step_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequireRunApproval(run.ID, "step_1"); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	done := make(chan models.ApprovalDecision, 1)
	go func() {
		d, err := s.WaitForRunApproval(context.Background(), run.ID, "step_1")
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.ResolveRunApproval(run.ID, "step_1", models.ApprovalDecision{Action: "deny", Reason: "nope"}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-done:
		if d.Approved() || d.Reason != "nope" {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	// Exactly one resolution: resolving again fails.
	if err := s.ResolveRunApproval(run.ID, "step_1", models.ApprovalDecision{Action: "approve"}); err == nil {
		t.Fatal("second resolve should fail")
	}
}

func TestStore_ApprovalCanceledByContext(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("/tmp/ws", "", "", "")
	if _, err := s.RequireSessionApproval(sess.ID, "call_1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := s.WaitForSessionApproval(ctx, sess.ID, "call_1"); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The pending entry is gone; a late resolve fails rather than racing.
	if err := s.ResolveSessionApproval(sess.ID, "call_1", models.ApprovalDecision{Action: "approve"}); err == nil {
		t.Fatal("resolve after cancellation should fail")
	}
}

func TestStore_SessionMessagesAndTurns(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("/tmp/ws", "be helpful", "chat", "")

	if _, err := s.AppendMessage(sess.ID, models.TextMessage("user", "hi")); err != nil {
		t.Fatal(err)
	}
	turnID, err := s.AddTurn(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSession(sess.ID)
	if len(got.Messages) != 1 || got.Messages[0].Text() != "hi" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.LastTurnID != turnID {
		t.Errorf("LastTurnID = %q, want %q", got.LastTurnID, turnID)
	}
	if got.Turns[0].Status != models.TurnPending {
		t.Errorf("turn status = %s", got.Turns[0].Status)
	}
}

func TestStore_AttachmentCollision(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("/tmp/ws", "", "", "")

	ref1, mime, err := s.SaveSessionAttachment(sess.ID, "shot.png", "image/png", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != "attachments/shot.png" || mime != "image/png" {
		t.Fatalf("ref=%q mime=%q", ref1, mime)
	}
	ref2, _, err := s.SaveSessionAttachment(sess.ID, "shot.png", "image/png", []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if ref2 == ref1 {
		t.Fatal("collision not renamed")
	}
	if !strings.HasSuffix(ref2, ".png") {
		t.Errorf("renamed attachment lost extension: %q", ref2)
	}

	// Path traversal in the filename is flattened to a basename.
	ref3, _, err := s.SaveSessionAttachment(sess.ID, "../../evil.txt", "", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ref3, "..") {
		t.Fatalf("traversal survived: %q", ref3)
	}
	// No-extension uploads get .bin.
	ref4, mime4, err := s.SaveSessionAttachment(sess.ID, "raw", "", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(ref4, ".bin") || mime4 != "application/octet-stream" {
		t.Errorf("ref=%q mime=%q", ref4, mime4)
	}
	// A colliding no-extension upload is renamed but keeps the .bin.
	ref5, _, err := s.SaveSessionAttachment(sess.ID, "raw", "", []byte("y"))
	if err != nil {
		t.Fatal(err)
	}
	if ref5 == ref4 || !strings.HasSuffix(ref5, ".bin") {
		t.Errorf("renamed no-extension attachment: %q (was %q)", ref5, ref4)
	}
}

func TestStore_ExportRunZip(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")
	if _, err := s.SaveRunArtifact(run.ID, "step_1", "command.json", []byte(`{"cmd":"ls"}`)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := s.ExportRun(run.ID, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"run.json", "events.ndjson", "artifacts/step_1/command.json"} {
		if !names[want] {
			t.Errorf("zip missing %q (have %v)", want, names)
		}
	}
}

func TestStore_CancelSessionMarksCanceled(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("/tmp/ws", "", "", "")

	fired := false
	s.SetSessionCancel(sess.ID, func() { fired = true })
	s.CancelSession(sess.ID)

	if !fired {
		t.Error("registered cancel func not invoked")
	}
	got, _ := s.GetSession(sess.ID)
	if got.Status != models.SessionCanceled {
		t.Errorf("status = %s, want canceled", got.Status)
	}
	if got.Error != "canceled" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestStore_SaveRunArtifactRel(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("/tmp/ws", "/tmp/spec.md")
	rel, err := s.SaveRunArtifact(run.ID, "step_9", "patch_apply.json", []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if rel != "artifacts/step_9/patch_apply.json" {
		t.Fatalf("rel = %q", rel)
	}
	if _, err := os.Stat(filepath.Join(s.DataDir(), "runs", run.ID, "artifacts", "step_9", "patch_apply.json")); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
}
