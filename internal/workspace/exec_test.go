package workspace

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCommandSuccess(t *testing.T) {
	res, err := RunCommand(context.Background(), "echo hello", ExecOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Duration == "" {
		t.Error("duration not recorded")
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	res, err := RunCommand(context.Background(), "echo oops >&2; exit 3", ExecOptions{})
	if err == nil {
		t.Fatal("want error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	// Login shells may prepend profile noise to stderr; only the tail is ours.
	if !strings.HasSuffix(strings.TrimSpace(res.Stderr), "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	start := time.Now()
	res, err := RunCommand(context.Background(), "sleep 10", ExecOptions{Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("want error on timeout")
	}
	if res.ExitCode != 124 && res.ExitCode != -1 {
		t.Errorf("exit code = %d, want 124 (timeout) or -1 (killed)", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout did not kill promptly: %v", elapsed)
	}
}

func TestRunCommandCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if _, err := RunCommand(ctx, "sleep 10", ExecOptions{}); err == nil {
		t.Fatal("want error on cancellation")
	}
}

func TestRunCommandEnvOverride(t *testing.T) {
	t.Setenv("WS_EXEC_TEST", "parent")
	res, err := RunCommand(context.Background(), "echo $WS_EXEC_TEST", ExecOptions{
		Env: []string{"WS_EXEC_TEST=override"},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "override" {
		t.Errorf("stdout = %q, want override", res.Stdout)
	}
}

func TestRunCommandEmpty(t *testing.T) {
	if _, err := RunCommand(context.Background(), "", ExecOptions{}); err == nil {
		t.Fatal("want error for empty command")
	}
}
