//go:build integration

package integration

import (
	"strings"
	"testing"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// TestCLI_StartFollowsToEnd starts a run and follows it in plain mode
func TestCLI_StartFollowsToEnd(t *testing.T) {
	_, url := startSandbox(t)
	configPath := writeConfig(t, url)

	out, err := runCLI(t, configPath, "start", "--job", "runDelta", "--state", "Florida")
	if err != nil {
		t.Fatalf("start failed: %v\n%s", err, out)
	}
	mustContain(t, out, "started run r1", "created sub-account Florida-3", "r1: done")
}

// TestCLI_StartAttachesToDuplicate checks a second identical start attaches
func TestCLI_StartAttachesToDuplicate(t *testing.T) {
	srv, url := startSandbox(t)
	srv.AutoRun = nil
	configPath := writeConfig(t, url)
	runID := srv.Start(domain.Meta{Job: "runDelta", State: "Ohio", TenantID: "acme"})

	out, err := runCLI(t, configPath, "start", "--job", "runDelta", "--state", "Ohio", "--detach")
	if err != nil {
		t.Fatalf("start failed: %v\n%s", err, out)
	}
	mustContain(t, out, "attached to existing run "+runID)
	fields := strings.Fields(out)
	if got := fields[len(fields)-1]; got != runID {
		t.Errorf("last line = %q, want %q", got, runID)
	}
}

// TestCLI_RunsAndHistory lists a finished run and reads its timeline
func TestCLI_RunsAndHistory(t *testing.T) {
	_, url := startSandbox(t)
	configPath := writeConfig(t, url)

	if out, err := runCLI(t, configPath, "start", "--job", "runDelta", "--state", "Texas"); err != nil {
		t.Fatalf("start failed: %v\n%s", err, out)
	}

	out, err := runCLI(t, configPath, "runs")
	if err != nil {
		t.Fatalf("runs failed: %v\n%s", err, out)
	}
	mustContain(t, out, "ID", "STATUS", "r1", "Texas", "done")

	out, err = runCLI(t, configPath, "history", "r1")
	if err != nil {
		t.Fatalf("history failed: %v\n%s", err, out)
	}
	mustContain(t, out, "Run r1", "createDb=done")

	// the first history call filled the cache
	out, err = runCLI(t, configPath, "history", "r1", "--offline", "--raw")
	if err != nil {
		t.Fatalf("offline history failed: %v\n%s", err, out)
	}
	mustContain(t, out, "processing city: Texas-1")
}

// TestCLI_FailedRunExitCode checks a failed run makes the command fail
func TestCLI_FailedRunExitCode(t *testing.T) {
	srv, url := startSandbox(t)
	srv.AutoRun.FailAt = 2
	configPath := writeConfig(t, url)

	out, err := runCLI(t, configPath, "start", "--job", "runDelta", "--state", "Utah")
	if err == nil {
		t.Fatalf("start succeeded, want failure\n%s", out)
	}
	mustContain(t, out, "run-delta failed")
}

// TestCLI_FailuresEmpty lists an empty ledger
func TestCLI_FailuresEmpty(t *testing.T) {
	_, url := startSandbox(t)
	configPath := writeConfig(t, url)

	out, err := runCLI(t, configPath, "failures", "list")
	if err != nil {
		t.Fatalf("failures list failed: %v\n%s", err, out)
	}
	mustContain(t, out, "No failures.")
}
