//go:build integration

package integration

import (
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/sandbox"
)

// binaryPath returns the path to the provctl binary, building it on first use
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../provctl",
		filepath.Join(os.Getenv("GOPATH"), "bin", "provctl"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../provctl", "../cmd/provctl")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../provctl")
	return abs
}

// startSandbox serves a sandbox backend that simulates every started run
func startSandbox(t *testing.T) (*sandbox.Server, string) {
	t.Helper()
	srv := sandbox.New()
	srv.AutoRun = &sandbox.Simulation{Units: 3, Interval: 20 * time.Millisecond}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

// writeConfig writes a config pointing at baseURL with all local state in a
// temp directory
func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	config := `[backend]
base_url = "` + baseURL + `"
tenant_id = "acme"

[stream]
backoff_base_ms = 10
backoff_max_ms = 100

[registry]
active_poll_seconds = 1
idle_poll_seconds = 5

[ledger]
database_path = "` + filepath.Join(dir, "ledger.db") + `"
cache_path = "` + filepath.Join(dir, "cache.db") + `"

[notifications]
desktop = false
`
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// runCLI runs provctl with args and returns its combined output
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append(args, "--config", configPath)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func mustContain(t *testing.T, output string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(output, w) {
			t.Errorf("Expected %q in output, got: %s", w, output)
		}
	}
}
