package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

type cliTestEnv struct {
	configPath string
	outputDir  string
	baseDir    string
	server     *httptest.Server
	requests   *atomic.Int64
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	for _, key := range []string{
		"MODELCALL_API_KEY", "API_KEY", "MODELCALL_BASE_URL", "BASE_URL",
		"MODELCALL_MODEL", "MODEL_NAME", "MODELCALL_NTFY_TOPIC",
	} {
		t.Setenv(key, "")
	}

	requests := new(atomic.Int64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": `{"ok":true}`},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(server.Close)

	env := &cliTestEnv{
		configPath: filepath.Join(base, "config.toml"),
		outputDir:  filepath.Join(base, "output"),
		baseDir:    base,
		server:     server,
		requests:   requests,
	}
	writeTestConfig(t, env)
	return env
}

func writeTestConfig(t *testing.T, env *cliTestEnv) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
output_dir = %q
log_dir = %q
state_dir = %q

[llm]
api_key = "test"
base_url = %q
model = "test-model"

[dispatch]
concurrency = 2
flush_interval_seconds = 0
retry_base_delay_seconds = 0
shutdown_grace_seconds = 0

[logging]
format = "json"
level = "error"
`,
		env.outputDir,
		filepath.Join(env.baseDir, "logs"),
		filepath.Join(env.baseDir, "state"),
		env.server.URL,
	)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeInputFile(t *testing.T, env *cliTestEnv, name string, n int) string {
	t.Helper()
	var buf bytes.Buffer
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&buf, "{\"id\": %d, \"text\": \"question %d\"}\n", i, i)
	}
	path := filepath.Join(env.baseDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
