package testsupport

import (
	"path/filepath"
	"testing"

	"modelcall/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and engine delays short enough for unit tests.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.LLM.APIKey = "test"
	cfgVal.LLM.Model = "test-model"
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Dispatch.Concurrency = 4
	cfgVal.Dispatch.FlushIntervalSeconds = 0
	cfgVal.Dispatch.RetryBaseDelaySeconds = 0
	cfgVal.Dispatch.ShutdownGraceSeconds = 0
	cfgVal.Dispatch.CallTimeoutSeconds = 5
	cfgVal.Metrics.Addr = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithKeyFields sets the fields used to fingerprint items.
func WithKeyFields(fields ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Prompt.KeyFields = fields
	}
}

// WithDispatch adjusts the [dispatch] section.
func WithDispatch(fn func(*config.Dispatch)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Dispatch)
	}
}

// WithBaseURL points the LLM client at a test server.
func WithBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.LLM.BaseURL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputDir)
}
