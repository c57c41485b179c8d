package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"moviequeue/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields, applies any provided options, and creates the
// runtime directories.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.MovieDir = filepath.Join(base, "movies")
	cfgVal.Paths.TelevisionDir = filepath.Join(base, "television")
	cfgVal.Paths.UnwatchedDir = filepath.Join(base, "unwatched")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockDir = filepath.Join(base, "locks")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Remote.DefaultHost = ""
	cfgVal.Remote.KeyPath = filepath.Join(base, "ssh", "id_ed25519")
	cfgVal.Remote.KnownHostsPath = filepath.Join(base, "ssh", "known_hosts")
	cfgVal.Dispatch.KillGraceSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return builder.cfg
}

// WithMaxConcurrent overrides the dispatcher pool size.
func WithMaxConcurrent(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.MaxConcurrent = n
	}
}

// WithBackupDir enables backups of replaced files under the test base dir.
func WithBackupDir() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.BackupDir = filepath.Join(b.baseDir, "backup")
	}
}

// WithStubbedBinaries writes the given shell scripts as executables and
// prepends their directory to PATH for the duration of the test. The config
// encoder and subtitle binaries keep their names so lookups go through PATH.
func WithStubbedBinaries(scripts map[string]string) ConfigOption {
	return func(b *configBuilder) {
		StubBinaries(b.t, filepath.Join(b.baseDir, "bin"), scripts)
	}
}

// StubBinaries writes executables into dir and prepends dir to PATH.
func StubBinaries(t testing.TB, dir string, scripts map[string]string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	for name, script := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
			t.Fatalf("write stub %s: %v", name, err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
