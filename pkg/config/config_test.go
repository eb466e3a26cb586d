package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("STEADY_STATE_WAIT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.Offline())
	assert.Equal(t, 2*time.Second, cfg.SteadyStateWait)
	assert.Equal(t, 3, cfg.SteadyStateChecks)
	assert.Equal(t, 5, cfg.SyncMaxAttempts)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://gk@db/gatekeeper")
	t.Setenv("STEADY_STATE_WAIT", "250ms")
	t.Setenv("SYNC_MAX_ATTEMPTS", "9")
	t.Setenv("SYNC_WORKER_DISABLED", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Offline())
	assert.Equal(t, 250*time.Millisecond, cfg.SteadyStateWait)
	assert.Equal(t, 9, cfg.SyncMaxAttempts)
	assert.True(t, cfg.SyncWorkerDisabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"short jwt secret", map[string]string{"JWT_SECRET": "short"}},
		{"single steady check", map[string]string{"STEADY_STATE_CHECKS": "1"}},
		{"max delay below base", map[string]string{"SYNC_BASE_DELAY": "1m", "SYNC_MAX_DELAY": "10s"}},
		{"production without passphrase", map[string]string{"ENV": "production", "ARCHIVE_KEY_PASSPHRASE": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadPaths_RootOverrideWithoutFile(t *testing.T) {
	root := t.TempDir()

	p, err := LoadPaths(filepath.Join(root, "missing.yaml"), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, InboxDirName), p.Inbox)
	assert.Equal(t, filepath.Join(root, ApprovedDirName), p.Approved)
	assert.Equal(t, filepath.Join(root, RejectedDirName), p.Rejected)

	require.NoError(t, p.EnsureInbox())
	assert.DirExists(t, p.Inbox)
}

func TestLoadPaths_FileEntriesWin(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "paths.yaml")
	require.NoError(t, os.WriteFile(file, []byte("root: /srv/share\napproved: /mnt/vault/approved\n"), 0o644))

	p, err := LoadPaths(file, "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/share", p.Root)
	assert.Equal(t, "/mnt/vault/approved", p.Approved)
	assert.Equal(t, filepath.Join("/srv/share", RejectedDirName), p.Rejected)

	p, err = LoadPaths(file, "/tmp/override")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/override", InboxDirName), p.Inbox)
	assert.Equal(t, "/mnt/vault/approved", p.Approved)
}

func TestLoadPaths_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPaths(filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err, "a missing file needs a root override")

	same := filepath.Join(dir, "same.yaml")
	require.NoError(t, os.WriteFile(same, []byte("inbox: /a\napproved: /b\nrejected: /b/\n"), 0o644))
	_, err = LoadPaths(same, "")
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("root: [unclosed"), 0o644))
	_, err = LoadPaths(broken, "")
	assert.Error(t, err)
}
