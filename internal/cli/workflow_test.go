package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/internal/platform/vault"
	"github.com/kislikjeka/gatekeeper/pkg/config"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

const dealJSON = `{
	"business_unit": "CORPORATIVO",
	"client_name": "Minera Andina",
	"exchange_rate": "3.75",
	"mrc": {"amount": "1200", "currency": "USD"},
	"nrc": {"amount": "800"},
	"contract_term_months": 24,
	"commission_rate": "0.03",
	"file_name": "andina.xlsx",
	"fixed_costs": [
		{"category": "equipment", "quantity": "2", "unit_cost": {"amount": "150"}}
	],
	"recurring_services": [
		{"service_type": "fiber", "quantity": "1",
		 "price": {"amount": "1200", "currency": "USD"},
		 "unit_cost_1": {"amount": "300", "currency": "USD"},
		 "unit_cost_2": {"amount": "0"}}
	]
}`

type env struct {
	dir   string
	share string
	key   string
}

// offlineEnv points the configuration at a temp dir with no remote store
func offlineEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{dir: dir, share: filepath.Join(dir, "share"), key: filepath.Join(dir, "archive.key")}

	t.Setenv("ENV", "test")
	t.Setenv("LOCAL_DB_PATH", filepath.Join(dir, "local.db"))
	t.Setenv("PATHS_CONFIG", filepath.Join(dir, "paths.yaml"))
	t.Setenv("GATEKEEPER_ROOT", e.share)
	t.Setenv("ARCHIVE_KEY_PATH", e.key)
	t.Setenv("ARCHIVE_KEY_PASSPHRASE", "correct horse battery staple")
	t.Setenv("STEADY_STATE_WAIT", "20ms")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("JWT_SECRET", "")

	inbox := filepath.Join(e.share, config.InboxDirName)
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "andina.xlsx"), []byte("PK deal sheet"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deal.json"), []byte(dealJSON), 0o644))
	return e
}

type result struct {
	code   int
	resp   CLIResponse
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), append(args, "--format", "json"), &stdout, &stderr)

	var r result
	r.code, r.stderr = code, stderr.String()
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &r.resp), "stdout: %s\nstderr: %s", stdout.String(), stderr.String())
	return r
}

func data(t *testing.T, r result) map[string]any {
	t.Helper()
	m, ok := r.resp.Data.(map[string]any)
	require.True(t, ok, "unexpected data %#v", r.resp.Data)
	return m
}

func TestWorkflow_IngestApproveOffline(t *testing.T) {
	e := offlineEnv(t)
	sales := []string{"--user", "u-sales", "--role", "SALES"}
	finance := []string{"--user", "u-fin", "--role", "FINANCE"}

	ingested := run(t, append([]string{"ingest", filepath.Join(e.dir, "deal.json")}, sales...)...)
	require.Equal(t, ExitSuccess, ingested.code, ingested.stderr)
	id, _ := data(t, ingested)["id"].(string)
	require.NotEmpty(t, id)
	assert.True(t, strings.HasPrefix(data(t, ingested)["file_fingerprint"].(string), "blake3:"))

	denied := run(t, append([]string{"approve", id}, sales...)...)
	assert.Equal(t, ExitCommandError, denied.code)
	require.NotNil(t, denied.resp.Error)
	assert.Equal(t, "FORBIDDEN", denied.resp.Error.Code)

	approved := run(t, append([]string{"approve", id, "--async"}, finance...)...)
	require.Equal(t, ExitSuccess, approved.code, approved.stderr)
	outcome := data(t, approved)
	assert.Equal(t, "COMPLETED", outcome["state"])
	assert.Equal(t, true, outcome["encrypted"])

	archived, _ := outcome["archived_path"].(string)
	require.FileExists(t, archived)
	assert.True(t, strings.HasSuffix(archived, vault.Suffix))
	assert.NoFileExists(t, filepath.Join(e.share, config.InboxDirName, "andina.xlsx"))

	v, err := vault.Open(e.key, "correct horse battery staple", logger.Discard())
	require.NoError(t, err)
	plain := filepath.Join(e.dir, "restored.xlsx")
	require.NoError(t, v.DecryptFile(archived, plain))
	content, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "PK deal sheet", string(content))

	again := run(t, append([]string{"approve", id}, finance...)...)
	assert.Equal(t, ExitFailure, again.code)
	require.NotNil(t, again.resp.Error)
	assert.Equal(t, "ALREADY_TERMINAL", again.resp.Error.Code)

	status := run(t, "sync", "status")
	require.Equal(t, ExitSuccess, status.code, status.stderr)
	assert.EqualValues(t, 6, data(t, status)["pending_count"])
	assert.Equal(t, false, data(t, status)["online"])

	runOnce := run(t, "sync", "run-once")
	assert.Equal(t, ExitCommandError, runOnce.code)

	shown := run(t, "show", id)
	require.Equal(t, ExitSuccess, shown.code, shown.stderr)
	assert.Equal(t, "APPROVED", data(t, shown)["approval_status"])
	assert.Len(t, data(t, shown)["fixed_costs"], 1)
}

func TestWorkflow_RejectAndCancel(t *testing.T) {
	e := offlineEnv(t)
	sales := []string{"--user", "u-sales", "--role", "SALES"}

	first := run(t, append([]string{"ingest", filepath.Join(e.dir, "deal.json")}, sales...)...)
	require.Equal(t, ExitSuccess, first.code, first.stderr)
	id := data(t, first)["id"].(string)

	rejected := run(t, "reject", id, "--note", "  margin below floor ", "--user", "u-admin", "--role", "ADMIN")
	require.Equal(t, ExitSuccess, rejected.code, rejected.stderr)
	assert.Equal(t, "REJECTED", data(t, rejected)["decision"])
	assert.Equal(t, false, data(t, rejected)["encrypted"])
	assert.FileExists(t, data(t, rejected)["archived_path"].(string))

	shown := run(t, "show", id)
	assert.Equal(t, "margin below floor", data(t, shown)["rejection_note"])

	// a second sheet for the same file name is a new deal that can be withdrawn
	inbox := filepath.Join(e.share, config.InboxDirName)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "andina.xlsx"), []byte("PK revised sheet"), 0o644))
	second := run(t, append([]string{"ingest", filepath.Join(e.dir, "deal.json")}, sales...)...)
	require.Equal(t, ExitSuccess, second.code, second.stderr)
	id2 := data(t, second)["id"].(string)

	cancelled := run(t, append([]string{"cancel", id2, "--reason", "duplicate"}, sales...)...)
	require.Equal(t, ExitSuccess, cancelled.code, cancelled.stderr)
	assert.Equal(t, "CANCELLED", data(t, cancelled)["approval_status"])
	assert.FileExists(t, filepath.Join(inbox, "andina.xlsx"), "cancel leaves the inbox file alone")

	listed := run(t, "list", "--status", "pending")
	require.Equal(t, ExitSuccess, listed.code, listed.stderr)
	assert.Empty(t, listed.resp.Data)
}

func TestKeygen_IsStable(t *testing.T) {
	offlineEnv(t)

	first := run(t, "keygen")
	require.Equal(t, ExitSuccess, first.code, first.stderr)
	second := run(t, "keygen")
	require.Equal(t, ExitSuccess, second.code, second.stderr)

	recipient := data(t, first)["recipient"].(string)
	assert.True(t, strings.HasPrefix(recipient, "age1"))
	assert.Equal(t, recipient, data(t, second)["recipient"])
}

func TestToken_RequiresSecret(t *testing.T) {
	offlineEnv(t)

	r := run(t, "token", "--user", "u-fin", "--role", "FINANCE")
	assert.Equal(t, ExitCommandError, r.code)

	t.Setenv("JWT_SECRET", "test-secret-key-minimum-32-characters-long")
	r = run(t, "token", "--user", "u-fin", "--role", "FINANCE")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.NotEmpty(t, data(t, r)["token"])
}
