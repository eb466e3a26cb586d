package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/internal/deal"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"ingest"}, {"approve"}, {"reject"}, {"cancel"}, {"show"}, {"list"},
		{"sync", "status"}, {"sync", "run-once"}, {"sync", "entries"}, {"sync", "requeue"},
		{"keygen"}, {"token"},
	}

	for _, path := range commands {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestDecisionFlags(t *testing.T) {
	cmd := NewRootCommand()

	approve, _, err := cmd.Find([]string{"approve"})
	require.NoError(t, err)
	assert.NotNil(t, approve.Flags().Lookup("async"))

	reject, _, err := cmd.Find([]string{"reject"})
	require.NoError(t, err)
	assert.NotNil(t, reject.Flags().Lookup("note"))
	assert.NotNil(t, reject.Flags().Lookup("async"))
}

func TestRootOptions_Actor(t *testing.T) {
	a, err := (&RootOptions{UserID: "u-fin", Role: "FINANCE"}).Actor()
	require.NoError(t, err)
	assert.Equal(t, deal.Actor{UserID: "u-fin", Role: deal.RoleFinance}, a)

	_, err = (&RootOptions{Role: "FINANCE"}).Actor()
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = (&RootOptions{UserID: "u", Role: "DEACTIVATED"}).Actor()
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExecute_InvalidFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"list", "--format", "yaml"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "invalid format")
}

func TestExecute_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"approve", "x", "--force"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
}
