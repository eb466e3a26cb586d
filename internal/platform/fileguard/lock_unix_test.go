//go:build unix

package fileguard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

func TestProbeExclusive_DetectsHeldFlock(t *testing.T) {
	p := filepath.Join(t.TempDir(), "deal.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("content"), 0o644))

	holder, err := os.OpenFile(p, os.O_RDWR, 0)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	locked, err := probeExclusive(p)
	require.NoError(t, err)
	assert.True(t, locked)

	g := New(fastConfig(), logger.Discard())
	res, err := g.CheckReadiness(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, res.Reason)

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	locked, err = probeExclusive(p)
	require.NoError(t, err)
	assert.False(t, locked)
}
