package fileguard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

func fastConfig() Config {
	return Config{SteadyChecks: 2, SteadyWindow: 10 * time.Millisecond}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCheckReadiness_Ready(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "content")

	g := New(fastConfig(), logger.Discard())
	res, err := g.CheckReadiness(context.Background(), p)

	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.NoError(t, res.Err())
}

func TestCheckReadiness_TempNames(t *testing.T) {
	dir := t.TempDir()
	g := New(fastConfig(), logger.Discard())

	for _, name := range []string{"~$deal.xlsx", ".~lock.deal.xlsx#", "deal.xlsx.tmp", "deal.xlsx.partial"} {
		p := writeFile(t, dir, name, "x")
		res, err := g.CheckReadiness(context.Background(), p)
		require.NoError(t, err)
		assert.False(t, res.Ready, name)
		assert.Equal(t, ReasonTempMarker, res.Reason, name)
	}
}

func TestCheckReadiness_SiblingExcelMarker(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "content")
	writeFile(t, dir, "~$deal.xlsx", "owner")

	g := New(fastConfig(), logger.Discard())
	res, err := g.CheckReadiness(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, ReasonTempMarker, res.Reason)
	assert.True(t, apperrors.HasCode(res.Err(), apperrors.ErrCodeFileNotReady))
}

func TestCheckReadiness_LongNameExcelMarker(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "quarterly-deal.xlsx", "content")
	writeFile(t, dir, "~$arterly-deal.xlsx", "owner")

	g := New(fastConfig(), logger.Discard())
	res, err := g.CheckReadiness(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, ReasonTempMarker, res.Reason)
}

func TestCheckReadiness_Missing(t *testing.T) {
	g := New(fastConfig(), logger.Discard())
	res, err := g.CheckReadiness(context.Background(), filepath.Join(t.TempDir(), "gone.xlsx"))

	require.NoError(t, err)
	assert.Equal(t, ReasonMissing, res.Reason)
}

func TestCheckReadiness_GrowingFileIsNotSteady(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "partial")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			return
		}
		_, _ = f.WriteString(" more bytes from the sync agent")
		_ = f.Close()
	}()

	g := New(Config{SteadyChecks: 2, SteadyWindow: 200 * time.Millisecond}, logger.Discard())
	res, err := g.CheckReadiness(context.Background(), p)
	<-done

	require.NoError(t, err)
	assert.Equal(t, ReasonNotSteady, res.Reason)
	assert.True(t, apperrors.HasCode(res.Err(), apperrors.ErrCodeNotSteady))
}

func TestCheckReadiness_LockedByProbe(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "content")

	g := New(fastConfig(), logger.Discard(), WithLockProbe(func(string) (bool, error) { return true, nil }))
	res, err := g.CheckReadiness(context.Background(), p)

	require.NoError(t, err)
	assert.Equal(t, ReasonLocked, res.Reason)
	assert.True(t, apperrors.HasCode(res.Err(), apperrors.ErrCodeFileLocked))
}

func TestCheckReadiness_Cancelled(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "content")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(Config{SteadyChecks: 3, SteadyWindow: time.Second}, logger.Discard())
	_, err := g.CheckReadiness(ctx, p)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckReadiness_Idempotent(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "deal.xlsx", "content")
	g := New(fastConfig(), logger.Discard())

	for i := 0; i < 3; i++ {
		res, err := g.CheckReadiness(context.Background(), p)
		require.NoError(t, err)
		assert.True(t, res.Ready)
	}
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}
