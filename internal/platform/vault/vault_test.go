package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

func TestOpen_GeneratesThenReloadsSameKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "archive.key")

	v1, err := Open(keyPath, "correct horse", logger.Discard())
	require.NoError(t, err)
	v2, err := Open(keyPath, "correct horse", logger.Discard())
	require.NoError(t, err)

	assert.Equal(t, v1.Recipient(), v2.Recipient())

	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "AGE-SECRET-KEY")
}

func TestOpen_WrongPassphrase(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "archive.key")
	_, err := Open(keyPath, "one", logger.Discard())
	require.NoError(t, err)

	_, err = Open(keyPath, "two", logger.Discard())
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestEncryptFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(filepath.Join(dir, "archive.key"), "pw", logger.Discard())
	require.NoError(t, err)

	plain := []byte(strings.Repeat("deal row;", 5000))
	src := filepath.Join(dir, "deal.xlsx")
	require.NoError(t, os.WriteFile(src, plain, 0o644))

	enc := filepath.Join(dir, "deal.xlsx"+Suffix)
	var seen bytes.Buffer
	require.NoError(t, v.EncryptFile(src, enc, &seen))
	assert.Equal(t, plain, seen.Bytes())

	ciphertext, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, []byte("deal row;")))

	out := filepath.Join(dir, "restored.xlsx")
	require.NoError(t, v.DecryptFile(enc, out))
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, restored)
}

func TestEncryptFile_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(filepath.Join(dir, "archive.key"), "pw", logger.Discard())
	require.NoError(t, err)

	src := filepath.Join(dir, "deal.xlsx")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(dir, "existing")
	require.NoError(t, os.WriteFile(dst, []byte("keep me"), 0o644))

	assert.Error(t, v.EncryptFile(src, dst, nil))
	kept, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(kept))
}
