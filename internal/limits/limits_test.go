package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToBurst(t *testing.T) {
	rl := NewRateLimiter(zerolog.Nop(), time.Minute, 3)
	defer rl.Stop()

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
}

func TestRateLimiterIsolatesIPs(t *testing.T) {
	rl := NewRateLimiter(zerolog.Nop(), time.Minute, 1)
	defer rl.Stop()

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"))
}

func writeBanFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "banned.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBanListLoadsFile(t *testing.T) {
	path := writeBanFile(t, t.TempDir(), "1.2.3.4\n# comment\n\n5.6.7.8\n")

	b := NewBanList(zerolog.Nop(), path)
	require.NoError(t, b.Reload(true))

	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Contains("1.2.3.4"))
	assert.True(t, b.Contains("5.6.7.8"))
	assert.False(t, b.Contains("9.9.9.9"))
}

func TestBanListMissingFileIsEmpty(t *testing.T) {
	b := NewBanList(zerolog.Nop(), filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, b.Reload(true))
	assert.Equal(t, 0, b.Len())
}

func TestBanListReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeBanFile(t, dir, "1.2.3.4\n")

	b := NewBanList(zerolog.Nop(), path)
	require.NoError(t, b.Reload(true))
	require.True(t, b.Contains("1.2.3.4"))

	require.NoError(t, os.WriteFile(path, []byte("5.6.7.8\n"), 0o644))
	// Nudge mtime forward for filesystems with coarse timestamps.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, b.Reload(false))
	assert.False(t, b.Contains("1.2.3.4"))
	assert.True(t, b.Contains("5.6.7.8"))
}

func TestBanListUnchangedFileSkipsReread(t *testing.T) {
	dir := t.TempDir()
	path := writeBanFile(t, dir, "1.2.3.4\n")

	b := NewBanList(zerolog.Nop(), path)
	require.NoError(t, b.Reload(true))

	// Same mtime: the in-memory set must stay as-is even though we cannot
	// observe the skipped read directly.
	require.NoError(t, b.Reload(false))
	assert.True(t, b.Contains("1.2.3.4"))
}
