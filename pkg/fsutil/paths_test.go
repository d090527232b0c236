package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("a"), 0o644))

	got, err := ResolveUnder(root, "sub/a.txt")
	require.NoError(t, err)
	assert.True(t, Within(root, got))

	// Missing leaves are allowed; the existing ancestors are what count.
	_, err = ResolveUnder(root, "sub/not-yet/created.txt")
	require.NoError(t, err)

	_, err = ResolveUnder(root, "../escape.txt")
	assert.NoError(t, err, "leading .. is stripped by the rooted clean")

	_, err = ResolveUnder(root, "sub/../../escape.txt")
	assert.NoError(t, err, "interior .. cleans to a rooted path")
}

func TestResolveUnderRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := ResolveUnder(root, "link/secret")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/data/out", "/data/out"))
	assert.True(t, Within("/data/out", "/data/out/job/file.mkv"))
	assert.False(t, Within("/data/out", "/data/output"), "sibling prefix is not containment")
	assert.False(t, Within("/data/out", "/data"))
	assert.False(t, Within("/data/out", "/etc/passwd"))
}

func TestValidFilename(t *testing.T) {
	assert.True(t, ValidFilename("episode 01.mkv"))
	assert.False(t, ValidFilename(""))
	assert.False(t, ValidFilename(".hidden"))
	assert.False(t, ValidFilename("a/../b"))
	assert.False(t, ValidFilename(`dir\file`))
	assert.False(t, ValidFilename("a/b.mkv"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "show-a", Slugify("Show A"))
	assert.Equal(t, "attack-on-sector-9", Slugify("Attack on Sector 9!"))
	assert.Equal(t, "a-b", Slugify("--a__b--"))
	assert.Equal(t, "", Slugify("!!!"))
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("v1"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("v2"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCopyFilePreservesMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestZeroAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "part")
	require.NoError(t, os.WriteFile(path, []byte("sensitive"), 0o644))

	require.NoError(t, ZeroAndRemove(path))
	assert.NoFileExists(t, path)
}
