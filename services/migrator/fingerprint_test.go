package migrator

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFingerprintMissingRoot(t *testing.T) {
	fp, err := Fingerprint(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Equal(t, NoSQLFiles, fp)
}

func TestFingerprintWalkOrder(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"z.sql": "Z", "notes.md": "ignored"})
	writeFiles(t, filepath.Join(root, "migrations"), map[string]string{"02.sql": "two", "01.sql": "one"})
	writeFiles(t, filepath.Join(root, "init-scripts"), map[string]string{"00.sql": "zero"})

	want := md5hex("z.sql:" + md5hex("Z") +
		"|00.sql:" + md5hex("zero") +
		"|01.sql:" + md5hex("one") +
		"|02.sql:" + md5hex("two"))

	fp, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, want, fp)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "migrations"), map[string]string{"01.sql": "CREATE TABLE a();"})

	before, err := Fingerprint(root)
	require.NoError(t, err)
	again, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, before, again)

	require.NoError(t, os.WriteFile(filepath.Join(root, "migrations", "01.sql"), []byte("CREATE TABLE b();"), 0o644))
	after, err := Fingerprint(root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestFingerprintEmptyTree(t *testing.T) {
	fp, err := Fingerprint(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, md5hex(""), fp)
}
