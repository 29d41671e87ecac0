package migrator

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{PlanFileName: "directories: [init-scripts, migrations]\n"})
	writeFiles(t, filepath.Join(root, "init-scripts"), map[string]string{"00_roles.sql": "CREATE ROLE anon;"})
	writeFiles(t, filepath.Join(root, "migrations"), map[string]string{
		"20240101_users.sql": "CREATE TABLE users(id int);",
		"20240102_posts.sql": "CREATE TABLE posts(id int);",
	})
	return root
}

func TestBundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := sampleTree(t)
	now := time.Date(2024, 5, 1, 10, 30, 15, 999, time.UTC)

	var buf bytes.Buffer
	manifest, err := BuildBundle(ctx, root, &buf, now)
	require.NoError(t, err)
	assert.Equal(t, now.Truncate(time.Second), manifest.CreatedAt)
	require.Len(t, manifest.Files, 4)
	assert.Equal(t, "init-scripts/00_roles.sql", manifest.Files[0].Path)
	assert.Equal(t, PlanFileName, manifest.Files[3].Path)

	wantFP, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, wantFP, manifest.Fingerprint)

	dest := t.TempDir()
	extracted, err := ExtractBundle(ctx, bytes.NewReader(buf.Bytes()), dest)
	require.NoError(t, err)
	assert.Equal(t, manifest.Fingerprint, extracted.Fingerprint)

	data, err := os.ReadFile(filepath.Join(dest, "migrations", "20240102_posts.sql"))
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE posts(id int);", string(data))

	plan, err := ResolvePlan(dest, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"init-scripts", "migrations"}, plan.Directories)
}

func TestBuildBundleFile(t *testing.T) {
	root := sampleTree(t)
	output := filepath.Join(t.TempDir(), "out", "sql"+BundleExt)

	_, err := BuildBundleFile(context.Background(), root, output, time.Now())
	require.NoError(t, err)
	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = BuildBundleFile(context.Background(), t.TempDir(), output+".empty", time.Now())
	require.Error(t, err)
	_, statErr := os.Stat(output + ".empty")
	assert.True(t, os.IsNotExist(statErr))
}

type tarEntry struct {
	name string
	body string
}

func rawBundle(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestExtractBundleRejectsTraversal(t *testing.T) {
	for _, name := range []string{"sql/../../escape.sql", "../escape.sql", "/etc/escape.sql", "other/file.sql"} {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			require.NoError(t, os.Mkdir(dest, 0o755))

			data := rawBundle(t, tarEntry{name: name, body: "DROP DATABASE postgres;"})
			_, err := ExtractBundle(context.Background(), bytes.NewReader(data), dest)
			require.Error(t, err)

			_, statErr := os.Stat(filepath.Join(parent, "escape.sql"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtractBundleVerifiesManifest(t *testing.T) {
	manifest := "version: \"1\"\nfiles:\n  - path: migrations/01.sql\n    size: 3\n    sha256: deadbeef\n"

	_, err := ExtractBundle(context.Background(), bytes.NewReader(rawBundle(t,
		tarEntry{name: manifestFileName, body: manifest},
		tarEntry{name: "sql/migrations/01.sql", body: "abc"},
	)), t.TempDir())
	require.ErrorContains(t, err, "sha256 mismatch")

	_, err = ExtractBundle(context.Background(), bytes.NewReader(rawBundle(t,
		tarEntry{name: "sql/migrations/01.sql", body: "abc"},
	)), t.TempDir())
	require.ErrorContains(t, err, "missing manifest.yaml")

	_, err = ExtractBundle(context.Background(), bytes.NewReader(rawBundle(t,
		tarEntry{name: manifestFileName, body: "version: \"9\"\n"},
	)), t.TempDir())
	require.ErrorContains(t, err, "unsupported manifest version")
}
