package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteChecksumsDryRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, TokensFile), "tokens: []\n")

	report, err := WriteChecksums(dir, []string{TokensFile, "missing.yaml"}, true)
	require.NoError(t, err)

	assert.False(t, report.Written)
	require.Len(t, report.Files, 2)
	assert.True(t, report.Files[0].Exists)
	assert.NotEmpty(t, report.Files[0].Hash)
	assert.False(t, report.Files[1].Exists)
	assert.Empty(t, report.Files[1].Hash)

	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, os.IsNotExist(err), "dry run must not write the manifest")
}

func TestWriteChecksumsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "machine:\n  hostname: x\n")

	report, err := WriteChecksums(dir, []string{"config.yaml"}, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	manifest, err := LoadChecksums(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Version)
	require.NoError(t, VerifyFileHash(path, manifest.Hashes["config.yaml"]))

	writeFile(t, path, "machine:\n  hostname: y\n")
	assert.ErrorContains(t, VerifyFileHash(path, manifest.Hashes["config.yaml"]), "hash mismatch")
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	assert.ErrorContains(t, err, "motionhost config hash")
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ChecksumFile), "version: 7\nhashes: {}\n")
	_, err := LoadChecksums(dir)
	assert.ErrorContains(t, err, "unsupported checksums version")
}

func TestHashConfigTreePerDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "include: [sub/extra.yaml]\n")
	writeFile(t, filepath.Join(dir, "sub", "extra.yaml"), "daemon:\n  enabled: false\n")

	reports, err := HashConfigTree(dir, false)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	sub, err := LoadChecksums(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Contains(t, sub.Hashes, "extra.yaml")
}
