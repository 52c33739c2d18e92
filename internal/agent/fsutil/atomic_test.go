package fsutil

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0o644))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestUnpackTarRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Typeflag: tar.TypeReg, Size: 4, Mode: 0o644}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(tarPath, buf.Bytes(), 0o644))

	destDir := filepath.Join(dir, "dest")
	err = UnpackTar(tarPath, destDir)
	require.Error(t, err)
}

func TestUnpackTarExtractsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "ok.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "update.sh", Typeflag: tar.TypeReg, Size: 7, Mode: 0o755}))
	_, err := tw.Write([]byte("#!/bin\n"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(tarPath, buf.Bytes(), 0o644))

	destDir := filepath.Join(dir, "dest")
	require.NoError(t, UnpackTar(tarPath, destDir))

	b, err := os.ReadFile(filepath.Join(destDir, "update.sh"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin\n", string(b))
}
