// Package fsutil holds the filesystem primitives shared by the file
// transfer engine (C5) and the OTA orchestrator (C6): atomic writes and
// archive extraction, adapted from the device writer's renameio-backed
// atomic write and tar unpacking.
package fsutil

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

const (
	DefaultDirectoryPermissions = 0o755
	DefaultFilePermissions      = 0o644
)

// WriteFileAtomic writes b to fpath via a temp file in the same directory
// followed by an atomic rename, so a reader never observes a partially
// written file. Used by C6 to write the OTA cycle's iot-update.log.
func WriteFileAtomic(fpath string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(fpath)
	if err := os.MkdirAll(dir, DefaultDirectoryPermissions); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	t, err := renameio.TempFile(dir, fpath)
	if err != nil {
		return err
	}
	defer func() { _ = t.Cleanup() }()

	if err := t.Chmod(mode); err != nil {
		return err
	}
	w := bufio.NewWriter(t)
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// CopyFileAtomic streams src into dst atomically, for large downloads that
// should not be buffered fully in memory.
func CopyFileAtomic(dstPath string, src io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, DefaultDirectoryPermissions); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	t, err := renameio.TempFile(dir, dstPath)
	if err != nil {
		return err
	}
	defer func() { _ = t.Cleanup() }()

	if err := t.Chmod(mode); err != nil {
		return err
	}
	if _, err := io.Copy(t, src); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// UnpackTar extracts a tar archive at tarPath into destDir, rejecting any
// entry that would escape destDir. Gzip compression is detected from the
// file's leading magic bytes, not from its name.
func UnpackTar(tarPath, destDir string) error {
	file, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("opening tar file: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var tarReader *tar.Reader
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		tarReader = tar.NewReader(gzr)
	} else {
		tarReader = tar.NewReader(br)
	}

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}
		destPath := filepath.Join(destDir, cleanName)
		perm := header.FileInfo().Mode().Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if perm == 0 {
				perm = DefaultDirectoryPermissions
			}
			if err := os.MkdirAll(destPath, perm); err != nil {
				return fmt.Errorf("creating directory %s: %w", destPath, err)
			}
		case tar.TypeReg:
			if perm == 0 {
				perm = DefaultFilePermissions
			}
			if err := os.MkdirAll(filepath.Dir(destPath), DefaultDirectoryPermissions); err != nil {
				return fmt.Errorf("creating parent directory: %w", err)
			}
			destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
			if err != nil {
				return fmt.Errorf("creating file %s: %w", destPath, err)
			}
			// LimitReader guards against a decompression bomb inflating past
			// the declared header size.
			limitedReader := io.LimitReader(tarReader, header.Size)
			if _, err := io.Copy(destFile, limitedReader); err != nil {
				destFile.Close()
				return fmt.Errorf("writing file %s: %w", destPath, err)
			}
			destFile.Close()
		}
	}
	return nil
}
