// Package jsonfile implements the atomic write discipline shared by the
// rates cache and the history storage: backup copy, temp file, integrity
// verification, atomic rename. A write either fully replaces the target
// file or leaves it untouched.
package jsonfile

import (
	"fmt"
	"io"
	"os"
)

// WriteAtomic writes data to path through a temp file. Before the rename the
// temp file content is re-read and passed to verify; a verify failure aborts
// the write. If a backup of the previous file exists and the write fails,
// the previous file is restored from it.
func WriteAtomic(path string, data []byte, verify func([]byte) error) error {
	tempPath := path + ".tmp"
	backupPath := path + ".backup"

	backedUp := false
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, backupPath); err == nil {
			backedUp = true
		}
		// A failed backup is not fatal; the rename below is still atomic.
	}

	if err := writeAndVerify(tempPath, data, verify); err != nil {
		cleanup(tempPath, backupPath, backedUp, path)
		return err
	}

	if err := os.Rename(tempPath, path); err != nil {
		cleanup(tempPath, backupPath, backedUp, path)
		return fmt.Errorf("rename temp file: %w", err)
	}

	if backedUp {
		_ = os.Remove(backupPath)
	}
	return nil
}

func writeAndVerify(tempPath string, data []byte, verify func([]byte) error) error {
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	written, err := os.ReadFile(tempPath)
	if err != nil {
		return fmt.Errorf("read back temp file: %w", err)
	}
	if len(written) == 0 {
		return fmt.Errorf("temp file is empty after write")
	}
	if verify != nil {
		if err := verify(written); err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
	}
	return nil
}

func cleanup(tempPath, backupPath string, backedUp bool, path string) {
	_ = os.Remove(tempPath)
	if backedUp {
		// Put the previous file back in place if anything clobbered it.
		if _, err := os.Stat(path); err != nil {
			_ = os.Rename(backupPath, path)
		} else {
			_ = os.Remove(backupPath)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
