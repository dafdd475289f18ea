// Package fsutil provides crash-safe file writes on top of afero.
//
// Every write lands in a temporary file in the destination directory and is
// then renamed over the final path, so readers only ever observe a complete
// previous or complete new version of a document.
package fsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	dirPerm  os.FileMode = 0o750
	filePerm os.FileMode = 0o600
)

// WriteFileAtomic writes data to path via a temp file and rename.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	_, err := WriteStreamAtomic(fs, path, bytes.NewReader(data))
	return err
}

// WriteStreamAtomic copies r into path via a temp file and rename and returns
// the number of bytes written. The temp file is removed on any failure.
func WriteStreamAtomic(fs afero.Fs, path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = fs.Remove(tmpName) //nolint:errcheck // best-effort cleanup
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return n, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return n, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Chmod(tmpName, filePerm); err != nil && !errors.Is(err, os.ErrNotExist) {
		cleanup()
		return n, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		cleanup()
		return n, fmt.Errorf("rename temp file: %w", err)
	}
	return n, nil
}

// WriteJSONAtomic encodes v as indented JSON with a trailing newline and
// writes it atomically.
func WriteJSONAtomic(fs afero.Fs, path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return WriteFileAtomic(fs, path, buf.Bytes())
}

// ReadJSON decodes the document at path into v. It reports found=false with a
// nil error when the file does not exist.
func ReadJSON(fs afero.Fs, path string, v any) (found bool, err error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}
