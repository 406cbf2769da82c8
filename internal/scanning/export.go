package scanning

import (
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/anstrom/portscribe/internal/errors"
)

// WithExtension appends ext to path unless path already ends with it,
// ignoring case.
func WithExtension(path, ext string) string {
	ext = NormalizeExtension(ext)
	if strings.HasSuffix(strings.ToLower(path), strings.ToLower(ext)) {
		return path
	}
	return path + ext
}

// Export moves the transcript at src to dest and returns the final path.
// ext is appended to dest when missing. If dest is an existing directory
// the transcript keeps its file name inside it. A missing src fails with
// SOURCE_NOT_FOUND and leaves dest untouched.
func Export(src, dest, ext string) (string, error) {
	if src == "" {
		return "", errors.ErrSourceNotFound("")
	}
	if dest == "" {
		return "", errors.NewScanError(errors.CodeValidation, "export destination required")
	}

	info, err := os.Stat(src)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return "", errors.ErrSourceNotFound(src)
		}
		return "", exportError(src, dest, err)
	}
	if info.IsDir() {
		return "", errors.ErrSourceNotFound(src)
	}

	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, filepath.Base(src))
	}
	dest = WithExtension(dest, ext)

	if err := os.Rename(src, dest); err != nil {
		if !stderrors.Is(err, syscall.EXDEV) {
			return "", exportError(src, dest, err)
		}
		if err := moveAcrossDevices(src, dest, info.Mode().Perm()); err != nil {
			return "", exportError(src, dest, err)
		}
	}
	return dest, nil
}

// moveAcrossDevices copies src next to dest, renames it into place and
// removes src. dest is never left partially written.
func moveAcrossDevices(src, dest string, perm fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".portscribe-export-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func exportError(src, dest string, err error) error {
	return errors.WrapScanError(errors.CodeExportFailed, "failed to export transcript", err).
		WithContext("source", src).
		WithContext("destination", dest)
}
