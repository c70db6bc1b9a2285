package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jmcleod/ironca/errs"
)

const maxIDLength = 128

func validateID(id string) error {
	if id == "" {
		return errs.Validationf("id", "must not be empty")
	}
	if len(id) > maxIDLength {
		return errs.Validationf("id", "exceeds maximum length of %d", maxIDLength)
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return errs.Validationf("id", "must not start with '.'")
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return errs.Validationf("id", "contains forbidden character %q", r)
		}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so readers never observe a partial artifact. A
// failure to set the permission bits is logged and tolerated.
func writeFileAtomic(path string, data []byte, perm os.FileMode, logger *slog.Logger) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if chmodErr := tmp.Chmod(perm); chmodErr != nil {
		logger.Warn("could not set artifact permissions",
			"path", path,
			"mode", fmt.Sprintf("%04o", perm),
			"error", chmodErr,
		)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", filepath.Base(path), err)
	}
	return nil
}
