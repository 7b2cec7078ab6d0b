package listing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrPathNotFound indicates the local directory does not exist.
var ErrPathNotFound = errors.New("path not found")

// ErrPermissionDenied indicates the local directory could not be accessed.
var ErrPermissionDenied = errors.New("permission denied")

// ListLocal lists the immediate children of a local directory. Entries whose
// metadata cannot be read are skipped.
func ListLocal(dir string, includeHidden bool) ([]Entry, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, dir)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, dir)
		default:
			return nil, err
		}
	}

	entries := make([]Entry, 0, len(children))
	for _, child := range children {
		name := child.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		info, err := child.Info()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ListLocal",
				"dir":      dir,
				"name":     name,
				"error":    err.Error(),
			}).Warn("Skipping unreadable directory entry")
			continue
		}
		entries = append(entries, Entry{
			Name:     name,
			Path:     filepath.Join(dir, name),
			IsDir:    child.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	return entries, nil
}
