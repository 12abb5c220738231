// Package codepkg locates code package directories and the module files
// they contain.
package codepkg

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Path returns the directory of the code package named codePackageName,
// which lives next to the service manifest.
func Path(manifestPath, codePackageName string) string {
	return filepath.Join(filepath.Dir(manifestPath), codePackageName)
}

// Files walks dir recursively and returns the sorted paths of the regular
// files whose extension is in extensions. Extensions are matched
// case-insensitively and include the leading dot.
func Files(dir string, extensions set.Strings) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() && HasExtension(path, extensions) {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing code package %s", dir)
	}

	slices.Sort(files)

	return files, nil
}

// HasExtension reports whether the extension of path is in extensions.
func HasExtension(path string, extensions set.Strings) bool {
	return extensions.Contains(strings.ToLower(filepath.Ext(path)))
}
