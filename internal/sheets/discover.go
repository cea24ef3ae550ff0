package sheets

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrFolderNotFound is returned by Discover for a folder that does not exist.
var ErrFolderNotFound = errors.New("sheets: folder does not exist")

// Discover lists the spreadsheet files below folder. Office lock files and
// any path running through an excluded folder name (case-insensitive) are
// skipped.
func Discover(folder string, excluded []string) ([]string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFolderNotFound
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		if name = strings.TrimSpace(name); name != "" {
			skip[strings.ToLower(name)] = struct{}{}
		}
	}

	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(folder)), "/") {
		if _, ok := skip[strings.ToLower(part)]; ok {
			return nil, nil
		}
	}

	var files []string
	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if _, ok := skip[strings.ToLower(name)]; ok {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, "~$") || !isSpreadsheet(name) {
			return nil
		}
		if _, ok := skip[strings.ToLower(name)]; ok {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isSpreadsheet(name string) bool {
	return strings.HasPrefix(strings.ToLower(filepath.Ext(name)), ".xls")
}
