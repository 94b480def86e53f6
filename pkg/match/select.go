package match

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
)

// Select walks dir and returns the slash-separated paths, relative to dir,
// of the regular files m matches. Results are sorted. Hidden directories
// are not descended unless the matcher includes hidden paths.
func Select(dir string, m *Matcher) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if !m.includeHidden && IsHidden(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if m.Match(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select files under %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}
