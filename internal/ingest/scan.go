package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Enumerate lists the eligible files below the scoped root as sorted,
// slash-separated relative paths. Paths are NFC-normalized so a library
// moved across filesystems with different Unicode conventions enumerates
// identically, which keeps checkpoint cursors stable. Dot-prefixed files
// and directories are skipped; that keeps the catalog's own .facet
// directory out of its input.
func Enumerate(root string, folders []string, recursive bool, eligible func(string) bool) ([]string, error) {
	if len(folders) == 0 {
		folders = []string{"."}
	}

	seen := make(map[string]struct{})
	var files []string
	for _, folder := range folders {
		base := filepath.Join(root, filepath.FromSlash(folder))
		info, err := os.Stat(base)
		if err != nil {
			return nil, fmt.Errorf("scan folder %q: %w", folder, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("scan folder %q: not a directory", folder)
		}
		if err := scanFolder(root, base, recursive, eligible, seen, &files); err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func scanFolder(root, base string, recursive bool, eligible func(string) bool, seen map[string]struct{}, files *[]string) error {
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p == base {
				return nil
			}
			if strings.HasPrefix(name, ".") || !recursive {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !eligible(name) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		normalized := norm.NFC.String(filepath.ToSlash(rel))
		if _, ok := seen[normalized]; ok {
			return nil
		}
		seen[normalized] = struct{}{}
		*files = append(*files, normalized)
		return nil
	})
}

// splitRelative breaks a relative slash path into the catalog's sub-folder
// and filename columns.
func splitRelative(rel string) (subFolder, filename string) {
	dir, name := path.Split(rel)
	return strings.TrimSuffix(dir, "/"), name
}
