package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Discover lists the archives under root. A root that is itself an unpacked
// archive (it has a namespace directory such as "A") yields only itself;
// otherwise every subdirectory is treated as one archive.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == NamespaceArticle {
			return []string{root}, nil
		}
	}

	var found []string
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) > 1 && entry.Name()[0] != '.' {
			found = append(found, filepath.Join(root, entry.Name()))
		}
	}
	sort.Strings(found)
	return found, nil
}
