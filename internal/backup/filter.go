package backup

import (
	"strings"

	"github.com/mailvault/mailvault/internal/provider"
)

// FilterFolders applies the include/exclude folder filters. Matching is
// case-insensitive substring on the display name. A non-empty include list
// wins outright: only matching folders are kept and the exclude list is
// ignored entirely. Only when no include terms are given does the exclude
// list drop folders.
func FilterFolders(folders []provider.Folder, include, exclude []string) []provider.Folder {
	var kept []provider.Folder
	for _, f := range folders {
		name := strings.ToLower(f.DisplayName)

		if len(include) > 0 {
			if matchesAny(name, include) {
				kept = append(kept, f)
			}
			continue
		}

		if len(exclude) > 0 && matchesAny(name, exclude) {
			continue
		}

		kept = append(kept, f)
	}
	return kept
}

func matchesAny(name string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(name, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
