package checkpoint

import (
	"context"
	"os"
	"path/filepath"
)

// FSWalker enumerates regular files under root using the real filesystem,
// skipping directories named in excludes at any depth.
type FSWalker struct{}

// NewFSWalker builds the default filesystem-backed walker.
func NewFSWalker() FSWalker { return FSWalker{} }

func (FSWalker) Walk(ctx context.Context, root string, excludes []string) ([]string, error) {
	excludeSet := make(map[string]bool, len(excludes))
	for _, e := range excludes {
		excludeSet[e] = true
	}

	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			if path != root && excludeSet[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
