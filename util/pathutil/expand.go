// Package pathutil expands and canonicalizes user-supplied paths.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand expands a leading ~ and environment variables in path and returns
// it as an absolute path.
func Expand(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}

	path = os.ExpandEnv(path)

	return filepath.Abs(path)
}

// CanonicalPath expands path and resolves symbolic links. A path that does
// not exist yet is returned expanded but unresolved.
func CanonicalPath(path string) (string, error) {
	expanded, err := Expand(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return expanded, nil
	}
	return resolved, nil
}
