package utils

import (
	"os"
	"path/filepath"
)

// ContentDir is the conventional content directory, relative to an installation directory,
// searched when a resource is not installed next to the executable.
var ContentDir = filepath.Join("..", "..", "content")

// ExecutableDir returns the directory holding the running executable.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// FindResourcePath resolves fileName against baseDir first and then against the content directory
// under baseDir. An empty baseDir means the executable's directory. A file missing from both
// locations is a ResourceNotFound error.
func FindResourcePath(baseDir, fileName string) (string, error) {
	if baseDir == "" {
		dir, err := ExecutableDir()
		if err != nil {
			return "", NewResourceNotFoundError(fileName)
		}
		baseDir = dir
	}
	candidates := []string{
		filepath.Join(baseDir, fileName),
		filepath.Join(baseDir, ContentDir, fileName),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", NewResourceNotFoundError(fileName, candidates...)
}
