package files

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FindUp looks for name in dir and each of its parents, returning "" if it is not found.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading dir %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// ResolveExecutable turns a command name into a path. Names containing a path
// separator are returned unchanged. Bare names are looked up on PATH and then
// with FindUp starting at dir, so a binary built next to the project is found
// without installing it.
func ResolveExecutable(name, dir string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	p, err := FindUp(name, dir)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("executable %q not found on PATH or above %q: %w", name, dir, os.ErrNotExist)
	}
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return "", errors.New(p + " is not an executable file")
	}
	return p, nil
}
