// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ListScripts returns the names of pending scripts in dir in lexical order.
// Hidden files (including in-flight atomic writes) and non-regular entries are skipped.
func ListScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// NextScript returns the full path of the first script in dir, or "" when empty.
func NextScript(dir string) (string, error) {
	names, err := ListScripts(dir)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", nil
	}
	return filepath.Join(dir, names[0]), nil
}

// CountScripts returns the number of scripts in dir.
func CountScripts(dir string) (int, error) {
	names, err := ListScripts(dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// SafeRename moves file into destDir keeping its base name. An existing file
// of the same name is never replaced: the moved file gets a "-<uuid>" suffix.
// It returns the final path.
func SafeRename(file, destDir string) (string, error) {
	name := filepath.Base(file)
	target, err := ConfineRelPath(destDir, name)
	if err != nil {
		return "", fmt.Errorf("confine %s: %w", name, err)
	}

	if _, err := os.Lstat(target); err == nil {
		target, err = ConfineRelPath(destDir, name+"-"+uuid.NewString())
		if err != nil {
			return "", fmt.Errorf("confine %s: %w", name, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", target, err)
	}

	if err := os.Rename(file, target); err != nil {
		return "", fmt.Errorf("move %s: %w", name, err)
	}
	return target, nil
}
