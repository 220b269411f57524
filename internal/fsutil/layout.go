// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsutil manages the on-disk work directory a poller operates on.
//
// Layout:
//
//	<root>/to_run    scripts waiting for a free slot
//	<root>/running   scripts currently executing, plus one lock file per held slot
//	<root>/complete  scripts that exited 0
//	<root>/fail      scripts that exited non-zero or could not be launched
//	<root>/out       <script>.stdout, <script>.stderr, <script>.exitcode
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectory names inside a work directory.
const (
	DirToRun    = "to_run"
	DirRunning  = "running"
	DirComplete = "complete"
	DirFail     = "fail"
	DirOut      = "out"
)

// Dirs holds the absolute paths of a work directory layout.
type Dirs struct {
	Root     string
	ToRun    string
	Running  string
	Complete string
	Fail     string
	Out      string
}

// Layout computes the directory layout for root without touching the disk.
func Layout(root string) (Dirs, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve work dir %q: %w", root, err)
	}
	return Dirs{
		Root:     abs,
		ToRun:    filepath.Join(abs, DirToRun),
		Running:  filepath.Join(abs, DirRunning),
		Complete: filepath.Join(abs, DirComplete),
		Fail:     filepath.Join(abs, DirFail),
		Out:      filepath.Join(abs, DirOut),
	}, nil
}

// All returns the subdirectories in creation order.
func (d Dirs) All() []string {
	return []string{d.ToRun, d.Running, d.Complete, d.Fail, d.Out}
}

// SetupDirs creates root and its subdirectories if missing and returns the layout.
func SetupDirs(root string) (Dirs, error) {
	dirs, err := Layout(root)
	if err != nil {
		return Dirs{}, err
	}
	if err := os.MkdirAll(dirs.Root, 0o755); err != nil {
		return Dirs{}, fmt.Errorf("create work dir: %w", err)
	}
	for _, d := range dirs.All() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Dirs{}, fmt.Errorf("create %s: %w", filepath.Base(d), err)
		}
	}
	return dirs, nil
}
