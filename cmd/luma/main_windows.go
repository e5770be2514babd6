// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"iter"
	"os"
	"path/filepath"
)

func cacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

// systemConfigDirs returns a sequence of configuration directory paths
// in increasing order of preference (i.e. later entries should override earlier entries).
func systemConfigDirs() iter.Seq[string] {
	return func(yield func(string) bool) {
		if dir, err := os.UserConfigDir(); err == nil {
			yield(dir)
		}
	}
}

// defaultVarDir returns the directory that holds runtime state
// such as the server socket.
func defaultVarDir() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "luma", "var")
	}
	return `C:\luma\var`
}

func ignoreSIGPIPE() {}
