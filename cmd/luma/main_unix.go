// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"iter"
	"os/signal"

	"go4.org/xdgdir"
	"golang.org/x/sys/unix"
)

func cacheDir() string {
	return xdgdir.Cache.Path()
}

// systemConfigDirs returns a sequence of configuration directory paths
// in increasing order of preference (i.e. later entries should override earlier entries).
func systemConfigDirs() iter.Seq[string] {
	return func(yield func(string) bool) {
		paths := xdgdir.Config.SearchPaths()
		for i := len(paths) - 1; i >= 0; i-- {
			if !yield(paths[i]) {
				return
			}
		}
	}
}

// defaultVarDir returns the directory that holds runtime state
// such as the server socket.
func defaultVarDir() string {
	return "/opt/luma/var"
}

func ignoreSIGPIPE() {
	signal.Ignore(unix.SIGPIPE)
}
