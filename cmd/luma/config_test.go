// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	luma "luma.256lights.llc/pkg"
)

func TestDefaultGlobalConfig(t *testing.T) {
	got := defaultGlobalConfig()
	if got.Socket == "" {
		t.Errorf("defaultGlobalConfig().Socket is empty")
	}
}

func TestGlobalConfigMergeFiles(t *testing.T) {
	dir := t.TempDir()
	var paths [3]string
	paths[0] = filepath.Join(dir, "config1.jwcc")
	if err := os.WriteFile(paths[0], []byte(`{"debug": true, "socket": "/foo.sock", "libraries": ["math"]}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[1] = filepath.Join(dir, "config2.jwcc")
	if err := os.WriteFile(paths[1], []byte(`{
		// Overrides the first file.
		"socket": "/bar.sock",
		"libraries": ["string"],
		"memoryLimit": 8388608,
	}`+"\n"), 0o666); err != nil {
		t.Fatal(err)
	}
	paths[2] = filepath.Join(dir, "missing.jwcc")

	g := new(globalConfig)
	err := g.mergeFiles(func(yield func(string) bool) {
		for _, path := range paths {
			if !yield(path) {
				return
			}
		}
	})
	if err != nil {
		t.Error("mergeFiles:", err)
	}
	if !g.Debug {
		t.Error("g.Debug = false; want true (config1.jwcc ignored)")
	}
	if got, want := g.Socket, "/bar.sock"; got != want {
		t.Errorf("g.Socket = %q; want %q", got, want)
	}
	if diff := cmp.Diff([]string{"math", "string"}, g.Libraries); diff != "" {
		t.Errorf("g.Libraries (-want +got):\n%s", diff)
	}
	if got, want := g.MemoryLimit, int64(8388608); got != want {
		t.Errorf("g.MemoryLimit = %d; want %d", got, want)
	}
}

func TestDefaultLibraries(t *testing.T) {
	tests := []struct {
		name      string
		libraries []string
		want      luma.StdLib
		wantErr   bool
	}{
		{name: "Empty", want: luma.LibAllSafe},
		{name: "Subset", libraries: []string{"math", "string"}, want: luma.LibMath | luma.LibString},
		{name: "Unknown", libraries: []string{"frobnicate"}, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := &globalConfig{Libraries: test.libraries}
			got, err := g.defaultLibraries()
			if err != nil {
				if !test.wantErr {
					t.Fatal("defaultLibraries:", err)
				}
				return
			}
			if test.wantErr {
				t.Fatalf("defaultLibraries() = %v; want error", got)
			}
			if got != test.want {
				t.Errorf("defaultLibraries() = %v; want %v", got, test.want)
			}
		})
	}
}
